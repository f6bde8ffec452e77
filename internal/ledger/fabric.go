package ledger

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// GatewayConfig carries the Fabric connection parameters.
type GatewayConfig struct {
	PeerEndpoint  string
	PeerHostAlias string
	MSPID         string
	CertPath      string
	KeyPath       string
	TLSCertPath   string // empty = insecure transport (development networks)
	Channel       string
	Chaincode     string

	EvaluateTimeout     time.Duration
	EndorseTimeout      time.Duration
	SubmitTimeout       time.Duration
	CommitStatusTimeout time.Duration
}

// Gateway manages the session to a Fabric network. Connect never reports an
// error to callers that merely use the ledger; it records the failure in the
// availability status instead. Transport failures during Submit/Evaluate flip
// the status back to disconnected.
type Gateway struct {
	cfg GatewayConfig
	log zerolog.Logger

	mu        sync.Mutex
	conn      *grpc.ClientConn
	gw        *client.Gateway
	network   *client.Network
	connected bool
	lastErr   string
}

func NewGateway(cfg GatewayConfig, log zerolog.Logger) *Gateway {
	return &Gateway{cfg: cfg, log: log}
}

// Connect establishes the gRPC connection and gateway session. Safe to call
// repeatedly; reconnect attempts are serialized so concurrent failures do not
// race. A failed connect leaves the gateway disconnected with the error
// recorded; it never panics or propagates.
func (g *Gateway) Connect(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.connected {
		return
	}

	if err := g.dial(); err != nil {
		g.lastErr = err.Error()
		g.log.Warn().Err(err).Str("peer", g.cfg.PeerEndpoint).
			Msg("ledger connect failed; continuing without ledger")
		return
	}

	g.connected = true
	g.lastErr = ""
	g.log.Info().Str("peer", g.cfg.PeerEndpoint).Str("channel", g.cfg.Channel).
		Msg("connected to ledger network")
}

func (g *Gateway) dial() error {
	creds := insecure.NewCredentials()
	if g.cfg.TLSCertPath != "" {
		pem, err := os.ReadFile(g.cfg.TLSCertPath)
		if err != nil {
			return fmt.Errorf("read tls cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return errors.New("no certificates parsed from tls cert file")
		}
		creds = credentials.NewClientTLSFromCert(pool, g.cfg.PeerHostAlias)
	}

	conn, err := grpc.NewClient(g.cfg.PeerEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return fmt.Errorf("dial peer: %w", err)
	}

	id, sign, err := g.loadIdentity()
	if err != nil {
		conn.Close()
		return err
	}

	gw, err := client.Connect(id,
		client.WithSign(sign),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(g.cfg.EvaluateTimeout),
		client.WithEndorseTimeout(g.cfg.EndorseTimeout),
		client.WithSubmitTimeout(g.cfg.SubmitTimeout),
		client.WithCommitStatusTimeout(g.cfg.CommitStatusTimeout),
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("gateway connect: %w", err)
	}

	g.conn = conn
	g.gw = gw
	g.network = gw.GetNetwork(g.cfg.Channel)
	return nil
}

func (g *Gateway) loadIdentity() (*identity.X509Identity, identity.Sign, error) {
	certPEM, err := os.ReadFile(g.cfg.CertPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read identity cert: %w", err)
	}
	cert, err := identity.CertificateFromPEM(certPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse identity cert: %w", err)
	}
	id, err := identity.NewX509Identity(g.cfg.MSPID, cert)
	if err != nil {
		return nil, nil, fmt.Errorf("build identity: %w", err)
	}

	keyPEM, err := os.ReadFile(g.cfg.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read identity key: %w", err)
	}
	key, err := identity.PrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse identity key: %w", err)
	}
	sign, err := identity.NewPrivateKeySign(key)
	if err != nil {
		return nil, nil, fmt.Errorf("build signer: %w", err)
	}
	return id, sign, nil
}

// Submit performs an ordered, durable write through the chaincode contract.
func (g *Gateway) Submit(ctx context.Context, contract, fn string, args ...string) (json.RawMessage, error) {
	c, ok := g.contract(contract)
	if !ok {
		return nil, ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.SubmitTimeout+g.cfg.EndorseTimeout+g.cfg.CommitStatusTimeout)
	defer cancel()

	result, err := c.SubmitWithContext(ctx, fn, client.WithArguments(args...))
	if err != nil {
		return nil, g.classify(contract, fn, err)
	}
	return result, nil
}

// Evaluate performs a point read through the chaincode contract.
func (g *Gateway) Evaluate(ctx context.Context, contract, fn string, args ...string) (json.RawMessage, error) {
	c, ok := g.contract(contract)
	if !ok {
		return nil, ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.EvaluateTimeout)
	defer cancel()

	result, err := c.EvaluateWithContext(ctx, fn, client.WithArguments(args...))
	if err != nil {
		return nil, g.classify(contract, fn, err)
	}
	return result, nil
}

func (g *Gateway) contract(name string) (*client.Contract, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected || g.network == nil {
		return nil, false
	}
	return g.network.GetContractWithName(g.cfg.Chaincode, name), true
}

// classify maps transport-level failures to ErrUnavailable and flips the
// availability flag; chaincode-level errors pass through unchanged.
func (g *Gateway) classify(contract, fn string, err error) error {
	if !transportFailure(err) {
		g.log.Error().Err(err).Str("contract", contract).Str("fn", fn).
			Msg("ledger transaction rejected")
		return err
	}

	g.mu.Lock()
	g.connected = false
	g.lastErr = err.Error()
	g.mu.Unlock()

	g.log.Warn().Err(err).Str("contract", contract).Str("fn", fn).
		Msg("ledger unreachable; marking disconnected")
	return ErrUnavailable
}

func transportFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Aborted:
		return true
	}
	return false
}

// Availability reports the current connection status.
func (g *Gateway) Availability() Availability {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Availability{Connected: g.connected, LastError: g.lastErr}
}

// Disconnect releases the session and connection. Safe to call multiple
// times and during shutdown.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.gw != nil {
		g.gw.Close()
		g.gw = nil
	}
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	if g.connected {
		g.connected = false
		g.log.Info().Msg("disconnected from ledger network")
	}
	g.network = nil
}
