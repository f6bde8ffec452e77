package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ledger/internal/audit"
	"github.com/ehr/ledger/internal/audited"
	"github.com/ehr/ledger/internal/config"
	"github.com/ehr/ledger/internal/consent"
	"github.com/ehr/ledger/internal/integrity"
	"github.com/ehr/ledger/internal/ledger"
	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/internal/platform/blobstore"
	"github.com/ehr/ledger/internal/platform/middleware"
	"github.com/ehr/ledger/pkg/envelope"
)

var rootCmd = &cobra.Command{
	Use:   "ledger-server",
	Short: "Consent-gated audit ledger service",
	Long:  "HTTP service recording access events, consent grants, and integrity anchors on a tamper-evident ledger.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := newLogger(cfg)

	// Ledger backend
	var inv ledger.Invoker
	var gw *ledger.Gateway
	switch cfg.ResolvedLedgerMode() {
	case "fabric":
		gw = ledger.NewGateway(ledger.GatewayConfig{
			PeerEndpoint:        cfg.FabricPeerEndpoint,
			PeerHostAlias:       cfg.FabricPeerHostAlias,
			MSPID:               cfg.FabricMSPID,
			CertPath:            cfg.FabricCertPath,
			KeyPath:             cfg.FabricKeyPath,
			TLSCertPath:         cfg.FabricTLSCertPath,
			Channel:             cfg.FabricChannel,
			Chaincode:           cfg.FabricChaincode,
			EvaluateTimeout:     cfg.EvaluateTimeout,
			EndorseTimeout:      cfg.EndorseTimeout,
			SubmitTimeout:       cfg.SubmitTimeout,
			CommitStatusTimeout: cfg.CommitStatusTimeout,
		}, log)
		gw.Connect(context.Background())
		inv = gw
	default:
		log.Warn().Msg("running on the in-memory ledger; state is not durable")
		inv = ledger.NewMemoryLedger()
	}

	// Components
	trail := audit.NewTrail(inv, log)
	runner := audited.NewRunner(trail, log)
	registry := consent.NewRegistry(inv, log)
	verifier := integrity.NewVerifier(inv, trail, log)
	blobs := blobstore.NewInMemoryBlobStore()

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(log))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(log))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
	}))

	if cfg.AuthSecret != "" {
		e.Use(auth.JWT(auth.Config{Secret: []byte(cfg.AuthSecret)}))
	} else {
		e.Use(auth.Dev())
	}

	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	e.GET("/health", func(c echo.Context) error {
		return envelope.OK(c, http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api/v1")
	read := api.Group("")
	write := api.Group("")
	if cfg.AuthSecret != "" {
		write.Use(auth.Require())
	}

	ledger.NewHandler(inv, cfg.FabricChannel).RegisterRoutes(read)
	audit.NewHandler(trail).RegisterRoutes(read)
	consent.NewHandler(registry, runner).RegisterRoutes(read, write)
	blobstore.NewHandler(blobs, verifier, runner).RegisterRoutes(read, write)

	// Serve with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Str("env", cfg.Env).
			Str("ledger_mode", cfg.ResolvedLedgerMode()).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if gw != nil {
		gw.Disconnect()
	}
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger().Level(zerolog.DebugLevel)
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}
