// Package ledger provides access to the tamper-evident store that backs the
// audit trail, consent registry, and content anchors. The store is treated as
// a black box exposing ordered durable writes (Submit) and point-in-time
// reads (Evaluate). Two backends exist: a Hyperledger Fabric gateway for
// production and an in-process memory ledger for development and tests.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailable is returned by Submit and Evaluate when the ledger is
// disconnected or a transport deadline was exceeded. Callers treat it as a
// first-class degraded outcome, not a failure of their own operation.
var ErrUnavailable = errors.New("ledger unavailable")

// Contract names, matching the chaincode deployed on the ledger network.
const (
	ContractAccessLog = "AccessLogContract"
	ContractConsent   = "ConsentContract"
	ContractIntegrity = "IntegrityContract"
)

// Availability is the process-wide connection status of the ledger.
type Availability struct {
	Connected bool   `json:"connected"`
	LastError string `json:"lastError,omitempty"`
}

// Invoker is the capability surface components use to reach the ledger.
// Implementations must never block past their configured deadlines.
type Invoker interface {
	// Submit performs an ordered, durable write and returns the
	// contract's response. Returns ErrUnavailable when the ledger is
	// disconnected or unreachable within the deadline.
	Submit(ctx context.Context, contract, fn string, args ...string) (json.RawMessage, error)

	// Evaluate performs a point read. Same availability semantics as Submit.
	Evaluate(ctx context.Context, contract, fn string, args ...string) (json.RawMessage, error)

	// Availability reports the current connection status.
	Availability() Availability
}
