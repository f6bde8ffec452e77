// Package audited wraps business operations so their audit side-effects are
// best-effort and asynchronous. The primary operation always succeeds or
// fails on its own merits; auditability must never become a source of
// outages for the system of record.
package audited

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/audit"
)

// Runner executes primaries and records their audit events.
type Runner struct {
	trail   *audit.Trail
	log     zerolog.Logger
	timeout time.Duration
}

func NewRunner(trail *audit.Trail, log zerolog.Logger) *Runner {
	return &Runner{trail: trail, log: log, timeout: 30 * time.Second}
}

// Run executes primary first. If it fails, the error propagates unchanged
// and no event is appended; operations that did not happen are not
// audited. On success the event is appended in the background and its
// outcome, including a degraded nil, is discarded.
func (r *Runner) Run(ctx context.Context, event audit.EventInput, primary func(context.Context) error) error {
	if err := primary(ctx); err != nil {
		return err
	}
	r.record(ctx, event)
	return nil
}

// Do is Run for primaries that return a value.
func Do[T any](ctx context.Context, r *Runner, event audit.EventInput, primary func(context.Context) (T, error)) (T, error) {
	result, err := primary(ctx)
	if err != nil {
		return result, err
	}
	r.record(ctx, event)
	return result, nil
}

func (r *Runner) record(ctx context.Context, event audit.EventInput) {
	// Detach from the request context so a client disconnect does not
	// cancel the append mid-flight.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	go func() {
		defer cancel()
		r.trail.Append(bg, event)
	}()
}
