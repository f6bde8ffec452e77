// Package audit appends access events to the tamper-evident ledger and
// reads back per-resource trails. Appends are best-effort: a ledger outage
// degrades to a warning, never to a failure of the operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/ledger"
)

type Trail struct {
	inv ledger.Invoker
	log zerolog.Logger
}

func NewTrail(inv ledger.Invoker, log zerolog.Logger) *Trail {
	return &Trail{inv: inv, log: log}
}

// Append records an access event. Returns nil when the ledger is
// unavailable; callers must not treat that as failure of their own
// operation.
func (t *Trail) Append(ctx context.Context, in EventInput) *Event {
	if in.PrincipalID == "" {
		in.PrincipalID = "system"
	}

	payload, err := json.Marshal(in)
	if err != nil {
		t.log.Error().Err(err).Msg("marshal access event")
		return nil
	}

	raw, err := t.inv.Submit(ctx, ledger.ContractAccessLog, "logAccess", string(payload))
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			t.log.Warn().
				Str("action", string(in.Action)).
				Str("resource", in.ResourceType+":"+in.ResourceID).
				Msg("ledger unavailable; access not logged on chain")
		} else {
			t.log.Error().Err(err).Msg("append access event")
		}
		return nil
	}

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.log.Error().Err(err).Msg("decode appended access event")
		return nil
	}

	t.log.Info().
		Str("log_id", ev.LogID).
		Str("principal_id", ev.PrincipalID).
		Str("action", string(ev.Action)).
		Str("resource", ev.ResourceType+":"+ev.ResourceID).
		Msg("access logged")
	return &ev
}

// Trail returns all events for a resource, newest first. Returns an empty
// slice when the ledger is unavailable; callers needing to distinguish
// "no history" from "ledger down" check Availability separately.
func (t *Trail) Trail(ctx context.Context, resourceType, resourceID string) []Event {
	raw, err := t.inv.Evaluate(ctx, ledger.ContractAccessLog, "getAuditTrail", resourceType, resourceID)
	if err != nil {
		if !errors.Is(err, ledger.ErrUnavailable) {
			t.log.Error().Err(err).Msg("read audit trail")
		}
		return []Event{}
	}

	events := []Event{}
	if err := json.Unmarshal(raw, &events); err != nil {
		t.log.Error().Err(err).Msg("decode audit trail")
		return []Event{}
	}
	return events
}
