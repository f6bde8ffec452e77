// Package consent records, revokes, and evaluates patient consent grants on
// the tamper-evident ledger. Expiry is a read-time predicate: a grant past
// its expiresAt never authorizes access, even while its persisted status
// still reads ACTIVE; observation of expiry triggers a non-blocking
// write-back that materializes the EXPIRED status.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/ledger"
)

type Registry struct {
	inv ledger.Invoker
	log zerolog.Logger
	now func() time.Time

	// expireTimeout bounds the background EXPIRED materialization writes.
	expireTimeout time.Duration
}

func NewRegistry(inv ledger.Invoker, log zerolog.Logger) *Registry {
	return &Registry{
		inv:           inv,
		log:           log,
		now:           time.Now,
		expireTimeout: 15 * time.Second,
	}
}

// Grant validates the request locally and records the grant on the ledger.
// Validation failures return a *ValidationError synchronously: an invalid
// grant request is a caller bug. Ledger unavailability returns (nil, nil):
// the grant was not recorded, and the degraded outcome is logged.
func (r *Registry) Grant(ctx context.Context, in GrantInput) (*Grant, error) {
	if in.SubjectID == "" {
		return nil, &ValidationError{Field: "subjectId", Msg: "is required"}
	}
	if in.PrincipalID == "" {
		return nil, &ValidationError{Field: "principalId", Msg: "is required"}
	}
	if len(in.DataTypes) == 0 {
		return nil, &ValidationError{Field: "dataTypes", Msg: "must be a non-empty set"}
	}
	seen := make(map[string]bool, len(in.DataTypes))
	for _, dt := range in.DataTypes {
		if dt == "" {
			return nil, &ValidationError{Field: "dataTypes", Msg: "must not contain empty entries"}
		}
		if seen[dt] {
			return nil, &ValidationError{Field: "dataTypes", Msg: fmt.Sprintf("contains duplicate %q", dt)}
		}
		seen[dt] = true
	}

	consentID := fmt.Sprintf("CONSENT_%s_%s_%d", in.SubjectID, in.PrincipalID, r.now().UnixMilli())

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal grant: %w", err)
	}

	raw, err := r.inv.Submit(ctx, ledger.ContractConsent, "grantConsent", consentID, string(payload))
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			r.log.Warn().Str("subject_id", in.SubjectID).Str("principal_id", in.PrincipalID).
				Msg("ledger unavailable; consent not stored on chain")
			return nil, nil
		}
		return nil, fmt.Errorf("grant consent: %w", err)
	}

	var g Grant
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode granted consent: %w", err)
	}

	r.log.Info().Str("consent_id", g.ConsentID).
		Str("subject_id", g.SubjectID).Str("principal_id", g.PrincipalID).
		Msg("consent granted")
	return &g, nil
}

// Revoke marks a grant REVOKED. Fails with ErrNotFound for an unknown id,
// ErrAlreadyRevoked on double revocation, and ErrExpired for a grant whose
// expiry has passed; EXPIRED is terminal, whether or not it has been
// materialized yet. Ledger unavailability returns (nil, nil).
func (r *Registry) Revoke(ctx context.Context, consentID, reason, revokedBy string) (*Grant, error) {
	current, err := r.fetch(ctx, consentID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			r.log.Warn().Str("consent_id", consentID).
				Msg("ledger unavailable; consent revocation not recorded")
			return nil, nil
		}
		return nil, err
	}

	switch {
	case current.Status == StatusRevoked:
		return nil, ErrAlreadyRevoked
	case current.Status == StatusExpired || current.ExpiredAt(r.now()):
		return nil, ErrExpired
	}

	if reason == "" {
		reason = "Revoked by patient"
	}
	payload, err := json.Marshal(map[string]string{"reason": reason, "revokedBy": revokedBy})
	if err != nil {
		return nil, fmt.Errorf("marshal revocation: %w", err)
	}

	raw, err := r.inv.Submit(ctx, ledger.ContractConsent, "revokeConsent", consentID, string(payload))
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			r.log.Warn().Str("consent_id", consentID).
				Msg("ledger unavailable; consent revocation not recorded")
			return nil, nil
		}
		return nil, fmt.Errorf("revoke consent: %w", err)
	}

	var g Grant
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode revoked consent: %w", err)
	}

	r.log.Info().Str("consent_id", g.ConsentID).Str("revoked_by", revokedBy).
		Msg("consent revoked")
	return &g, nil
}

// Check evaluates whether principal holds a live grant from subject covering
// dataType. Grants observed expired are materialized to EXPIRED in the
// background; the decision does not wait for (or depend on) that write.
// Ledger unavailability yields hasConsent=false with no matching grants.
func (r *Registry) Check(ctx context.Context, subjectID, principalID, dataType string) Decision {
	deny := Decision{HasConsent: false, MatchingGrants: []Grant{}}

	raw, err := r.inv.Evaluate(ctx, ledger.ContractConsent, "getActiveConsents", subjectID, principalID)
	if err != nil {
		if !errors.Is(err, ledger.ErrUnavailable) {
			r.log.Error().Err(err).Msg("query active consents")
		}
		return deny
	}

	var candidates []Grant
	if err := json.Unmarshal(raw, &candidates); err != nil {
		r.log.Error().Err(err).Msg("decode active consents")
		return deny
	}

	now := r.now()
	matching := []Grant{}
	var expired []string
	for _, g := range candidates {
		if g.ExpiredAt(now) {
			expired = append(expired, g.ConsentID)
			continue
		}
		if g.Covers(dataType, now) {
			matching = append(matching, g)
		}
	}

	if len(expired) > 0 {
		go r.materializeExpiry(expired)
	}

	return Decision{HasConsent: len(matching) > 0, MatchingGrants: matching}
}

// materializeExpiry persists EXPIRED for grants observed past their expiry.
// Runs detached from the request: the read's correctness does not depend on
// these writes succeeding.
func (r *Registry) materializeExpiry(consentIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.expireTimeout)
	defer cancel()

	for _, id := range consentIDs {
		if _, err := r.inv.Submit(ctx, ledger.ContractConsent, "markConsentExpired", id); err != nil {
			r.log.Warn().Err(err).Str("consent_id", id).
				Msg("could not materialize consent expiry")
			continue
		}
		r.log.Info().Str("consent_id", id).Msg("consent expiry materialized")
	}
}

// History returns every grant ever issued by a subject, newest first.
// Empty when the ledger is unavailable.
func (r *Registry) History(ctx context.Context, subjectID string) []Grant {
	return r.query(ctx, "getConsentHistory", subjectID)
}

// ActiveForPrincipal returns the grants currently authorizing a principal.
// Grants past expiry are filtered out even if not yet materialized.
func (r *Registry) ActiveForPrincipal(ctx context.Context, principalID string) []Grant {
	grants := r.query(ctx, "getProviderConsents", principalID)
	now := r.now()
	live := []Grant{}
	for _, g := range grants {
		if !g.ExpiredAt(now) {
			live = append(live, g)
		}
	}
	return live
}

func (r *Registry) query(ctx context.Context, fn string, arg string) []Grant {
	raw, err := r.inv.Evaluate(ctx, ledger.ContractConsent, fn, arg)
	if err != nil {
		if !errors.Is(err, ledger.ErrUnavailable) {
			r.log.Error().Err(err).Str("fn", fn).Msg("query consents")
		}
		return []Grant{}
	}
	grants := []Grant{}
	if err := json.Unmarshal(raw, &grants); err != nil {
		r.log.Error().Err(err).Str("fn", fn).Msg("decode consents")
		return []Grant{}
	}
	return grants
}

func (r *Registry) fetch(ctx context.Context, consentID string) (*Grant, error) {
	raw, err := r.inv.Evaluate(ctx, ledger.ContractConsent, "getConsent", consentID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrNotFound
	}
	var g Grant
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode consent: %w", err)
	}
	return &g, nil
}
