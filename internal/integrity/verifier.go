// Package integrity anchors SHA-256 digests of externally stored bytes on
// the ledger and verifies fresh bytes against the anchored digest. A digest
// mismatch while the ledger is reachable is a detected compromise and
// blocks the surrounding operation; ledger unavailability is a precondition
// failure and must never be surfaced as tampering.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/audit"
	"github.com/ehr/ledger/internal/ledger"
)

// Algorithm is the digest algorithm for all anchors. Anchoring and
// verification share the Digest function, so the two call sites can never
// disagree on it.
const Algorithm = "SHA-256"

// Outcome is the three-valued verification result.
type Outcome string

const (
	// OutcomeVerified: bytes match the anchored digest.
	OutcomeVerified Outcome = "VERIFIED"
	// OutcomeTampered: bytes differ from the anchored digest while the
	// ledger is reachable. The only blocking outcome.
	OutcomeTampered Outcome = "TAMPERED"
	// OutcomeIndeterminate: verification could not be performed (ledger
	// unavailable, no anchor recorded, no bytes). Advisory, not blocking.
	OutcomeIndeterminate Outcome = "INDETERMINATE"
)

const (
	ReasonUnavailable = "ledger unavailable"
	ReasonMismatch    = "digest mismatch"
	ReasonNoAnchor    = "no anchor recorded"
	ReasonNoContent   = "no content to verify"
)

// Anchor is the authoritative expected digest for a resource's bytes.
type Anchor struct {
	ResourceID string    `json:"resourceId"`
	Algorithm  string    `json:"algorithm"`
	DigestHex  string    `json:"digestHex"`
	AnchoredAt time.Time `json:"anchoredAt"`
	TxID       string    `json:"txId"`
}

// Result reports a verification. Verified and Reason mirror the wire shape
// consumers already rely on; Outcome makes the blocking-vs-advisory
// distinction impossible to miss.
type Result struct {
	Outcome     Outcome `json:"outcome"`
	Verified    bool    `json:"verified"`
	Reason      string  `json:"reason,omitempty"`
	ExpectedHex string  `json:"expectedHex,omitempty"`
	ActualHex   string  `json:"actualHex,omitempty"`
}

// Blocking reports whether the surrounding operation (e.g. a file download)
// must be denied.
func (r Result) Blocking() bool {
	return r.Outcome == OutcomeTampered
}

// Digest returns the lowercase hex SHA-256 of b. Pure function, no side
// effects.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type Verifier struct {
	inv   ledger.Invoker
	trail *audit.Trail
	log   zerolog.Logger
}

func NewVerifier(inv ledger.Invoker, trail *audit.Trail, log zerolog.Logger) *Verifier {
	return &Verifier{inv: inv, trail: trail, log: log}
}

// Anchor computes the digest of data and records it as the authoritative
// anchor for resourceID. Returns nil when data is empty (a resource may
// legitimately have no file) or the ledger is unavailable. Replacing an
// existing anchor with a different digest is itself audited as a REANCHOR
// event; supersession is never a silent overwrite.
func (v *Verifier) Anchor(ctx context.Context, resourceID string, data []byte, principalID string) *Anchor {
	if len(data) == 0 {
		return nil
	}

	digest := Digest(data)
	previous, err := v.fetchAnchor(ctx, resourceID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			v.log.Warn().Str("resource_id", resourceID).
				Msg("ledger unavailable; digest not anchored")
		} else {
			v.log.Error().Err(err).Str("resource_id", resourceID).Msg("read existing anchor")
		}
		return nil
	}

	payload, err := json.Marshal(map[string]string{"algorithm": Algorithm, "digestHex": digest})
	if err != nil {
		v.log.Error().Err(err).Msg("marshal anchor")
		return nil
	}

	raw, err := v.inv.Submit(ctx, ledger.ContractIntegrity, "putAnchor", resourceID, string(payload))
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			v.log.Warn().Str("resource_id", resourceID).
				Msg("ledger unavailable; digest not anchored")
		} else {
			v.log.Error().Err(err).Str("resource_id", resourceID).Msg("anchor digest")
		}
		return nil
	}

	var a Anchor
	if err := json.Unmarshal(raw, &a); err != nil {
		v.log.Error().Err(err).Msg("decode anchor")
		return nil
	}

	if previous != nil && previous.DigestHex != a.DigestHex {
		v.log.Warn().Str("resource_id", resourceID).
			Str("superseded", previous.DigestHex).Str("current", a.DigestHex).
			Msg("anchor superseded")
		v.trail.Append(ctx, audit.EventInput{
			PrincipalID:  principalID,
			Action:       audit.ActionReanchor,
			ResourceType: "anchor",
			ResourceID:   resourceID,
		})
	}

	v.log.Info().Str("resource_id", resourceID).Str("digest", a.DigestHex).
		Msg("content digest anchored")
	return &a
}

// Verify compares data against the anchored digest for resourceID.
func (v *Verifier) Verify(ctx context.Context, resourceID string, data []byte) Result {
	if len(data) == 0 {
		return Result{Outcome: OutcomeIndeterminate, Verified: false, Reason: ReasonNoContent}
	}

	anchor, err := v.fetchAnchor(ctx, resourceID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			return Result{Outcome: OutcomeIndeterminate, Verified: false, Reason: ReasonUnavailable}
		}
		v.log.Error().Err(err).Str("resource_id", resourceID).Msg("read anchor")
		return Result{Outcome: OutcomeIndeterminate, Verified: false, Reason: err.Error()}
	}
	if anchor == nil {
		return Result{Outcome: OutcomeIndeterminate, Verified: false, Reason: ReasonNoAnchor}
	}

	actual := Digest(data)
	if actual != anchor.DigestHex {
		v.log.Warn().Str("resource_id", resourceID).
			Str("expected", anchor.DigestHex).Str("actual", actual).
			Msg("content integrity check FAILED")
		return Result{
			Outcome:     OutcomeTampered,
			Verified:    false,
			Reason:      ReasonMismatch,
			ExpectedHex: anchor.DigestHex,
			ActualHex:   actual,
		}
	}

	return Result{Outcome: OutcomeVerified, Verified: true, ExpectedHex: anchor.DigestHex, ActualHex: actual}
}

func (v *Verifier) fetchAnchor(ctx context.Context, resourceID string) (*Anchor, error) {
	raw, err := v.inv.Evaluate(ctx, ledger.ContractIntegrity, "getAnchor", resourceID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var a Anchor
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode anchor: %w", err)
	}
	return &a, nil
}
