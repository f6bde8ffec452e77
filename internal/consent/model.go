package consent

import (
	"errors"
	"fmt"
	"time"
)

// Status of a grant. ACTIVE may transition to REVOKED (explicit) or EXPIRED
// (derived at read time, materialized lazily); both are terminal. A grant is
// never revived; callers issue a new one instead.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
	StatusExpired Status = "EXPIRED"
)

var (
	// ErrNotFound means the consent id does not exist on the ledger.
	ErrNotFound = errors.New("consent not found")
	// ErrAlreadyRevoked guards against double revocation, which would hide
	// a caller logic error if silently accepted.
	ErrAlreadyRevoked = errors.New("consent already revoked")
	// ErrExpired means the grant's expiry has passed; expired grants are
	// terminal and cannot be revoked.
	ErrExpired = errors.New("consent expired")
)

// ValidationError reports a malformed grant request. These are caller bugs
// and fail synchronously, unlike infrastructure outages.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid consent request: %s %s", e.Field, e.Msg)
}

// Grant is a time-bounded, data-type-scoped authorization from a subject
// (patient) to a principal (provider). Identifier, issue timestamp, and
// transaction id are assigned by the ledger write.
type Grant struct {
	ConsentID        string     `json:"consentId"`
	SubjectID        string     `json:"subjectId"`
	PrincipalID      string     `json:"principalId"`
	PrincipalLabel   string     `json:"principalLabel"`
	DataTypes        []string   `json:"dataTypes"`
	Purpose          string     `json:"purpose"`
	ExpiresAt        *time.Time `json:"expiresAt"`
	Status           Status     `json:"status"`
	IssuedAt         time.Time  `json:"issuedAt"`
	IssuedBy         string     `json:"issuedBy"`
	RevokedAt        *time.Time `json:"revokedAt"`
	RevokedBy        string     `json:"revokedBy,omitempty"`
	RevocationReason string     `json:"revocationReason,omitempty"`
	TxID             string     `json:"txId"`
}

// ExpiredAt reports whether the grant's expiry has passed at the given
// instant. This predicate is authoritative regardless of the persisted
// Status: a grant past its expiry never authorizes access, even before the
// lazy EXPIRED materialization has been written back.
func (g *Grant) ExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// Covers reports whether the grant authorizes access to dataType at the
// given instant.
func (g *Grant) Covers(dataType string, now time.Time) bool {
	if g.Status != StatusActive || g.ExpiredAt(now) {
		return false
	}
	for _, dt := range g.DataTypes {
		if dt == dataType {
			return true
		}
	}
	return false
}

// GrantInput describes a grant request.
type GrantInput struct {
	SubjectID      string     `json:"subjectId"`
	PrincipalID    string     `json:"principalId"`
	PrincipalLabel string     `json:"principalLabel"`
	DataTypes      []string   `json:"dataTypes"`
	Purpose        string     `json:"purpose"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	IssuedBy       string     `json:"issuedBy"`
}

// Decision is the result of a consent check.
type Decision struct {
	HasConsent     bool    `json:"hasConsent"`
	MatchingGrants []Grant `json:"matchingGrants"`
}
