package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process implementation of the chaincode contract
// functions. It backs development mode, where no Fabric network is running,
// and the test suite, where unavailability is simulated by toggling
// SetAvailable. Records live only as long as the process; the memory ledger
// is not tamper-evident and is never used in production.
type MemoryLedger struct {
	mu        sync.Mutex
	available bool
	lastErr   string

	events   []memEvent
	consents map[string]*memConsent
	order    []string // consent insertion order, for stable history
	anchors  map[string]*memAnchor
	now      func() time.Time
}

type memEvent struct {
	LogID        string    `json:"logId"`
	PrincipalID  string    `json:"principalId"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	Timestamp    time.Time `json:"timestamp"`
	TxID         string    `json:"txId"`
}

type memConsent struct {
	ConsentID        string     `json:"consentId"`
	SubjectID        string     `json:"subjectId"`
	PrincipalID      string     `json:"principalId"`
	PrincipalLabel   string     `json:"principalLabel"`
	DataTypes        []string   `json:"dataTypes"`
	Purpose          string     `json:"purpose"`
	ExpiresAt        *time.Time `json:"expiresAt"`
	Status           string     `json:"status"`
	IssuedAt         time.Time  `json:"issuedAt"`
	IssuedBy         string     `json:"issuedBy"`
	RevokedAt        *time.Time `json:"revokedAt"`
	RevokedBy        string     `json:"revokedBy,omitempty"`
	RevocationReason string     `json:"revocationReason,omitempty"`
	TxID             string     `json:"txId"`
}

type memAnchor struct {
	ResourceID string    `json:"resourceId"`
	Algorithm  string    `json:"algorithm"`
	DigestHex  string    `json:"digestHex"`
	AnchoredAt time.Time `json:"anchoredAt"`
	TxID       string    `json:"txId"`
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		available: true,
		consents:  make(map[string]*memConsent),
		anchors:   make(map[string]*memAnchor),
		now:       time.Now,
	}
}

// SetAvailable toggles the simulated connection status.
func (m *MemoryLedger) SetAvailable(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = up
	if up {
		m.lastErr = ""
	} else {
		m.lastErr = "memory ledger marked unavailable"
	}
}

// SetClock overrides the ledger clock. Tests use it to issue grants in the
// past without sleeping.
func (m *MemoryLedger) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryLedger) Availability() Availability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Availability{Connected: m.available, LastError: m.lastErr}
}

func (m *MemoryLedger) Submit(_ context.Context, contract, fn string, args ...string) (json.RawMessage, error) {
	return m.invoke(contract, fn, args)
}

func (m *MemoryLedger) Evaluate(_ context.Context, contract, fn string, args ...string) (json.RawMessage, error) {
	return m.invoke(contract, fn, args)
}

func (m *MemoryLedger) invoke(contract, fn string, args []string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return nil, ErrUnavailable
	}

	switch contract + "." + fn {
	case ContractAccessLog + ".logAccess":
		return m.logAccess(args)
	case ContractAccessLog + ".getAuditTrail":
		return m.getAuditTrail(args)
	case ContractConsent + ".grantConsent":
		return m.grantConsent(args)
	case ContractConsent + ".revokeConsent":
		return m.revokeConsent(args)
	case ContractConsent + ".markConsentExpired":
		return m.markConsentExpired(args)
	case ContractConsent + ".getConsent":
		return m.getConsent(args)
	case ContractConsent + ".getActiveConsents":
		return m.getActiveConsents(args)
	case ContractConsent + ".getConsentHistory":
		return m.getConsentHistory(args)
	case ContractConsent + ".getProviderConsents":
		return m.getProviderConsents(args)
	case ContractIntegrity + ".putAnchor":
		return m.putAnchor(args)
	case ContractIntegrity + ".getAnchor":
		return m.getAnchor(args)
	}
	return nil, fmt.Errorf("unknown contract function %s.%s", contract, fn)
}

func (m *MemoryLedger) logAccess(args []string) (json.RawMessage, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("logAccess expects 1 argument, got %d", len(args))
	}
	var in struct {
		PrincipalID  string `json:"principalId"`
		Action       string `json:"action"`
		ResourceType string `json:"resourceType"`
		ResourceID   string `json:"resourceId"`
	}
	if err := json.Unmarshal([]byte(args[0]), &in); err != nil {
		return nil, fmt.Errorf("logAccess payload: %w", err)
	}

	txID := uuid.NewString()
	ev := memEvent{
		LogID:        "LOG_" + txID,
		PrincipalID:  in.PrincipalID,
		Action:       in.Action,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		Timestamp:    m.now().UTC(),
		TxID:         txID,
	}
	if ev.PrincipalID == "" {
		ev.PrincipalID = "system"
	}
	m.events = append(m.events, ev)
	return json.Marshal(ev)
}

func (m *MemoryLedger) getAuditTrail(args []string) (json.RawMessage, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("getAuditTrail expects 2 arguments, got %d", len(args))
	}
	rt, rid := args[0], args[1]

	// Walk newest insertion first so the stable sort keeps ledger order
	// within identical timestamps.
	matches := make([]memEvent, 0)
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if ev.ResourceType == rt && ev.ResourceID == rid {
			matches = append(matches, ev)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})
	return json.Marshal(matches)
}

func (m *MemoryLedger) grantConsent(args []string) (json.RawMessage, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("grantConsent expects 2 arguments, got %d", len(args))
	}
	consentID := args[0]
	var in struct {
		SubjectID      string     `json:"subjectId"`
		PrincipalID    string     `json:"principalId"`
		PrincipalLabel string     `json:"principalLabel"`
		DataTypes      []string   `json:"dataTypes"`
		Purpose        string     `json:"purpose"`
		ExpiresAt      *time.Time `json:"expiresAt"`
		IssuedBy       string     `json:"issuedBy"`
	}
	if err := json.Unmarshal([]byte(args[1]), &in); err != nil {
		return nil, fmt.Errorf("grantConsent payload: %w", err)
	}
	if in.SubjectID == "" || in.PrincipalID == "" || len(in.DataTypes) == 0 {
		return nil, fmt.Errorf("grantConsent: missing required consent fields")
	}

	c := &memConsent{
		ConsentID:      consentID,
		SubjectID:      in.SubjectID,
		PrincipalID:    in.PrincipalID,
		PrincipalLabel: in.PrincipalLabel,
		DataTypes:      in.DataTypes,
		Purpose:        in.Purpose,
		ExpiresAt:      in.ExpiresAt,
		Status:         "ACTIVE",
		IssuedAt:       m.now().UTC(),
		IssuedBy:       in.IssuedBy,
		TxID:           uuid.NewString(),
	}
	if c.IssuedBy == "" {
		c.IssuedBy = "system"
	}
	if _, exists := m.consents[consentID]; !exists {
		m.order = append(m.order, consentID)
	}
	m.consents[consentID] = c
	return json.Marshal(c)
}

func (m *MemoryLedger) revokeConsent(args []string) (json.RawMessage, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("revokeConsent expects 2 arguments, got %d", len(args))
	}
	c, ok := m.consents[args[0]]
	if !ok {
		return nil, fmt.Errorf("consent %s does not exist", args[0])
	}
	if c.Status == "REVOKED" {
		return nil, fmt.Errorf("consent %s is already revoked", args[0])
	}

	var in struct {
		Reason    string `json:"reason"`
		RevokedBy string `json:"revokedBy"`
	}
	if err := json.Unmarshal([]byte(args[1]), &in); err != nil {
		return nil, fmt.Errorf("revokeConsent payload: %w", err)
	}

	now := m.now().UTC()
	c.Status = "REVOKED"
	c.RevokedAt = &now
	c.RevokedBy = in.RevokedBy
	c.RevocationReason = in.Reason
	c.TxID = uuid.NewString()
	return json.Marshal(c)
}

func (m *MemoryLedger) markConsentExpired(args []string) (json.RawMessage, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("markConsentExpired expects 1 argument, got %d", len(args))
	}
	c, ok := m.consents[args[0]]
	if !ok {
		return nil, fmt.Errorf("consent %s does not exist", args[0])
	}
	// Housekeeping write: only an ACTIVE grant materializes to EXPIRED,
	// REVOKED stays terminal. Repeat calls are no-ops.
	if c.Status == "ACTIVE" {
		c.Status = "EXPIRED"
		c.TxID = uuid.NewString()
	}
	return json.Marshal(c)
}

func (m *MemoryLedger) getConsent(args []string) (json.RawMessage, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("getConsent expects 1 argument, got %d", len(args))
	}
	c, ok := m.consents[args[0]]
	if !ok {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(c)
}

func (m *MemoryLedger) getActiveConsents(args []string) (json.RawMessage, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("getActiveConsents expects 2 arguments, got %d", len(args))
	}
	subject, principal := args[0], args[1]
	out := make([]*memConsent, 0)
	for _, id := range m.order {
		c := m.consents[id]
		if c.SubjectID == subject && c.PrincipalID == principal && c.Status == "ACTIVE" {
			out = append(out, c)
		}
	}
	return json.Marshal(out)
}

func (m *MemoryLedger) getConsentHistory(args []string) (json.RawMessage, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("getConsentHistory expects 1 argument, got %d", len(args))
	}
	out := make([]*memConsent, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		c := m.consents[m.order[i]]
		if c.SubjectID == args[0] {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	return json.Marshal(out)
}

func (m *MemoryLedger) getProviderConsents(args []string) (json.RawMessage, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("getProviderConsents expects 1 argument, got %d", len(args))
	}
	out := make([]*memConsent, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		c := m.consents[m.order[i]]
		if c.PrincipalID == args[0] && c.Status == "ACTIVE" {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	return json.Marshal(out)
}

func (m *MemoryLedger) putAnchor(args []string) (json.RawMessage, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("putAnchor expects 2 arguments, got %d", len(args))
	}
	var in struct {
		Algorithm string `json:"algorithm"`
		DigestHex string `json:"digestHex"`
	}
	if err := json.Unmarshal([]byte(args[1]), &in); err != nil {
		return nil, fmt.Errorf("putAnchor payload: %w", err)
	}
	if in.DigestHex == "" {
		return nil, fmt.Errorf("putAnchor: digestHex is required")
	}

	a := &memAnchor{
		ResourceID: args[0],
		Algorithm:  in.Algorithm,
		DigestHex:  in.DigestHex,
		AnchoredAt: m.now().UTC(),
		TxID:       uuid.NewString(),
	}
	m.anchors[args[0]] = a
	return json.Marshal(a)
}

func (m *MemoryLedger) getAnchor(args []string) (json.RawMessage, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("getAnchor expects 1 argument, got %d", len(args))
	}
	a, ok := m.anchors[args[0]]
	if !ok {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(a)
}
