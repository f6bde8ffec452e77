package audit

import "time"

// Action is the audited verb. The ledger stores actions as opaque strings;
// these constants cover every action this system emits.
type Action string

const (
	ActionCreate   Action = "CREATE"
	ActionView     Action = "VIEW"
	ActionUpdate   Action = "UPDATE"
	ActionDownload Action = "DOWNLOAD"
	ActionApprove  Action = "APPROVE"
	ActionDeny     Action = "DENY"

	ActionGrantConsent  Action = "GRANT_CONSENT"
	ActionRevokeConsent Action = "REVOKE_CONSENT"
	ActionReanchor      Action = "REANCHOR"
)

// Event is one immutable entry on the audit trail. LogID and Timestamp are
// assigned by the ledger, never locally: identifier uniqueness and ordering
// piggyback on the ledger's transaction ordering.
type Event struct {
	LogID        string    `json:"logId"`
	PrincipalID  string    `json:"principalId"`
	Action       Action    `json:"action"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	Timestamp    time.Time `json:"timestamp"`
	TxID         string    `json:"txId"`
}

// EventInput describes an event to append. PrincipalID may be empty; the
// trail records it as "system".
type EventInput struct {
	PrincipalID  string `json:"principalId"`
	Action       Action `json:"action"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
}
