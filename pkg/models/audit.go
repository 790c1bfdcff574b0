package models

import "time"

// Audit actions.
const (
	ActionCreate   = "create"
	ActionRetrieve = "retrieve"
	ActionRotate   = "rotate"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEntry records a single vault operation. Entries are append-only and
// totally ordered by Seq.
type AuditEntry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Scope     string    `json:"scope"`
	Principal string    `json:"principal"`
	Outcome   string    `json:"outcome"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}
