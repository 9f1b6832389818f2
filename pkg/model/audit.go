package model

import "time"

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// AuditEventType identifies the type of auditable event.
type AuditEventType string

const (
	EventLockForceReleased AuditEventType = "lock.force_released"
	EventClaimOverridden   AuditEventType = "claim.overridden"
	EventSessionReclaimed  AuditEventType = "session.reclaimed"
)

// AuditRecord is a single line in the audit log (JSONL format).
type AuditRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Subject    string         `json:"subject"`
	Actor      string         `json:"actor,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   HashValue      `json:"prev_hash"`
	RecordHash HashValue      `json:"record_hash"`
}
