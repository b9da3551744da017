package model

import "time"

// AuditChange classifies a message_changelog row.
type AuditChange string

const (
	TargetChange AuditChange = "target-change"
	ModeChange   AuditChange = "mode-change"
	SentChange   AuditChange = "sent-change"
)

// AuditEntry is one append-only changelog row for a message.
type AuditEntry struct {
	ID          int64
	MessageID   int64
	ChangeType  AuditChange
	Old         string
	New         string
	Description string
	Date        time.Time
}
