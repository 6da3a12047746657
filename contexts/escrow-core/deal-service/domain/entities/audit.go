package entities

import "time"

// EventLogEntry is one append-only audit row. Every state transition and
// every external provider call outcome lands here.
type EventLogEntry struct {
	AuditID     string
	DealID      string
	MilestoneID string
	Action      string
	OldState    string
	NewState    string
	ActorID     string
	ActorRole   string
	Reason      string
	Detail      string
	CreatedAt   time.Time
}

// ExternalEventRecord marks a provider webhook event as processed. Existence
// of a record for an event id makes any replay of that event a no-op.
type ExternalEventRecord struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}
