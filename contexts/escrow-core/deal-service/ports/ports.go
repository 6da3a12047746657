package ports

import (
	"context"
	"time"

	"meridian/contexts/escrow-core/deal-service/domain/entities"
	"meridian/internal/shared/events"
)

// Repository is the durable store for deals, milestones, and deliverables.
// UpdateDeal and UpdateMilestone are compare-and-swap writes: the row is
// updated only if its stored status still equals `from`, and the bool result
// reports whether the write applied. Racing transitions resolve to "first
// committer wins, second is a no-op".
type Repository interface {
	CreateDeal(ctx context.Context, deal entities.Deal, milestones []entities.Milestone) error
	GetDeal(ctx context.Context, dealID string) (entities.Deal, error)
	UpdateDeal(ctx context.Context, deal entities.Deal, from entities.DealStatus) (bool, error)
	ListDealsByBrand(ctx context.Context, brandID string, limit int, offset int) ([]entities.Deal, error)
	ListDealsByCreator(ctx context.Context, creatorID string, limit int, offset int) ([]entities.Deal, error)

	GetMilestone(ctx context.Context, milestoneID string) (entities.Milestone, error)
	ListMilestonesByDeal(ctx context.Context, dealID string) ([]entities.Milestone, error)
	UpdateMilestone(ctx context.Context, milestone entities.Milestone, from entities.MilestoneStatus) (bool, error)

	CreateDeliverable(ctx context.Context, deliverable entities.Deliverable) error
	UpdateDeliverable(ctx context.Context, deliverable entities.Deliverable) error
	LatestDeliverable(ctx context.Context, milestoneID string) (entities.Deliverable, bool, error)
	ListDeliverablesByMilestone(ctx context.Context, milestoneID string) ([]entities.Deliverable, error)
}

// EventLog is the append-only audit trail.
type EventLog interface {
	AppendAudit(ctx context.Context, entry entities.EventLogEntry) error
	ListAuditsByDeal(ctx context.Context, dealID string, limit int) ([]entities.EventLogEntry, error)
}

type IdempotencyRecord struct {
	Key             string
	RequestHash     string
	ResponsePayload []byte
	ExpiresAt       time.Time
}

type IdempotencyStore interface {
	GetRecord(ctx context.Context, key string, now time.Time) (IdempotencyRecord, bool, error)
	PutRecord(ctx context.Context, record IdempotencyRecord) error
}

// EventDedupStore tracks processed provider event ids. MarkProcessed is
// called only after the event's effect has been applied, so a crash in
// between causes a safe reprocessing on redelivery instead of a lost update.
type EventDedupStore interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, record entities.ExternalEventRecord) error
}

// ReleaseScheduler is the delayed-job facility keyed by milestone id.
// Cancel of a missing or already-fired job is a no-op. DueJobs and
// Reschedule serve the worker's poll/backoff loop.
type ReleaseScheduler interface {
	Schedule(ctx context.Context, job entities.ReleaseJob) error
	Cancel(ctx context.Context, milestoneID string) error
	DueJobs(ctx context.Context, now time.Time, limit int) ([]entities.ReleaseJob, error)
	Reschedule(ctx context.Context, milestoneID string, nextAt time.Time, attempts int) error
}

type EscrowStatus string

const (
	EscrowStatusUnfunded EscrowStatus = "unfunded"
	EscrowStatusFunded   EscrowStatus = "funded"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

// ReleaseMetadata is the closed set of context attached to a release call.
type ReleaseMetadata struct {
	DealID      string
	MilestoneID string
	Reason      string
}

// PaymentProvider is the provider-agnostic escrow contract (PAL). Adapters
// translate it onto a concrete provider's primitives. Every operation must
// be idempotent under retry with the same idempotency key, and must leave
// internal state untouched on timeout.
type PaymentProvider interface {
	CreateEscrow(ctx context.Context, dealID string, currency string) (string, error)
	FundEscrow(ctx context.Context, escrowRef string, amount float64, payerRef string, idempotencyKey string) (string, error)
	ReleaseToCreator(ctx context.Context, escrowRef string, amount float64, payeeRef string, meta ReleaseMetadata, idempotencyKey string) (string, error)
	RefundToBrand(ctx context.Context, escrowRef string, amount *float64, idempotencyKey string) (string, error)
	GetStatus(ctx context.Context, escrowRef string) (EscrowStatus, error)
}

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

type EventEnvelope = events.Envelope

type OutboxMessage struct {
	OutboxID     string
	EventType    string
	PartitionKey string
	Payload      []byte
	CreatedAt    time.Time
}

type OutboxWriter interface {
	AppendOutbox(ctx context.Context, envelope EventEnvelope) error
}

type OutboxRepository interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, event EventEnvelope) error
}
