package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	"meridian/contexts/escrow-core/deal-service/ports"
)

const sourceService = "deal-service"

// Service drives the escrow/milestone state machine. The scheduler, the
// review endpoints, and the webhook reconciler all funnel through the
// compare-and-swap repository writes, so any race on the same row resolves
// to one applied transition and one benign no-op.
type Service struct {
	Repo                 ports.Repository
	EventLog             ports.EventLog
	Idempotency          ports.IdempotencyStore
	EventDedup           ports.EventDedupStore
	Outbox               ports.OutboxWriter
	Scheduler            ports.ReleaseScheduler
	Provider             ports.PaymentProvider
	Clock                ports.Clock
	IDGen                ports.IDGenerator
	IdempotencyTTL       time.Duration
	ProviderTimeout      time.Duration
	AutoReleaseDelayDays int
	Logger               *slog.Logger
}

func (s Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s Service) newID(ctx context.Context) (string, error) {
	return s.IDGen.NewID(ctx)
}

func (s Service) idempotencyTTL() time.Duration {
	if s.IdempotencyTTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return s.IdempotencyTTL
}

func (s Service) providerTimeout() time.Duration {
	if s.ProviderTimeout <= 0 {
		return 15 * time.Second
	}
	return s.ProviderTimeout
}

func (s Service) defaultDelayDays() int {
	if s.AutoReleaseDelayDays <= 0 {
		return 5
	}
	return s.AutoReleaseDelayDays
}

// providerContext bounds every provider call. On timeout local state is left
// unchanged and the operation stays retryable with the same idempotency key.
func (s Service) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.providerTimeout())
}

func (s Service) appendAudit(ctx context.Context, dealID, milestoneID, action, oldState, newState, actorID, actorRole, reason, detail string) {
	if s.EventLog == nil {
		return
	}
	auditID, err := s.newID(ctx)
	if err != nil {
		auditID = ""
	}
	if err := s.EventLog.AppendAudit(ctx, auditEntry(auditID, dealID, milestoneID, action, oldState, newState, actorID, actorRole, reason, detail, s.now())); err != nil {
		ResolveLogger(s.Logger).Error("audit append failed",
			"event", "audit_append_failed",
			"module", "escrow-core/deal-service",
			"layer", "application",
			"deal_id", dealID,
			"milestone_id", milestoneID,
			"action", action,
			"error", err.Error(),
		)
	}
}

func (s Service) appendOutboxEvent(ctx context.Context, eventType, partitionKeyPath, partitionKey string, occurredAt time.Time, data map[string]any) error {
	if s.Outbox == nil {
		return nil
	}
	eventID, err := s.newID(ctx)
	if err != nil {
		return err
	}
	envelope, err := newDealEnvelope(eventID, eventType, partitionKeyPath, partitionKey, occurredAt, data)
	if err != nil {
		return err
	}
	return s.Outbox.AppendOutbox(ctx, envelope)
}

// Idempotency replay helpers, keyed on the caller-supplied Idempotency-Key.
// A repeated key with the same request hash replays the stored response; a
// different hash is a conflict.

func (s Service) lookupReplay(ctx context.Context, key, requestHash string, out any) (bool, error) {
	if s.Idempotency == nil {
		return false, nil
	}
	record, found, err := s.Idempotency.GetRecord(ctx, key, s.now())
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if record.RequestHash != requestHash {
		return false, domainerrors.ErrIdempotencyConflict
	}
	if err := json.Unmarshal(record.ResponsePayload, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s Service) storeReplay(ctx context.Context, key, requestHash string, response any) error {
	if s.Idempotency == nil {
		return nil
	}
	payload, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return s.Idempotency.PutRecord(ctx, ports.IdempotencyRecord{
		Key:             key,
		RequestHash:     requestHash,
		ResponsePayload: payload,
		ExpiresAt:       s.now().Add(s.idempotencyTTL()),
	})
}

func hashPayload(payload map[string]any) string {
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
