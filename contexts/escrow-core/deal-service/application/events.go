package application

import (
	"encoding/json"
	"time"

	"meridian/contexts/escrow-core/deal-service/domain/entities"
	"meridian/contexts/escrow-core/deal-service/ports"
)

// Domain event types emitted through the outbox.
const (
	EventDealCreated        = "deal.created"
	EventDealFunded         = "deal.funded"
	EventDealDisputed       = "deal.disputed"
	EventDealReleased       = "deal.released"
	EventDealRefunded       = "deal.refunded"
	EventMilestoneSubmitted = "milestone.submitted"
	EventMilestoneReturned  = "milestone.returned"
	EventMilestoneReleased  = "milestone.released"
)

func newDealEnvelope(
	eventID string,
	eventType string,
	partitionKeyPath string,
	partitionKey string,
	occurredAt time.Time,
	data map[string]any,
) (ports.EventEnvelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return ports.EventEnvelope{}, err
	}
	return ports.EventEnvelope{
		EventID:          eventID,
		EventType:        eventType,
		OccurredAt:       occurredAt.UTC(),
		SourceService:    sourceService,
		TraceID:          eventID,
		SchemaVersion:    1,
		PartitionKeyPath: partitionKeyPath,
		PartitionKey:     partitionKey,
		Data:             payload,
	}, nil
}

func auditEntry(auditID, dealID, milestoneID, action, oldState, newState, actorID, actorRole, reason, detail string, at time.Time) entities.EventLogEntry {
	return entities.EventLogEntry{
		AuditID:     auditID,
		DealID:      dealID,
		MilestoneID: milestoneID,
		Action:      action,
		OldState:    oldState,
		NewState:    newState,
		ActorID:     actorID,
		ActorRole:   actorRole,
		Reason:      reason,
		Detail:      detail,
		CreatedAt:   at.UTC(),
	}
}
