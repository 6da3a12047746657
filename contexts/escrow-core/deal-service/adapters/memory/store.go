package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"meridian/contexts/escrow-core/deal-service/domain/entities"
	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	"meridian/contexts/escrow-core/deal-service/ports"

	"github.com/google/uuid"
)

// Store is the in-memory backend used by tests and local bootstraps. It
// implements every persistence port of the service behind one lock, so the
// compare-and-swap writes carry the same first-committer-wins semantics as
// the SQL adapter.
type Store struct {
	mu sync.RWMutex

	deals        map[string]entities.Deal
	milestones   map[string]entities.Milestone
	deliverables map[string]entities.Deliverable
	audits       []entities.EventLogEntry
	idempotency  map[string]ports.IdempotencyRecord
	eventDedup   map[string]entities.ExternalEventRecord
	outbox       map[string]outboxRecord
	jobs         map[string]entities.ReleaseJob
}

type outboxRecord struct {
	Message     ports.OutboxMessage
	Status      string
	PublishedAt *time.Time
}

const (
	outboxStatusPending   = "pending"
	outboxStatusPublished = "published"
)

func NewStore() *Store {
	return &Store{
		deals:        make(map[string]entities.Deal),
		milestones:   make(map[string]entities.Milestone),
		deliverables: make(map[string]entities.Deliverable),
		idempotency:  make(map[string]ports.IdempotencyRecord),
		eventDedup:   make(map[string]entities.ExternalEventRecord),
		outbox:       make(map[string]outboxRecord),
		jobs:         make(map[string]entities.ReleaseJob),
	}
}

func (s *Store) CreateDeal(_ context.Context, deal entities.Deal, milestones []entities.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(deal.DealID)
	if id == "" {
		return domainerrors.ErrInvalidInput
	}
	if _, exists := s.deals[id]; exists {
		return domainerrors.ErrIdempotencyConflict
	}
	s.deals[id] = deal
	for _, m := range milestones {
		s.milestones[m.MilestoneID] = m
	}
	return nil
}

func (s *Store) GetDeal(_ context.Context, dealID string) (entities.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.deals[strings.TrimSpace(dealID)]
	if !ok {
		return entities.Deal{}, domainerrors.ErrDealNotFound
	}
	return item, nil
}

func (s *Store) UpdateDeal(_ context.Context, deal entities.Deal, from entities.DealStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.deals[deal.DealID]
	if !ok {
		return false, domainerrors.ErrDealNotFound
	}
	if current.Status != from {
		return false, nil
	}
	s.deals[deal.DealID] = deal
	return true, nil
}

func (s *Store) ListDealsByBrand(_ context.Context, brandID string, limit int, offset int) ([]entities.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return filterDeals(s.deals, func(d entities.Deal) bool {
		return d.BrandID == strings.TrimSpace(brandID)
	}, limit, offset), nil
}

func (s *Store) ListDealsByCreator(_ context.Context, creatorID string, limit int, offset int) ([]entities.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return filterDeals(s.deals, func(d entities.Deal) bool {
		return d.CreatorID == strings.TrimSpace(creatorID)
	}, limit, offset), nil
}

func filterDeals(deals map[string]entities.Deal, match func(entities.Deal) bool, limit int, offset int) []entities.Deal {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	items := make([]entities.Deal, 0)
	for _, item := range deals {
		if match(item) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if offset >= len(items) {
		return []entities.Deal{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return append([]entities.Deal(nil), items[offset:end]...)
}

func (s *Store) GetMilestone(_ context.Context, milestoneID string) (entities.Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.milestones[strings.TrimSpace(milestoneID)]
	if !ok {
		return entities.Milestone{}, domainerrors.ErrMilestoneNotFound
	}
	return item, nil
}

func (s *Store) ListMilestonesByDeal(_ context.Context, dealID string) ([]entities.Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]entities.Milestone, 0)
	for _, item := range s.milestones {
		if item.DealID == strings.TrimSpace(dealID) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].MilestoneID < items[j].MilestoneID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *Store) UpdateMilestone(_ context.Context, milestone entities.Milestone, from entities.MilestoneStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.milestones[milestone.MilestoneID]
	if !ok {
		return false, domainerrors.ErrMilestoneNotFound
	}
	if current.Status != from {
		return false, nil
	}
	s.milestones[milestone.MilestoneID] = milestone
	return true, nil
}

func (s *Store) CreateDeliverable(_ context.Context, deliverable entities.Deliverable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(deliverable.DeliverableID)
	if id == "" {
		return domainerrors.ErrInvalidInput
	}
	s.deliverables[id] = deliverable
	return nil
}

func (s *Store) UpdateDeliverable(_ context.Context, deliverable entities.Deliverable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deliverables[deliverable.DeliverableID]; !ok {
		return domainerrors.ErrInvalidInput
	}
	s.deliverables[deliverable.DeliverableID] = deliverable
	return nil
}

func (s *Store) LatestDeliverable(_ context.Context, milestoneID string) (entities.Deliverable, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest entities.Deliverable
	found := false
	for _, item := range s.deliverables {
		if item.MilestoneID != strings.TrimSpace(milestoneID) {
			continue
		}
		if !found || item.SubmittedAt.After(latest.SubmittedAt) {
			latest = item
			found = true
		}
	}
	return latest, found, nil
}

func (s *Store) ListDeliverablesByMilestone(_ context.Context, milestoneID string) ([]entities.Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]entities.Deliverable, 0)
	for _, item := range s.deliverables {
		if item.MilestoneID == strings.TrimSpace(milestoneID) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].SubmittedAt.Before(items[j].SubmittedAt)
	})
	return items, nil
}

func (s *Store) AppendAudit(_ context.Context, entry entities.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audits = append(s.audits, entry)
	return nil
}

func (s *Store) ListAuditsByDeal(_ context.Context, dealID string, limit int) ([]entities.EventLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	items := make([]entities.EventLogEntry, 0)
	for _, item := range s.audits {
		if item.DealID == strings.TrimSpace(dealID) {
			items = append(items, item)
		}
	}
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

func (s *Store) GetRecord(_ context.Context, key string, now time.Time) (ports.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.idempotency[strings.TrimSpace(key)]
	if !ok {
		return ports.IdempotencyRecord{}, false, nil
	}
	if !record.ExpiresAt.After(now.UTC()) {
		delete(s.idempotency, strings.TrimSpace(key))
		return ports.IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

func (s *Store) PutRecord(_ context.Context, record ports.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.TrimSpace(record.Key)
	if key == "" {
		return domainerrors.ErrInvalidInput
	}
	if existing, ok := s.idempotency[key]; ok {
		if existing.RequestHash != record.RequestHash {
			return domainerrors.ErrIdempotencyConflict
		}
		if !bytes.Equal(existing.ResponsePayload, record.ResponsePayload) {
			return domainerrors.ErrIdempotencyConflict
		}
		return nil
	}
	s.idempotency[key] = record
	return nil
}

func (s *Store) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.eventDedup[strings.TrimSpace(eventID)]
	return ok, nil
}

func (s *Store) MarkProcessed(_ context.Context, record entities.ExternalEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(record.EventID)
	if id == "" {
		return domainerrors.ErrInvalidInput
	}
	s.eventDedup[id] = record
	return nil
}

func (s *Store) AppendOutbox(_ context.Context, envelope ports.EventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	outboxID := strings.TrimSpace(envelope.EventID)
	if outboxID == "" {
		return domainerrors.ErrInvalidInput
	}

	if existing, ok := s.outbox[outboxID]; ok {
		if !bytes.Equal(existing.Message.Payload, payload) {
			return domainerrors.ErrIdempotencyConflict
		}
		return nil
	}

	s.outbox[outboxID] = outboxRecord{
		Message: ports.OutboxMessage{
			OutboxID:     outboxID,
			EventType:    envelope.EventType,
			PartitionKey: envelope.PartitionKey,
			Payload:      payload,
			CreatedAt:    envelope.OccurredAt.UTC(),
		},
		Status: outboxStatusPending,
	}
	return nil
}

func (s *Store) ListPendingOutbox(_ context.Context, limit int) ([]ports.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	items := make([]ports.OutboxMessage, 0)
	for _, row := range s.outbox {
		if row.Status == outboxStatusPending {
			items = append(items, row.Message)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, outboxID string, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.outbox[strings.TrimSpace(outboxID)]
	if !ok {
		return domainerrors.ErrInvalidInput
	}
	ts := publishedAt.UTC()
	row.Status = outboxStatusPublished
	row.PublishedAt = &ts
	s.outbox[strings.TrimSpace(outboxID)] = row
	return nil
}

func (s *Store) Schedule(_ context.Context, job entities.ReleaseJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(job.MilestoneID)
	if id == "" {
		return domainerrors.ErrInvalidInput
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.FireAt
	}
	s.jobs[id] = job
	return nil
}

func (s *Store) Cancel(_ context.Context, milestoneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, strings.TrimSpace(milestoneID))
	return nil
}

func (s *Store) DueJobs(_ context.Context, now time.Time, limit int) ([]entities.ReleaseJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	items := make([]entities.ReleaseJob, 0)
	for _, job := range s.jobs {
		if !job.NextAttemptAt.After(now.UTC()) {
			items = append(items, job)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].NextAttemptAt.Before(items[j].NextAttemptAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) Reschedule(_ context.Context, milestoneID string, nextAt time.Time, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[strings.TrimSpace(milestoneID)]
	if !ok {
		return nil
	}
	job.Attempts = attempts
	job.NextAttemptAt = nextAt.UTC()
	s.jobs[strings.TrimSpace(milestoneID)] = job
	return nil
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}
