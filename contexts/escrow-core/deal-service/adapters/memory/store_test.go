package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"meridian/contexts/escrow-core/deal-service/domain/entities"
	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	"meridian/contexts/escrow-core/deal-service/ports"
)

func seedMilestone(t *testing.T, store *Store) entities.Milestone {
	t.Helper()
	now := time.Now().UTC()
	deal := entities.Deal{
		DealID:      "deal-1",
		BrandID:     "brand-1",
		CreatorID:   "creator-1",
		TotalAmount: 100,
		Currency:    "USD",
		Status:      entities.DealStatusFunded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	milestone := entities.Milestone{
		MilestoneID: "ms-1",
		DealID:      "deal-1",
		Title:       "Only",
		Amount:      100,
		Status:      entities.MilestoneStatusSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateDeal(context.Background(), deal, []entities.Milestone{milestone}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return milestone
}

func TestUpdateMilestoneFirstCommitterWins(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	milestone := seedMilestone(t, store)

	approved := milestone
	approved.Status = entities.MilestoneStatusApproved
	applied, err := store.UpdateMilestone(ctx, approved, entities.MilestoneStatusSubmitted)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if !applied {
		t.Fatalf("first compare-and-swap should apply")
	}

	// The losing writer sees a precondition miss, not an error.
	returned := milestone
	returned.Status = entities.MilestoneStatusPending
	applied, err = store.UpdateMilestone(ctx, returned, entities.MilestoneStatusSubmitted)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if applied {
		t.Fatalf("second compare-and-swap must miss")
	}

	current, err := store.GetMilestone(ctx, milestone.MilestoneID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if current.Status != entities.MilestoneStatusApproved {
		t.Fatalf("expected approved to stick, got %s", current.Status)
	}
}

func TestUpdateMilestoneMissingRowIsError(t *testing.T) {
	store := NewStore()

	_, err := store.UpdateMilestone(context.Background(), entities.Milestone{MilestoneID: "nope"}, entities.MilestoneStatusPending)
	if !errors.Is(err, domainerrors.ErrMilestoneNotFound) {
		t.Fatalf("expected milestone not found, got %v", err)
	}
}

func TestPutRecordConflictsOnDifferentHash(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	expires := time.Now().UTC().Add(time.Hour)

	record := ports.IdempotencyRecord{
		Key:             "key-1",
		RequestHash:     "hash-a",
		ResponsePayload: []byte(`{"ok":true}`),
		ExpiresAt:       expires,
	}
	if err := store.PutRecord(ctx, record); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutRecord(ctx, record); err != nil {
		t.Fatalf("identical put should be a no-op: %v", err)
	}

	record.RequestHash = "hash-b"
	if err := store.PutRecord(ctx, record); !errors.Is(err, domainerrors.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestGetRecordExpiresEntries(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if err := store.PutRecord(ctx, ports.IdempotencyRecord{
		Key:             "key-1",
		RequestHash:     "hash-a",
		ResponsePayload: []byte(`{}`),
		ExpiresAt:       time.Now().UTC().Add(-time.Second),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	_, found, err := store.GetRecord(ctx, "key-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatalf("expired record must not be returned")
	}
}

func TestDueJobsHonorsNextAttempt(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.Schedule(ctx, entities.ReleaseJob{
		MilestoneID: "ms-due",
		DealID:      "deal-1",
		FireAt:      now.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := store.Schedule(ctx, entities.ReleaseJob{
		MilestoneID: "ms-later",
		DealID:      "deal-1",
		FireAt:      now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	due, err := store.DueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(due) != 1 || due[0].MilestoneID != "ms-due" {
		t.Fatalf("expected only ms-due, got %+v", due)
	}

	// Cancel of a missing job is benign.
	if err := store.Cancel(ctx, "ms-unknown"); err != nil {
		t.Fatalf("cancel missing job: %v", err)
	}
}
