package workers

import (
	"context"
	"testing"
	"time"

	"meridian/contexts/escrow-core/deal-service/adapters/memory"
	"meridian/contexts/escrow-core/deal-service/application"
	"meridian/contexts/escrow-core/deal-service/domain/entities"
	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
)

func newWorkerFixture(t *testing.T) (application.Service, *memory.Store, *memory.Provider, AutoReleaseJob) {
	t.Helper()
	store := memory.NewStore()
	provider := memory.NewProvider()
	service := application.Service{
		Repo:        store,
		EventLog:    store,
		Idempotency: store,
		EventDedup:  store,
		Outbox:      store,
		Scheduler:   store,
		Provider:    provider,
		Clock:       store,
		IDGen:       store,
	}
	job := AutoReleaseJob{
		Service:   service,
		Scheduler: store,
		Clock:     store,
	}
	return service, store, provider, job
}

func submittedMilestone(t *testing.T, service application.Service) (entities.Deal, entities.Milestone) {
	t.Helper()
	ctx := context.Background()

	result, _, err := service.CreateDeal(ctx, "idem-create", application.CreateDealInput{
		BrandID:     "brand-1",
		TotalAmount: 1000,
		Currency:    "USD",
		Milestones:  []application.MilestoneInput{{Title: "Only", Amount: 1000}},
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	deal, err := service.AcceptDeal(ctx, result.Deal.DealID, "creator-1")
	if err != nil {
		t.Fatalf("accept deal: %v", err)
	}
	deal, _, err = service.FundDeal(ctx, "idem-fund", application.FundDealInput{
		DealID:   deal.DealID,
		ActorID:  "brand-1",
		PayerRef: "card-1",
	})
	if err != nil {
		t.Fatalf("fund deal: %v", err)
	}
	submitted, err := service.SubmitMilestone(ctx, application.SubmitMilestoneInput{
		MilestoneID: result.Milestones[0].MilestoneID,
		SubmitterID: "creator-1",
		ContentRef:  "https://cdn.example/v1",
	})
	if err != nil {
		t.Fatalf("submit milestone: %v", err)
	}
	return deal, submitted.Milestone
}

func makeJobDue(t *testing.T, store *memory.Store, milestoneID string) {
	t.Helper()
	if err := store.Reschedule(context.Background(), milestoneID, time.Now().UTC().Add(-time.Minute), 0); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
}

func TestAutoReleaseFiresAsSystemApproval(t *testing.T) {
	service, store, provider, job := newWorkerFixture(t)
	ctx := context.Background()

	_, milestone := submittedMilestone(t, service)
	makeJobDue(t, store, milestone.MilestoneID)

	stats, err := job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Released != 1 {
		t.Fatalf("expected one released job, got %+v", stats)
	}

	released, err := store.GetMilestone(ctx, milestone.MilestoneID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if released.Status != entities.MilestoneStatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}
	if released.ApprovedBy != "system" {
		t.Fatalf("expected system approval, got %q", released.ApprovedBy)
	}
	if provider.ReleaseCalls() != 1 {
		t.Fatalf("expected one release call, got %d", provider.ReleaseCalls())
	}

	// The job is gone, a second cycle does nothing.
	stats, err = job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second run once: %v", err)
	}
	if stats.Released != 0 {
		t.Fatalf("second cycle must release nothing, got %+v", stats)
	}
	if provider.ReleaseCalls() != 1 {
		t.Fatalf("second cycle must not call the provider again, got %d", provider.ReleaseCalls())
	}
}

func TestAutoReleaseProviderFailureReschedulesWithBackoff(t *testing.T) {
	service, store, provider, job := newWorkerFixture(t)
	ctx := context.Background()

	_, milestone := submittedMilestone(t, service)
	makeJobDue(t, store, milestone.MilestoneID)

	provider.ReleaseErr = domainerrors.ErrProviderUnavailable
	stats, err := job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once should absorb provider failures: %v", err)
	}
	if stats.Retried != 1 {
		t.Fatalf("expected one retried job, got %+v", stats)
	}

	// The job is pushed into the future, not dropped.
	var due []entities.ReleaseJob
	due, err = store.DueJobs(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no due jobs right after failure, got %d", len(due))
	}
	due, err = store.DueJobs(ctx, time.Now().UTC().Add(2*backoffBase), 10)
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected rescheduled job within backoff window, got %d", len(due))
	}
	if due[0].Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", due[0].Attempts)
	}

	// Once the provider recovers the next cycle completes the release.
	provider.ReleaseErr = nil
	makeJobDue(t, store, milestone.MilestoneID)
	if _, err := job.RunOnce(ctx); err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	released, err := store.GetMilestone(ctx, milestone.MilestoneID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if released.Status != entities.MilestoneStatusReleased {
		t.Fatalf("expected released after recovery, got %s", released.Status)
	}
}

func TestAutoReleaseRaceWithManualReviewReleasesOnce(t *testing.T) {
	service, store, provider, job := newWorkerFixture(t)
	ctx := context.Background()

	_, milestone := submittedMilestone(t, service)
	makeJobDue(t, store, milestone.MilestoneID)

	// Manual review wins first.
	review, err := service.ReviewMilestone(ctx, application.ReviewMilestoneInput{
		MilestoneID: milestone.MilestoneID,
		ReviewerID:  "brand-1",
		Action:      application.ReviewActionApprove,
	})
	if err != nil {
		t.Fatalf("manual review: %v", err)
	}
	if review.Milestone.Status != entities.MilestoneStatusReleased {
		t.Fatalf("expected released, got %s", review.Milestone.Status)
	}

	// Re-arm the job as if cancel raced the fire, then run the worker.
	if err := store.Schedule(ctx, entities.ReleaseJob{
		MilestoneID:   milestone.MilestoneID,
		DealID:        milestone.DealID,
		FireAt:        time.Now().UTC().Add(-time.Minute),
		NextAttemptAt: time.Now().UTC().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	stats, err := job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Skipped != 1 || stats.Released != 0 {
		t.Fatalf("expected the stale job to be skipped, got %+v", stats)
	}

	if provider.ReleaseCalls() != 1 {
		t.Fatalf("expected exactly one release call, got %d", provider.ReleaseCalls())
	}
}

func TestAutoReleaseDisabledSkipsDueJobs(t *testing.T) {
	service, store, provider, job := newWorkerFixture(t)
	ctx := context.Background()

	_, milestone := submittedMilestone(t, service)
	makeJobDue(t, store, milestone.MilestoneID)

	job.Disabled = true
	if _, err := job.RunOnce(ctx); err != nil {
		t.Fatalf("disabled run: %v", err)
	}
	if provider.ReleaseCalls() != 0 {
		t.Fatalf("disabled worker must not release, got %d calls", provider.ReleaseCalls())
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{7, backoffCap},
		{20, backoffCap},
	}
	for _, tc := range cases {
		if got := backoff(tc.attempts); got != tc.want {
			t.Fatalf("backoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}
