package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"meridian/contexts/escrow-core/deal-service/adapters/memory"
	"meridian/contexts/escrow-core/deal-service/application"
	"meridian/contexts/escrow-core/deal-service/domain/entities"
	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
)

func newTestService(t *testing.T) (application.Service, *memory.Store, *memory.Provider) {
	t.Helper()
	store := memory.NewStore()
	provider := memory.NewProvider()
	return application.Service{
		Repo:           store,
		EventLog:       store,
		Idempotency:    store,
		EventDedup:     store,
		Outbox:         store,
		Scheduler:      store,
		Provider:       provider,
		Clock:          store,
		IDGen:          store,
		IdempotencyTTL: 7 * 24 * time.Hour,
	}, store, provider
}

func fundedDeal(t *testing.T, service application.Service) (entities.Deal, []entities.Milestone) {
	t.Helper()
	ctx := context.Background()

	result, _, err := service.CreateDeal(ctx, "idem-create", application.CreateDealInput{
		BrandID:     "brand-1",
		TotalAmount: 5000,
		Currency:    "usd",
		Milestones: []application.MilestoneInput{
			{Title: "Concept video", Amount: 3000},
			{Title: "Final cut", Amount: 2000},
		},
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
		PayerRef: "card-42",
	})
	if err != nil {
		t.Fatalf("fund deal: %v", err)
	}
	return deal, result.Milestones
}

func TestCreateDealMilestoneSumMismatch(t *testing.T) {
	service, _, _ := newTestService(t)

	_, _, err := service.CreateDeal(context.Background(), "idem-1", application.CreateDealInput{
		BrandID:     "brand-1",
		TotalAmount: 5000,
		Currency:    "USD",
		Milestones: []application.MilestoneInput{
			{Title: "Half", Amount: 3000},
			{Title: "Other half", Amount: 1000},
		},
	})
	if !errors.Is(err, domainerrors.ErrMilestoneSumMismatch) {
		t.Fatalf("expected milestone sum mismatch, got %v", err)
	}
}

func TestCreateDealSubCentAmountsCannotSkewSum(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	// Raw amounts sum to the total, but at cent precision they do not.
	_, _, err := service.CreateDeal(ctx, "idem-1", application.CreateDealInput{
		BrandID:     "brand-1",
		TotalAmount: 0.04,
		Currency:    "USD",
		Milestones: []application.MilestoneInput{
			{Title: "A", Amount: 0.014},
			{Title: "B", Amount: 0.014},
			{Title: "C", Amount: 0.012},
		},
	})
	if !errors.Is(err, domainerrors.ErrMilestoneSumMismatch) {
		t.Fatalf("expected milestone sum mismatch, got %v", err)
	}

	// An amount that rounds to zero cents is not a valid milestone.
	_, _, err = service.CreateDeal(ctx, "idem-2", application.CreateDealInput{
		BrandID:     "brand-1",
		TotalAmount: 0.03,
		Currency:    "USD",
		Milestones: []application.MilestoneInput{
			{Title: "A", Amount: 0.014},
			{Title: "B", Amount: 0.014},
			{Title: "C", Amount: 0.002},
		},
	})
	if !errors.Is(err, domainerrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input for zero-cent milestone, got %v", err)
	}
}

func TestCreateDealStoredMilestonesSumToTotal(t *testing.T) {
	service, _, _ := newTestService(t)

	result, _, err := service.CreateDeal(context.Background(), "idem-1", application.CreateDealInput{
		BrandID:     "brand-1",
		TotalAmount: 100.30,
		Currency:    "USD",
		Milestones: []application.MilestoneInput{
			{Title: "A", Amount: 33.434},
			{Title: "B", Amount: 33.433},
			{Title: "C", Amount: 33.437},
		},
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	var sum float64
	for _, m := range result.Milestones {
		sum += m.Amount
	}
	if entities.Round2(sum) != result.Deal.TotalAmount {
		t.Fatalf("stored milestone sum %v != deal total %v", entities.Round2(sum), result.Deal.TotalAmount)
	}
}

func TestCreateDealRequiresIdempotencyKey(t *testing.T) {
	service, _, _ := newTestService(t)

	_, _, err := service.CreateDeal(context.Background(), "  ", application.CreateDealInput{
		BrandID:     "brand-1",
		TotalAmount: 100,
		Currency:    "USD",
		Milestones:  []application.MilestoneInput{{Title: "Only", Amount: 100}},
	})
	if !errors.Is(err, domainerrors.ErrIdempotencyKeyMissing) {
		t.Fatalf("expected missing idempotency key, got %v", err)
	}
}

func TestDealLifecycleHappyPath(t *testing.T) {
	service, _, provider := newTestService(t)
	ctx := context.Background()

	deal, milestones := fundedDeal(t, service)
	if deal.Status != entities.DealStatusFunded {
		t.Fatalf("expected funded deal, got %s", deal.Status)
	}
	if deal.EscrowRef == "" || deal.PaymentRef == "" {
		t.Fatalf("expected escrow and payment refs, got %q %q", deal.EscrowRef, deal.PaymentRef)
	}

	for _, milestone := range milestones {
		_, err := service.SubmitMilestone(ctx, application.SubmitMilestoneInput{
			MilestoneID: milestone.MilestoneID,
			SubmitterID: "creator-1",
			ContentRef:  "https://cdn.example/" + milestone.MilestoneID,
		})
		if err != nil {
			t.Fatalf("submit milestone: %v", err)
		}

		review, err := service.ReviewMilestone(ctx, application.ReviewMilestoneInput{
			MilestoneID: milestone.MilestoneID,
			ReviewerID:  "brand-1",
			Action:      application.ReviewActionApprove,
		})
		if err != nil {
			t.Fatalf("approve milestone: %v", err)
		}
		if review.Milestone.Status != entities.MilestoneStatusReleased {
			t.Fatalf("expected released milestone, got %s", review.Milestone.Status)
		}
		if review.PayoutRef == "" {
			t.Fatalf("expected payout ref")
		}
	}

	final, err := service.GetDeal(ctx, deal.DealID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if final.Deal.Status != entities.DealStatusReleased {
		t.Fatalf("expected released deal after last milestone, got %s", final.Deal.Status)
	}
	if provider.ReleaseCalls() != 2 {
		t.Fatalf("expected 2 release calls, got %d", provider.ReleaseCalls())
	}
}

func TestFundDealIdempotencyReplay(t *testing.T) {
	service, _, provider := newTestService(t)
	ctx := context.Background()

	deal, _ := fundedDeal(t, service)

	replay, replayed, err := service.FundDeal(ctx, "idem-fund", application.FundDealInput{
		DealID:   deal.DealID,
		ActorID:  "brand-1",
		PayerRef: "card-42",
	})
	if err != nil {
		t.Fatalf("replayed fund should succeed: %v", err)
	}
	if !replayed {
		t.Fatalf("expected replayed response")
	}
	if replay.PaymentRef != deal.PaymentRef {
		t.Fatalf("expected same payment ref, got %s and %s", deal.PaymentRef, replay.PaymentRef)
	}
	if provider.FundCalls() != 1 {
		t.Fatalf("expected a single fund call, got %d", provider.FundCalls())
	}
}

func TestFundDealIdempotencyConflict(t *testing.T) {
	service, _, _ := newTestService(t)

	deal, _ := fundedDeal(t, service)

	_, _, err := service.FundDeal(context.Background(), "idem-fund", application.FundDealInput{
		DealID:   deal.DealID,
		ActorID:  "brand-1",
		PayerRef: "card-other",
	})
	if !errors.Is(err, domainerrors.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestAcceptDealSecondCreatorRejected(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	result, _, err := service.CreateDeal(ctx, "idem-create", application.CreateDealInput{
		BrandID:     "brand-1",
		TotalAmount: 100,
		Currency:    "USD",
		Milestones:  []application.MilestoneInput{{Title: "Only", Amount: 100}},
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}

	if _, err := service.AcceptDeal(ctx, result.Deal.DealID, "creator-1"); err != nil {
		t.Fatalf("first accept should succeed: %v", err)
	}
	if _, err := service.AcceptDeal(ctx, result.Deal.DealID, "creator-1"); err != nil {
		t.Fatalf("same creator accept should be a no-op: %v", err)
	}
	_, err = service.AcceptDeal(ctx, result.Deal.DealID, "creator-2")
	if !errors.Is(err, domainerrors.ErrCreatorAlreadyAssigned) {
		t.Fatalf("expected creator already assigned, got %v", err)
	}
}

func TestReviewRejectReturnsMilestoneForResubmission(t *testing.T) {
	service, _, provider := newTestService(t)
	ctx := context.Background()

	_, milestones := fundedDeal(t, service)
	milestoneID := milestones[0].MilestoneID

	if _, err := service.SubmitMilestone(ctx, application.SubmitMilestoneInput{
		MilestoneID: milestoneID,
		SubmitterID: "creator-1",
		ContentRef:  "https://cdn.example/v1",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	review, err := service.ReviewMilestone(ctx, application.ReviewMilestoneInput{
		MilestoneID: milestoneID,
		ReviewerID:  "brand-1",
		Action:      application.ReviewActionReject,
		Feedback:    "wrong aspect ratio",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if review.Milestone.Status != entities.MilestoneStatusPending {
		t.Fatalf("expected pending after reject, got %s", review.Milestone.Status)
	}
	if provider.ReleaseCalls() != 0 {
		t.Fatalf("reject must not touch the provider, got %d calls", provider.ReleaseCalls())
	}

	// The creator can resubmit and the brand can approve the new deliverable.
	if _, err := service.SubmitMilestone(ctx, application.SubmitMilestoneInput{
		MilestoneID: milestoneID,
		SubmitterID: "creator-1",
		ContentRef:  "https://cdn.example/v2",
	}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	review, err = service.ReviewMilestone(ctx, application.ReviewMilestoneInput{
		MilestoneID: milestoneID,
		ReviewerID:  "brand-1",
		Action:      application.ReviewActionApprove,
	})
	if err != nil {
		t.Fatalf("approve after resubmit: %v", err)
	}
	if review.Milestone.Status != entities.MilestoneStatusReleased {
		t.Fatalf("expected released, got %s", review.Milestone.Status)
	}
}

func TestReviewWithoutDeliverableRejected(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()

	_, milestones := fundedDeal(t, service)

	// Force the milestone into submitted without a deliverable row.
	milestone, err := store.GetMilestone(ctx, milestones[0].MilestoneID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	milestone.Status = entities.MilestoneStatusSubmitted
	if _, err := store.UpdateMilestone(ctx, milestone, entities.MilestoneStatusPending); err != nil {
		t.Fatalf("update milestone: %v", err)
	}

	_, err = service.ReviewMilestone(ctx, application.ReviewMilestoneInput{
		MilestoneID: milestone.MilestoneID,
		ReviewerID:  "brand-1",
		Action:      application.ReviewActionApprove,
	})
	if !errors.Is(err, domainerrors.ErrDeliverableRequired) {
		t.Fatalf("expected deliverable required, got %v", err)
	}
}

func TestReleaseFailureLeavesMilestoneApproved(t *testing.T) {
	service, store, provider := newTestService(t)
	ctx := context.Background()

	_, milestones := fundedDeal(t, service)
	milestoneID := milestones[0].MilestoneID

	if _, err := service.SubmitMilestone(ctx, application.SubmitMilestoneInput{
		MilestoneID: milestoneID,
		SubmitterID: "creator-1",
		ContentRef:  "https://cdn.example/v1",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	provider.ReleaseErr = domainerrors.ErrProviderUnavailable
	_, err := service.ReviewMilestone(ctx, application.ReviewMilestoneInput{
		MilestoneID: milestoneID,
		ReviewerID:  "brand-1",
		Action:      application.ReviewActionApprove,
	})
	if !errors.Is(err, domainerrors.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}

	milestone, err := store.GetMilestone(ctx, milestoneID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if milestone.Status != entities.MilestoneStatusApproved {
		t.Fatalf("failed release must leave milestone approved, got %s", milestone.Status)
	}

	provider.ReleaseErr = nil
	retried, err := service.RetryRelease(ctx, milestoneID, "admin-1")
	if err != nil {
		t.Fatalf("retry release: %v", err)
	}
	if retried.Milestone.Status != entities.MilestoneStatusReleased {
		t.Fatalf("expected released after retry, got %s", retried.Milestone.Status)
	}
	if retried.PayoutRef == "" {
		t.Fatalf("expected payout ref after retry")
	}
}

func TestForceReleaseFromSubmitted(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	_, milestones := fundedDeal(t, service)
	milestoneID := milestones[0].MilestoneID

	if _, err := service.SubmitMilestone(ctx, application.SubmitMilestoneInput{
		MilestoneID: milestoneID,
		SubmitterID: "creator-1",
		ContentRef:  "https://cdn.example/v1",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	result, err := service.ForceRelease(ctx, milestoneID, "admin-1", "support escalation")
	if err != nil {
		t.Fatalf("force release: %v", err)
	}
	if result.Milestone.Status != entities.MilestoneStatusReleased {
		t.Fatalf("expected released, got %s", result.Milestone.Status)
	}

	again, err := service.ForceRelease(ctx, milestoneID, "admin-1", "double click")
	if err != nil {
		t.Fatalf("repeated force release should no-op: %v", err)
	}
	if !again.AlreadyResolved {
		t.Fatalf("expected already resolved")
	}
}

func TestDisputeFreezesAndRefundResolves(t *testing.T) {
	service, store, provider := newTestService(t)
	ctx := context.Background()

	deal, milestones := fundedDeal(t, service)

	if _, err := service.SubmitMilestone(ctx, application.SubmitMilestoneInput{
		MilestoneID: milestones[0].MilestoneID,
		SubmitterID: "creator-1",
		ContentRef:  "https://cdn.example/v1",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	disputed, err := service.DisputeDeal(ctx, deal.DealID, "brand-1", "content dispute")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != entities.DealStatusDisputed {
		t.Fatalf("expected disputed, got %s", disputed.Status)
	}

	// The submitted milestone is frozen with the deal; the untouched one
	// stays pending.
	frozen, err := store.GetMilestone(ctx, milestones[0].MilestoneID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if frozen.Status != entities.MilestoneStatusDisputed {
		t.Fatalf("expected disputed milestone, got %s", frozen.Status)
	}
	untouched, err := store.GetMilestone(ctx, milestones[1].MilestoneID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if untouched.Status != entities.MilestoneStatusPending {
		t.Fatalf("expected pending milestone, got %s", untouched.Status)
	}

	// The frozen deal rejects further milestone work.
	_, err = service.SubmitMilestone(ctx, application.SubmitMilestoneInput{
		MilestoneID: milestones[1].MilestoneID,
		SubmitterID: "creator-1",
		ContentRef:  "https://cdn.example/v2",
	})
	if !errors.Is(err, domainerrors.ErrInvalidState) {
		t.Fatalf("expected invalid state on frozen deal, got %v", err)
	}

	resolved, err := service.ResolveDispute(ctx, deal.DealID, "admin-1", application.DisputeResolutionRefunded, "arbitration outcome")
	if err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}
	if resolved.Status != entities.DealStatusRefunded {
		t.Fatalf("expected refunded, got %s", resolved.Status)
	}
	if provider.RefundCalls() != 1 {
		t.Fatalf("expected 1 refund call, got %d", provider.RefundCalls())
	}

	// A refund resolution leaves the frozen milestone disputed under the
	// terminal deal state.
	frozen, err = store.GetMilestone(ctx, milestones[0].MilestoneID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if frozen.Status != entities.MilestoneStatusDisputed {
		t.Fatalf("expected disputed milestone after refund, got %s", frozen.Status)
	}

	// Terminal deals absorb a repeated resolution.
	again, err := service.ResolveDispute(ctx, deal.DealID, "admin-1", application.DisputeResolutionRefunded, "retry")
	if err != nil {
		t.Fatalf("repeated resolve should no-op: %v", err)
	}
	if again.Status != entities.DealStatusRefunded {
		t.Fatalf("expected refunded, got %s", again.Status)
	}

	events, err := service.ListDealEvents(ctx, deal.DealID, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected audit trail for the deal")
	}
}

func TestResolveDisputeReleaseCoversRemainingMilestones(t *testing.T) {
	service, store, provider := newTestService(t)
	ctx := context.Background()

	deal, milestones := fundedDeal(t, service)

	if _, err := service.SubmitMilestone(ctx, application.SubmitMilestoneInput{
		MilestoneID: milestones[0].MilestoneID,
		SubmitterID: "creator-1",
		ContentRef:  "https://cdn.example/v1",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := service.DisputeDeal(ctx, deal.DealID, "creator-1", "unresponsive brand"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	resolved, err := service.ResolveDispute(ctx, deal.DealID, "admin-1", application.DisputeResolutionReleased, "creator delivered")
	if err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}
	if resolved.Status != entities.DealStatusReleased {
		t.Fatalf("expected released, got %s", resolved.Status)
	}
	if provider.ReleaseCalls() != 1 {
		t.Fatalf("expected one aggregate release call, got %d", provider.ReleaseCalls())
	}

	// The disputed milestone is walked to released.
	milestone, err := store.GetMilestone(ctx, milestones[0].MilestoneID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if milestone.Status != entities.MilestoneStatusReleased {
		t.Fatalf("expected released milestone, got %s", milestone.Status)
	}
}
