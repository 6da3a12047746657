package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"meridian/contexts/escrow-core/deal-service/application"
	"meridian/contexts/escrow-core/deal-service/domain/entities"
	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	"meridian/contexts/escrow-core/deal-service/ports"
)

func providerEvent(t *testing.T, eventID, eventType string, payload any) ports.ProviderEvent {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return ports.ProviderEvent{
		EventID:   eventID,
		EventType: eventType,
		Data:      data,
	}
}

func TestWebhookFundingConfirmedTransitionsDraft(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()

	result, _, err := service.CreateDeal(ctx, "idem-create", application.CreateDealInput{
		BrandID:     "brand-1",
		CreatorID:   "creator-1",
		TotalAmount: 100,
		Currency:    "USD",
		Milestones:  []application.MilestoneInput{{Title: "Only", Amount: 100}},
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}

	event := providerEvent(t, "evt-1", ports.ProviderEventFundingConfirmed, ports.FundingConfirmedPayload{
		DealID:     result.Deal.DealID,
		EscrowRef:  "esc_ext",
		PaymentRef: "pay_ext",
		Amount:     100,
	})
	if err := service.IngestProviderEvent(ctx, event); err != nil {
		t.Fatalf("ingest funding confirmed: %v", err)
	}

	deal, err := store.GetDeal(ctx, result.Deal.DealID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if deal.Status != entities.DealStatusFunded {
		t.Fatalf("expected funded, got %s", deal.Status)
	}
	if deal.EscrowRef != "esc_ext" || deal.PaymentRef != "pay_ext" {
		t.Fatalf("expected refs from payload, got %q %q", deal.EscrowRef, deal.PaymentRef)
	}
}

func TestWebhookReplayIsNoOp(t *testing.T) {
	service, store, _ := newTestService(t)
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

	// Move to approved so transfer_created can land.
	milestone, err := store.GetMilestone(ctx, milestoneID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	milestone.Status = entities.MilestoneStatusApproved
	if _, err := store.UpdateMilestone(ctx, milestone, entities.MilestoneStatusSubmitted); err != nil {
		t.Fatalf("update milestone: %v", err)
	}

	event := providerEvent(t, "evt-transfer", ports.ProviderEventTransferCreated, ports.TransferCreatedPayload{
		MilestoneID: milestoneID,
		PayoutRef:   "tr_ext_1",
	})
	if err := service.IngestProviderEvent(ctx, event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	milestone, err = store.GetMilestone(ctx, milestoneID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if milestone.Status != entities.MilestoneStatusReleased {
		t.Fatalf("expected released, got %s", milestone.Status)
	}
	if milestone.PayoutRef != "tr_ext_1" {
		t.Fatalf("expected payout ref from event, got %q", milestone.PayoutRef)
	}

	// A duplicate delivery of the same event id is acknowledged silently.
	if err := service.IngestProviderEvent(ctx, event); err != nil {
		t.Fatalf("replay must be a no-op: %v", err)
	}
}

func TestWebhookOutOfOrderPayoutPaidIgnored(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()

	_, milestones := fundedDeal(t, service)
	milestoneID := milestones[0].MilestoneID

	// payout_paid arriving before the milestone is released degrades to an
	// acknowledged no-op.
	event := providerEvent(t, "evt-paid-early", ports.ProviderEventPayoutPaid, ports.PayoutPaidPayload{
		MilestoneID: milestoneID,
		PayoutRef:   "tr_ext_1",
		PaidAt:      "2026-08-27T12:00:00Z",
	})
	if err := service.IngestProviderEvent(ctx, event); err != nil {
		t.Fatalf("early payout_paid should ack: %v", err)
	}

	milestone, err := store.GetMilestone(ctx, milestoneID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if milestone.Status != entities.MilestoneStatusPending {
		t.Fatalf("expected untouched pending milestone, got %s", milestone.Status)
	}
	if milestone.PayoutPaidAt != nil {
		t.Fatalf("expected no paid timestamp")
	}
}

func TestWebhookUnknownTypeAcknowledged(t *testing.T) {
	service, _, _ := newTestService(t)

	event := providerEvent(t, "evt-unknown", "escrow.something_new", map[string]string{"k": "v"})
	if err := service.IngestProviderEvent(context.Background(), event); err != nil {
		t.Fatalf("unknown event type must be acknowledged: %v", err)
	}
}

func TestWebhookRejectsEmptyEnvelope(t *testing.T) {
	service, _, _ := newTestService(t)

	err := service.IngestProviderEvent(context.Background(), ports.ProviderEvent{EventType: "escrow.payout_paid"})
	if !errors.Is(err, domainerrors.ErrInvalidEnvelope) {
		t.Fatalf("expected invalid envelope, got %v", err)
	}
}
