package application

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"meridian/contexts/escrow-core/deal-service/domain/entities"
	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	"meridian/contexts/escrow-core/deal-service/ports"
)

// IngestProviderEvent folds one asynchronous provider event into internal
// state. Delivery is at-least-once and unordered, so the contract is:
// an already-recorded event id is a success no-op; effects reuse the same
// state preconditions as the synchronous API so late or out-of-order events
// degrade to no-ops; and the dedup record is written only after the effect,
// making a crash in between a safe reprocessing rather than a lost update.
func (s Service) IngestProviderEvent(ctx context.Context, event ports.ProviderEvent) error {
	event.EventID = strings.TrimSpace(event.EventID)
	event.EventType = strings.TrimSpace(event.EventType)
	if event.EventID == "" || event.EventType == "" {
		return domainerrors.ErrInvalidEnvelope
	}

	processed, err := s.EventDedup.IsProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		ResolveLogger(s.Logger).Info("provider event replay ignored",
			"event", "provider_event_replayed",
			"module", "escrow-core/deal-service",
			"layer", "application",
			"provider_event_id", event.EventID,
			"provider_event_type", event.EventType,
		)
		return nil
	}

	switch event.EventType {
	case ports.ProviderEventFundingConfirmed:
		err = s.applyFundingConfirmed(ctx, event)
	case ports.ProviderEventTransferCreated:
		err = s.applyTransferCreated(ctx, event)
	case ports.ProviderEventPayoutPaid:
		err = s.applyPayoutPaid(ctx, event)
	case ports.ProviderEventAccountUpdated:
		err = s.applyAccountUpdated(ctx, event)
	default:
		// Unknown types are acknowledged so the provider stops retrying,
		// but they leave a trace in the event log.
		s.appendAudit(ctx, "", "", "webhook_ignored", "", "", "provider", "provider", event.EventType, event.EventID)
	}
	if err != nil {
		return err
	}

	return s.EventDedup.MarkProcessed(ctx, entities.ExternalEventRecord{
		EventID:     event.EventID,
		EventType:   event.EventType,
		ProcessedAt: s.now(),
	})
}

func (s Service) applyFundingConfirmed(ctx context.Context, event ports.ProviderEvent) error {
	var payload ports.FundingConfirmedPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return domainerrors.ErrInvalidEnvelope
	}
	if strings.TrimSpace(payload.DealID) == "" {
		return domainerrors.ErrInvalidEnvelope
	}

	deal, err := s.Repo.GetDeal(ctx, payload.DealID)
	if err != nil {
		return err
	}
	if deal.Status != entities.DealStatusDraft {
		// Funding already observed through the synchronous path or an
		// earlier delivery.
		return nil
	}

	now := s.now()
	if deal.EscrowRef == "" {
		deal.EscrowRef = strings.TrimSpace(payload.EscrowRef)
	}
	if deal.PaymentRef == "" {
		deal.PaymentRef = strings.TrimSpace(payload.PaymentRef)
	}
	deal.Status = entities.DealStatusFunded
	deal.FundedAt = &now
	deal.UpdatedAt = now
	applied, err := s.Repo.UpdateDeal(ctx, deal, entities.DealStatusDraft)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	s.appendAudit(ctx, deal.DealID, "", "deal_funded", string(entities.DealStatusDraft), string(entities.DealStatusFunded), "provider", "provider", "webhook_funding_confirmed", event.EventID)
	return s.appendOutboxEvent(ctx, EventDealFunded, "deal_id", deal.DealID, now, map[string]any{
		"deal_id":     deal.DealID,
		"escrow_ref":  deal.EscrowRef,
		"payment_ref": deal.PaymentRef,
		"amount":      payload.Amount,
		"currency":    deal.Currency,
	})
}

func (s Service) applyTransferCreated(ctx context.Context, event ports.ProviderEvent) error {
	var payload ports.TransferCreatedPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return domainerrors.ErrInvalidEnvelope
	}
	if strings.TrimSpace(payload.MilestoneID) == "" {
		return domainerrors.ErrInvalidEnvelope
	}

	milestone, err := s.Repo.GetMilestone(ctx, payload.MilestoneID)
	if err != nil {
		return err
	}
	if milestone.Status != entities.MilestoneStatusApproved {
		// Released already, or the approval has not landed yet; either way
		// the synchronous path owns the transition.
		return nil
	}

	now := s.now()
	milestone.Status = entities.MilestoneStatusReleased
	milestone.ReleasedAt = &now
	milestone.PayoutRef = strings.TrimSpace(payload.PayoutRef)
	milestone.UpdatedAt = now
	applied, err := s.Repo.UpdateMilestone(ctx, milestone, entities.MilestoneStatusApproved)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	s.cancelJob(ctx, milestone.MilestoneID)
	s.appendAudit(ctx, milestone.DealID, milestone.MilestoneID, "milestone_released", string(entities.MilestoneStatusApproved), string(entities.MilestoneStatusReleased), "provider", "provider", "webhook_transfer_created", event.EventID)
	if err := s.appendOutboxEvent(ctx, EventMilestoneReleased, "milestone_id", milestone.MilestoneID, now, map[string]any{
		"milestone_id": milestone.MilestoneID,
		"deal_id":      milestone.DealID,
		"payout_ref":   milestone.PayoutRef,
		"amount":       milestone.Amount,
	}); err != nil {
		return err
	}
	return s.completeDealIfDone(ctx, milestone.DealID, "provider")
}

func (s Service) applyPayoutPaid(ctx context.Context, event ports.ProviderEvent) error {
	var payload ports.PayoutPaidPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return domainerrors.ErrInvalidEnvelope
	}
	if strings.TrimSpace(payload.MilestoneID) == "" {
		return domainerrors.ErrInvalidEnvelope
	}

	milestone, err := s.Repo.GetMilestone(ctx, payload.MilestoneID)
	if err != nil {
		return err
	}
	if milestone.Status != entities.MilestoneStatusReleased || milestone.PayoutPaidAt != nil {
		return nil
	}

	paidAt := s.now()
	if parsed, err := time.Parse(time.RFC3339, payload.PaidAt); err == nil {
		paidAt = parsed.UTC()
	}
	milestone.PayoutPaidAt = &paidAt
	milestone.UpdatedAt = s.now()
	if _, err := s.Repo.UpdateMilestone(ctx, milestone, entities.MilestoneStatusReleased); err != nil {
		return err
	}
	s.appendAudit(ctx, milestone.DealID, milestone.MilestoneID, "payout_paid", string(entities.MilestoneStatusReleased), string(entities.MilestoneStatusReleased), "provider", "provider", "webhook_payout_paid", event.EventID)
	return nil
}

func (s Service) applyAccountUpdated(ctx context.Context, event ports.ProviderEvent) error {
	var payload ports.AccountUpdatedPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return domainerrors.ErrInvalidEnvelope
	}
	detail := "payouts_disabled"
	if payload.PayoutsEnabled {
		detail = "payouts_enabled"
	}
	s.appendAudit(ctx, "", "", "provider_account_updated", "", "", "provider", "provider", payload.AccountRef, detail)
	return nil
}
