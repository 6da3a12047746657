package application

import (
	"context"
	"strings"
	"time"

	"meridian/contexts/escrow-core/deal-service/domain/entities"
	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	"meridian/contexts/escrow-core/deal-service/ports"
)

type MilestoneInput struct {
	Title  string
	Amount float64
	DueAt  *time.Time
}

type CreateDealInput struct {
	BrandID              string
	CreatorID            string
	TotalAmount          float64
	Currency             string
	AutoReleaseEnabled   *bool
	AutoReleaseDelayDays int
	Milestones           []MilestoneInput
}

type DealWithMilestones struct {
	Deal       entities.Deal
	Milestones []entities.Milestone
}

// CreateDeal persists a brand's proposal as a draft deal plus its milestones.
// Milestone amounts must sum to the deal total at cent precision; the check
// holds for the lifetime of the deal because milestone amounts are never
// mutated after creation.
func (s Service) CreateDeal(ctx context.Context, idempotencyKey string, input CreateDealInput) (DealWithMilestones, bool, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return DealWithMilestones{}, false, domainerrors.ErrIdempotencyKeyMissing
	}
	input.BrandID = strings.TrimSpace(input.BrandID)
	input.CreatorID = strings.TrimSpace(input.CreatorID)
	input.Currency = strings.ToUpper(strings.TrimSpace(input.Currency))
	if err := validateCreateDealInput(input); err != nil {
		return DealWithMilestones{}, false, err
	}

	requestHash := hashPayload(map[string]any{
		"brand_id":     input.BrandID,
		"creator_id":   input.CreatorID,
		"total_amount": entities.Round2(input.TotalAmount),
		"currency":     input.Currency,
		"milestones":   len(input.Milestones),
	})
	var replayed DealWithMilestones
	if found, err := s.lookupReplay(ctx, idempotencyKey, requestHash, &replayed); err != nil {
		return DealWithMilestones{}, false, err
	} else if found {
		return replayed, true, nil
	}

	now := s.now()
	dealID, err := s.newID(ctx)
	if err != nil {
		return DealWithMilestones{}, false, err
	}

	autoRelease := true
	if input.AutoReleaseEnabled != nil {
		autoRelease = *input.AutoReleaseEnabled
	}
	delayDays := input.AutoReleaseDelayDays
	if delayDays <= 0 {
		delayDays = s.defaultDelayDays()
	}

	deal := entities.Deal{
		DealID:               dealID,
		BrandID:              input.BrandID,
		CreatorID:            input.CreatorID,
		TotalAmount:          entities.Round2(input.TotalAmount),
		Currency:             input.Currency,
		Status:               entities.DealStatusDraft,
		AutoReleaseEnabled:   autoRelease,
		AutoReleaseDelayDays: delayDays,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	milestones := make([]entities.Milestone, 0, len(input.Milestones))
	for _, m := range input.Milestones {
		milestoneID, err := s.newID(ctx)
		if err != nil {
			return DealWithMilestones{}, false, err
		}
		milestones = append(milestones, entities.Milestone{
			MilestoneID: milestoneID,
			DealID:      dealID,
			Title:       strings.TrimSpace(m.Title),
			Amount:      entities.Round2(m.Amount),
			DueAt:       m.DueAt,
			Status:      entities.MilestoneStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := s.Repo.CreateDeal(ctx, deal, milestones); err != nil {
		return DealWithMilestones{}, false, err
	}
	s.appendAudit(ctx, dealID, "", "deal_created", "", string(entities.DealStatusDraft), input.BrandID, "brand", "", "")
	if err := s.appendOutboxEvent(ctx, EventDealCreated, "deal_id", dealID, now, map[string]any{
		"deal_id":      dealID,
		"brand_id":     deal.BrandID,
		"total_amount": deal.TotalAmount,
		"currency":     deal.Currency,
		"milestones":   len(milestones),
	}); err != nil {
		return DealWithMilestones{}, false, err
	}

	result := DealWithMilestones{Deal: deal, Milestones: milestones}
	if err := s.storeReplay(ctx, idempotencyKey, requestHash, result); err != nil {
		return DealWithMilestones{}, false, err
	}

	ResolveLogger(s.Logger).Info("deal created",
		"event", "deal_created",
		"module", "escrow-core/deal-service",
		"layer", "application",
		"deal_id", dealID,
		"brand_id", deal.BrandID,
		"total_amount", deal.TotalAmount,
	)
	return result, false, nil
}

// AcceptDeal assigns the creator to a proposed deal. The assignment happens
// at most once.
func (s Service) AcceptDeal(ctx context.Context, dealID string, creatorID string) (entities.Deal, error) {
	dealID = strings.TrimSpace(dealID)
	creatorID = strings.TrimSpace(creatorID)
	if dealID == "" || creatorID == "" {
		return entities.Deal{}, domainerrors.ErrInvalidInput
	}
	deal, err := s.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return entities.Deal{}, err
	}
	if deal.CreatorID != "" {
		if deal.CreatorID == creatorID {
			return deal, nil
		}
		return entities.Deal{}, domainerrors.ErrCreatorAlreadyAssigned
	}
	if deal.Status.Terminal() {
		return entities.Deal{}, domainerrors.ErrInvalidState
	}

	now := s.now()
	deal.CreatorID = creatorID
	deal.UpdatedAt = now
	applied, err := s.Repo.UpdateDeal(ctx, deal, deal.Status)
	if err != nil {
		return entities.Deal{}, err
	}
	if !applied {
		return entities.Deal{}, domainerrors.ErrInvalidState
	}
	s.appendAudit(ctx, dealID, "", "deal_accepted", string(deal.Status), string(deal.Status), creatorID, "creator", "", "")
	return deal, nil
}

type FundDealInput struct {
	DealID   string
	ActorID  string
	PayerRef string
}

// FundDeal moves brand funds into escrow and transitions the deal from draft
// to funded. The escrow reference is written exactly once, here; the deal is
// only marked funded after the provider confirms the hold. A timeout leaves
// the deal in draft and the call retryable with the same idempotency key.
func (s Service) FundDeal(ctx context.Context, idempotencyKey string, input FundDealInput) (entities.Deal, bool, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return entities.Deal{}, false, domainerrors.ErrIdempotencyKeyMissing
	}
	input.DealID = strings.TrimSpace(input.DealID)
	input.ActorID = strings.TrimSpace(input.ActorID)
	input.PayerRef = strings.TrimSpace(input.PayerRef)
	if input.DealID == "" || input.ActorID == "" || input.PayerRef == "" {
		return entities.Deal{}, false, domainerrors.ErrInvalidInput
	}

	requestHash := hashPayload(map[string]any{
		"deal_id":   input.DealID,
		"payer_ref": input.PayerRef,
	})
	var replayed entities.Deal
	if found, err := s.lookupReplay(ctx, idempotencyKey, requestHash, &replayed); err != nil {
		return entities.Deal{}, false, err
	} else if found {
		return replayed, true, nil
	}

	deal, err := s.Repo.GetDeal(ctx, input.DealID)
	if err != nil {
		return entities.Deal{}, false, err
	}
	if deal.BrandID != input.ActorID {
		return entities.Deal{}, false, domainerrors.ErrForbidden
	}
	if deal.Status == entities.DealStatusFunded {
		// Another path already funded the deal; the caller's intent is met.
		return deal, false, nil
	}
	if deal.Status != entities.DealStatusDraft {
		return entities.Deal{}, false, domainerrors.ErrInvalidState
	}

	providerCtx, cancel := s.providerContext(ctx)
	defer cancel()

	escrowRef := deal.EscrowRef
	if escrowRef == "" {
		escrowRef, err = s.Provider.CreateEscrow(providerCtx, deal.DealID, deal.Currency)
		if err != nil {
			s.appendAudit(ctx, deal.DealID, "", "escrow_create_failed", string(deal.Status), string(deal.Status), input.ActorID, "brand", "", err.Error())
			return entities.Deal{}, false, err
		}
	}
	paymentRef, err := s.Provider.FundEscrow(providerCtx, escrowRef, deal.TotalAmount, input.PayerRef, "fund:"+deal.DealID)
	if err != nil {
		s.appendAudit(ctx, deal.DealID, "", "escrow_fund_failed", string(deal.Status), string(deal.Status), input.ActorID, "brand", "", err.Error())
		return entities.Deal{}, false, err
	}

	now := s.now()
	deal.EscrowRef = escrowRef
	deal.PaymentRef = paymentRef
	deal.Status = entities.DealStatusFunded
	deal.FundedAt = &now
	deal.UpdatedAt = now
	applied, err := s.Repo.UpdateDeal(ctx, deal, entities.DealStatusDraft)
	if err != nil {
		return entities.Deal{}, false, err
	}
	if !applied {
		// A concurrent funding path committed first; report current state.
		current, err := s.Repo.GetDeal(ctx, input.DealID)
		if err != nil {
			return entities.Deal{}, false, err
		}
		return current, false, nil
	}

	s.appendAudit(ctx, deal.DealID, "", "deal_funded", string(entities.DealStatusDraft), string(entities.DealStatusFunded), input.ActorID, "brand", "", "")
	if err := s.appendOutboxEvent(ctx, EventDealFunded, "deal_id", deal.DealID, now, map[string]any{
		"deal_id":     deal.DealID,
		"escrow_ref":  escrowRef,
		"payment_ref": paymentRef,
		"amount":      deal.TotalAmount,
		"currency":    deal.Currency,
	}); err != nil {
		return entities.Deal{}, false, err
	}
	if err := s.storeReplay(ctx, idempotencyKey, requestHash, deal); err != nil {
		return entities.Deal{}, false, err
	}

	ResolveLogger(s.Logger).Info("deal funded",
		"event", "deal_funded",
		"module", "escrow-core/deal-service",
		"layer", "application",
		"deal_id", deal.DealID,
		"escrow_ref", escrowRef,
		"amount", deal.TotalAmount,
	)
	return deal, false, nil
}

// DisputeDeal freezes a funded deal pending external arbitration. In-flight
// milestones (submitted or approved) move to disputed with it.
func (s Service) DisputeDeal(ctx context.Context, dealID, actorID, reason string) (entities.Deal, error) {
	dealID = strings.TrimSpace(dealID)
	actorID = strings.TrimSpace(actorID)
	if dealID == "" || actorID == "" {
		return entities.Deal{}, domainerrors.ErrInvalidInput
	}
	deal, err := s.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return entities.Deal{}, err
	}
	if actorID != deal.BrandID && actorID != deal.CreatorID {
		return entities.Deal{}, domainerrors.ErrForbidden
	}
	if deal.Status == entities.DealStatusDisputed {
		return deal, nil
	}
	if deal.Status != entities.DealStatusFunded {
		return entities.Deal{}, domainerrors.ErrInvalidState
	}

	now := s.now()
	deal.Status = entities.DealStatusDisputed
	deal.DisputedAt = &now
	deal.UpdatedAt = now
	applied, err := s.Repo.UpdateDeal(ctx, deal, entities.DealStatusFunded)
	if err != nil {
		return entities.Deal{}, err
	}
	if !applied {
		current, err := s.Repo.GetDeal(ctx, dealID)
		if err != nil {
			return entities.Deal{}, err
		}
		if current.Status == entities.DealStatusDisputed {
			return current, nil
		}
		return entities.Deal{}, domainerrors.ErrInvalidState
	}

	s.markMilestonesDisputed(ctx, dealID, actorID, now)
	s.appendAudit(ctx, dealID, "", "deal_disputed", string(entities.DealStatusFunded), string(entities.DealStatusDisputed), actorID, "party", reason, "")
	if err := s.appendOutboxEvent(ctx, EventDealDisputed, "deal_id", dealID, now, map[string]any{
		"deal_id": dealID,
		"reason":  reason,
	}); err != nil {
		return entities.Deal{}, err
	}
	return deal, nil
}

type DisputeResolution string

const (
	DisputeResolutionReleased DisputeResolution = "released"
	DisputeResolutionRefunded DisputeResolution = "refunded"
)

// ResolveDispute applies an external arbitration decision to a disputed
// deal: release the remaining escrow to the creator, or refund it to the
// brand. Milestones already released are untouched either way.
func (s Service) ResolveDispute(ctx context.Context, dealID, actorID string, resolution DisputeResolution, reason string) (entities.Deal, error) {
	dealID = strings.TrimSpace(dealID)
	actorID = strings.TrimSpace(actorID)
	if dealID == "" || actorID == "" {
		return entities.Deal{}, domainerrors.ErrInvalidInput
	}
	if resolution != DisputeResolutionReleased && resolution != DisputeResolutionRefunded {
		return entities.Deal{}, domainerrors.ErrInvalidInput
	}
	deal, err := s.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return entities.Deal{}, err
	}
	if deal.Status != entities.DealStatusDisputed {
		if deal.Status.Terminal() {
			return deal, nil
		}
		return entities.Deal{}, domainerrors.ErrInvalidState
	}

	milestones, err := s.Repo.ListMilestonesByDeal(ctx, dealID)
	if err != nil {
		return entities.Deal{}, err
	}
	var remaining float64
	for _, m := range milestones {
		if m.Status != entities.MilestoneStatusReleased {
			remaining += m.Amount
		}
	}
	remaining = entities.Round2(remaining)

	providerCtx, cancel := s.providerContext(ctx)
	defer cancel()

	now := s.now()
	var payoutRef string
	switch resolution {
	case DisputeResolutionReleased:
		if remaining > 0 {
			payoutRef, err = s.Provider.ReleaseToCreator(providerCtx, deal.EscrowRef, remaining, deal.CreatorID, ports.ReleaseMetadata{
				DealID: dealID,
				Reason: "dispute_resolution",
			}, "dispute-release:"+dealID)
			if err != nil {
				s.appendAudit(ctx, dealID, "", "dispute_release_failed", string(deal.Status), string(deal.Status), actorID, "admin", reason, err.Error())
				return entities.Deal{}, err
			}
		}
		deal.Status = entities.DealStatusReleased
		deal.ReleasedAt = &now
	case DisputeResolutionRefunded:
		if remaining > 0 {
			amount := remaining
			if _, err := s.Provider.RefundToBrand(providerCtx, deal.EscrowRef, &amount, "dispute-refund:"+dealID); err != nil {
				s.appendAudit(ctx, dealID, "", "dispute_refund_failed", string(deal.Status), string(deal.Status), actorID, "admin", reason, err.Error())
				return entities.Deal{}, err
			}
		}
		deal.Status = entities.DealStatusRefunded
		deal.RefundedAt = &now
	}
	deal.UpdatedAt = now

	applied, err := s.Repo.UpdateDeal(ctx, deal, entities.DealStatusDisputed)
	if err != nil {
		return entities.Deal{}, err
	}
	if !applied {
		current, err := s.Repo.GetDeal(ctx, dealID)
		if err != nil {
			return entities.Deal{}, err
		}
		return current, nil
	}

	if resolution == DisputeResolutionReleased {
		s.markMilestonesReleasedByResolution(ctx, milestones, payoutRef, now)
	}

	eventType := EventDealRefunded
	if resolution == DisputeResolutionReleased {
		eventType = EventDealReleased
	}
	s.appendAudit(ctx, dealID, "", "dispute_resolved", string(entities.DealStatusDisputed), string(deal.Status), actorID, "admin", reason, "")
	if err := s.appendOutboxEvent(ctx, eventType, "deal_id", dealID, now, map[string]any{
		"deal_id":    dealID,
		"resolution": string(resolution),
		"amount":     remaining,
	}); err != nil {
		return entities.Deal{}, err
	}

	ResolveLogger(s.Logger).Info("dispute resolved",
		"event", "dispute_resolved",
		"module", "escrow-core/deal-service",
		"layer", "application",
		"deal_id", dealID,
		"resolution", string(resolution),
		"amount", remaining,
	)
	return deal, nil
}

// markMilestonesDisputed freezes the deal's in-flight milestones alongside
// the deal itself. Pending and released milestones are untouched; the
// auto-release jobs of frozen milestones are canceled so the clock stops.
func (s Service) markMilestonesDisputed(ctx context.Context, dealID, actorID string, now time.Time) {
	milestones, err := s.Repo.ListMilestonesByDeal(ctx, dealID)
	if err != nil {
		ResolveLogger(s.Logger).Warn("milestone dispute walk failed",
			"event", "milestone_dispute_walk_failed",
			"module", "escrow-core/deal-service",
			"layer", "application",
			"deal_id", dealID,
			"error", err.Error(),
		)
		return
	}
	for _, m := range milestones {
		if !m.Status.Releasable() {
			continue
		}
		from := m.Status
		m.Status = entities.MilestoneStatusDisputed
		m.UpdatedAt = now
		if applied, err := s.Repo.UpdateMilestone(ctx, m, from); err != nil || !applied {
			continue
		}
		s.cancelJob(ctx, m.MilestoneID)
		s.appendAudit(ctx, dealID, m.MilestoneID, "milestone_disputed", string(from), string(entities.MilestoneStatusDisputed), actorID, "party", "", "")
	}
}

// markMilestonesReleasedByResolution walks the deal's unresolved milestones
// after a release-to-creator arbitration and records them released. Pending
// milestones stay pending; the deal-level terminal state governs them.
func (s Service) markMilestonesReleasedByResolution(ctx context.Context, milestones []entities.Milestone, payoutRef string, now time.Time) {
	for _, m := range milestones {
		switch m.Status {
		case entities.MilestoneStatusSubmitted, entities.MilestoneStatusApproved, entities.MilestoneStatusDisputed:
		default:
			continue
		}
		from := m.Status
		if from != entities.MilestoneStatusApproved {
			m.Status = entities.MilestoneStatusApproved
			m.ApprovedAt = &now
			m.ApprovedBy = "system"
			m.ApprovalReason = "dispute_resolution"
			m.UpdatedAt = now
			if applied, err := s.Repo.UpdateMilestone(ctx, m, from); err != nil || !applied {
				continue
			}
			from = entities.MilestoneStatusApproved
		}
		m.Status = entities.MilestoneStatusReleased
		m.ReleasedAt = &now
		m.PayoutRef = payoutRef
		m.UpdatedAt = now
		if applied, err := s.Repo.UpdateMilestone(ctx, m, from); err != nil || !applied {
			continue
		}
		s.cancelJob(ctx, m.MilestoneID)
		s.appendAudit(ctx, m.DealID, m.MilestoneID, "milestone_released", string(from), string(entities.MilestoneStatusReleased), "system", "system", "dispute_resolution", "")
	}
}

func validateCreateDealInput(input CreateDealInput) error {
	if input.BrandID == "" || input.TotalAmount <= 0 {
		return domainerrors.ErrInvalidInput
	}
	if len(input.Currency) != 3 {
		return domainerrors.ErrInvalidCurrency
	}
	if len(input.Milestones) == 0 {
		return domainerrors.ErrInvalidInput
	}
	// Sum the amounts exactly as they will be stored: each milestone is
	// persisted at cent precision, so validating against the raw inputs
	// would let sub-cent amounts slip past the sum invariant.
	var sum float64
	for _, m := range input.Milestones {
		amount := entities.Round2(m.Amount)
		if amount <= 0 {
			return domainerrors.ErrInvalidInput
		}
		sum += amount
	}
	if entities.Round2(sum) != entities.Round2(input.TotalAmount) {
		return domainerrors.ErrMilestoneSumMismatch
	}
	return nil
}
