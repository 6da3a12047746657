package application

import (
	"context"
	"errors"
	"strings"

	"meridian/contexts/escrow-core/deal-service/domain/entities"
	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	"meridian/contexts/escrow-core/deal-service/ports"
)

type SubmitMilestoneInput struct {
	MilestoneID string
	SubmitterID string
	ContentRef  string
	Description string
}

type SubmitMilestoneResult struct {
	Milestone   entities.Milestone
	Deliverable entities.Deliverable
}

// SubmitMilestone records a deliverable against a pending milestone of a
// funded deal and starts the auto-release clock.
func (s Service) SubmitMilestone(ctx context.Context, input SubmitMilestoneInput) (SubmitMilestoneResult, error) {
	input.MilestoneID = strings.TrimSpace(input.MilestoneID)
	input.SubmitterID = strings.TrimSpace(input.SubmitterID)
	input.ContentRef = strings.TrimSpace(input.ContentRef)
	if input.MilestoneID == "" || input.SubmitterID == "" || input.ContentRef == "" {
		return SubmitMilestoneResult{}, domainerrors.ErrInvalidInput
	}

	milestone, err := s.Repo.GetMilestone(ctx, input.MilestoneID)
	if err != nil {
		return SubmitMilestoneResult{}, err
	}
	deal, err := s.Repo.GetDeal(ctx, milestone.DealID)
	if err != nil {
		return SubmitMilestoneResult{}, err
	}
	if deal.CreatorID == "" || deal.CreatorID != input.SubmitterID {
		return SubmitMilestoneResult{}, domainerrors.ErrForbidden
	}
	if milestone.Status != entities.MilestoneStatusPending || deal.Status != entities.DealStatusFunded {
		return SubmitMilestoneResult{}, domainerrors.ErrInvalidState
	}

	now := s.now()
	deliverableID, err := s.newID(ctx)
	if err != nil {
		return SubmitMilestoneResult{}, err
	}
	deliverable := entities.Deliverable{
		DeliverableID: deliverableID,
		MilestoneID:   milestone.MilestoneID,
		SubmitterID:   input.SubmitterID,
		ContentRef:    input.ContentRef,
		Description:   strings.TrimSpace(input.Description),
		Outcome:       entities.DeliverableOutcomeNone,
		SubmittedAt:   now,
	}
	if err := s.Repo.CreateDeliverable(ctx, deliverable); err != nil {
		return SubmitMilestoneResult{}, err
	}

	milestone.Status = entities.MilestoneStatusSubmitted
	milestone.SubmittedAt = &now
	milestone.UpdatedAt = now
	applied, err := s.Repo.UpdateMilestone(ctx, milestone, entities.MilestoneStatusPending)
	if err != nil {
		return SubmitMilestoneResult{}, err
	}
	if !applied {
		return SubmitMilestoneResult{}, domainerrors.ErrInvalidState
	}

	if deal.AutoReleaseEnabled {
		fireAt := now.Add(deal.AutoReleaseDelay())
		if err := s.scheduleJob(ctx, entities.ReleaseJob{
			MilestoneID:   milestone.MilestoneID,
			DealID:        deal.DealID,
			FireAt:        fireAt,
			NextAttemptAt: fireAt,
			CreatedAt:     now,
		}); err != nil {
			return SubmitMilestoneResult{}, err
		}
	}

	s.appendAudit(ctx, deal.DealID, milestone.MilestoneID, "milestone_submitted", string(entities.MilestoneStatusPending), string(entities.MilestoneStatusSubmitted), input.SubmitterID, "creator", "", "")
	if err := s.appendOutboxEvent(ctx, EventMilestoneSubmitted, "milestone_id", milestone.MilestoneID, now, map[string]any{
		"milestone_id":   milestone.MilestoneID,
		"deal_id":        deal.DealID,
		"deliverable_id": deliverableID,
		"content_ref":    input.ContentRef,
	}); err != nil {
		return SubmitMilestoneResult{}, err
	}

	ResolveLogger(s.Logger).Info("milestone submitted",
		"event", "milestone_submitted",
		"module", "escrow-core/deal-service",
		"layer", "application",
		"milestone_id", milestone.MilestoneID,
		"deal_id", deal.DealID,
	)
	return SubmitMilestoneResult{Milestone: milestone, Deliverable: deliverable}, nil
}

type ReviewAction string

const (
	ReviewActionApprove         ReviewAction = "approve"
	ReviewActionReject          ReviewAction = "reject"
	ReviewActionRequestRevision ReviewAction = "request_revision"
)

type ReviewMilestoneInput struct {
	MilestoneID string
	ReviewerID  string
	Action      ReviewAction
	Feedback    string
}

type ReviewMilestoneResult struct {
	Milestone       entities.Milestone
	PayoutRef       string
	AlreadyResolved bool
}

// ReviewMilestone applies a brand's review verdict to a submitted milestone.
// Approval cancels the auto-release job, moves the milestone to approved
// under the status precondition, and then runs the provider release; a
// provider failure leaves the milestone approved so the release can be
// retried without re-approving. A review against an already-resolved
// milestone reports the current state instead of failing, since the caller's
// intent was achieved by another path.
func (s Service) ReviewMilestone(ctx context.Context, input ReviewMilestoneInput) (ReviewMilestoneResult, error) {
	input.MilestoneID = strings.TrimSpace(input.MilestoneID)
	input.ReviewerID = strings.TrimSpace(input.ReviewerID)
	if input.MilestoneID == "" || input.ReviewerID == "" {
		return ReviewMilestoneResult{}, domainerrors.ErrInvalidInput
	}
	if input.Action != ReviewActionApprove && input.Action != ReviewActionReject && input.Action != ReviewActionRequestRevision {
		return ReviewMilestoneResult{}, domainerrors.ErrInvalidInput
	}

	milestone, err := s.Repo.GetMilestone(ctx, input.MilestoneID)
	if err != nil {
		return ReviewMilestoneResult{}, err
	}
	deal, err := s.Repo.GetDeal(ctx, milestone.DealID)
	if err != nil {
		return ReviewMilestoneResult{}, err
	}
	if deal.BrandID != input.ReviewerID {
		return ReviewMilestoneResult{}, domainerrors.ErrForbidden
	}
	if milestone.Status != entities.MilestoneStatusSubmitted {
		if milestone.Status == entities.MilestoneStatusApproved || milestone.Status == entities.MilestoneStatusReleased {
			return ReviewMilestoneResult{Milestone: milestone, PayoutRef: milestone.PayoutRef, AlreadyResolved: true}, nil
		}
		return ReviewMilestoneResult{}, domainerrors.ErrInvalidState
	}

	deliverable, found, err := s.Repo.LatestDeliverable(ctx, milestone.MilestoneID)
	if err != nil {
		return ReviewMilestoneResult{}, err
	}
	if !found {
		return ReviewMilestoneResult{}, domainerrors.ErrDeliverableRequired
	}

	switch input.Action {
	case ReviewActionApprove:
		return s.approveAndRelease(ctx, deal, milestone, deliverable, input.ReviewerID, "brand", "manual_review", input.Feedback)
	default:
		return s.returnMilestone(ctx, deal, milestone, deliverable, input)
	}
}

// approveAndRelease is the shared approval path used by manual review, force
// release, and the auto-release worker. Exactly one caller wins the
// submitted→approved compare-and-swap; everyone else observes the already
// resolved state.
func (s Service) approveAndRelease(ctx context.Context, deal entities.Deal, milestone entities.Milestone, deliverable entities.Deliverable, actorID, actorRole, reason, feedback string) (ReviewMilestoneResult, error) {
	s.cancelJob(ctx, milestone.MilestoneID)

	now := s.now()
	milestone.Status = entities.MilestoneStatusApproved
	milestone.ApprovedAt = &now
	milestone.ApprovedBy = actorID
	milestone.ApprovalReason = reason
	milestone.UpdatedAt = now
	applied, err := s.Repo.UpdateMilestone(ctx, milestone, entities.MilestoneStatusSubmitted)
	if err != nil {
		return ReviewMilestoneResult{}, err
	}
	if !applied {
		current, err := s.Repo.GetMilestone(ctx, milestone.MilestoneID)
		if err != nil {
			return ReviewMilestoneResult{}, err
		}
		if current.Status == entities.MilestoneStatusApproved || current.Status == entities.MilestoneStatusReleased {
			return ReviewMilestoneResult{Milestone: current, PayoutRef: current.PayoutRef, AlreadyResolved: true}, nil
		}
		return ReviewMilestoneResult{}, domainerrors.ErrInvalidState
	}
	s.appendAudit(ctx, deal.DealID, milestone.MilestoneID, "milestone_approved", string(entities.MilestoneStatusSubmitted), string(entities.MilestoneStatusApproved), actorID, actorRole, reason, "")

	if deliverable.DeliverableID != "" {
		deliverable.Outcome = entities.DeliverableOutcomeApproved
		deliverable.Feedback = strings.TrimSpace(feedback)
		deliverable.ReviewedAt = &now
		if err := s.Repo.UpdateDeliverable(ctx, deliverable); err != nil {
			return ReviewMilestoneResult{}, err
		}
	}

	released, payoutRef, err := s.releaseApproved(ctx, deal, milestone, actorID, actorRole, reason)
	if err != nil {
		// Milestone stays approved; the release is retryable.
		return ReviewMilestoneResult{Milestone: milestone}, err
	}
	return ReviewMilestoneResult{Milestone: released, PayoutRef: payoutRef}, nil
}

// releaseApproved transfers the milestone amount out of escrow and marks the
// milestone released once the provider confirms. It never advances state on
// an unconfirmed provider call.
func (s Service) releaseApproved(ctx context.Context, deal entities.Deal, milestone entities.Milestone, actorID, actorRole, reason string) (entities.Milestone, string, error) {
	providerCtx, cancel := s.providerContext(ctx)
	defer cancel()

	payoutRef, err := s.Provider.ReleaseToCreator(providerCtx, deal.EscrowRef, milestone.Amount, deal.CreatorID, ports.ReleaseMetadata{
		DealID:      deal.DealID,
		MilestoneID: milestone.MilestoneID,
		Reason:      reason,
	}, "release:"+milestone.MilestoneID)
	if err != nil {
		s.appendAudit(ctx, deal.DealID, milestone.MilestoneID, "milestone_release_failed", string(entities.MilestoneStatusApproved), string(entities.MilestoneStatusApproved), actorID, actorRole, reason, err.Error())
		ResolveLogger(s.Logger).Error("milestone release failed",
			"event", "milestone_release_failed",
			"module", "escrow-core/deal-service",
			"layer", "application",
			"milestone_id", milestone.MilestoneID,
			"deal_id", deal.DealID,
			"error", err.Error(),
		)
		return milestone, "", err
	}

	now := s.now()
	milestone.Status = entities.MilestoneStatusReleased
	milestone.ReleasedAt = &now
	milestone.PayoutRef = payoutRef
	milestone.UpdatedAt = now
	applied, err := s.Repo.UpdateMilestone(ctx, milestone, entities.MilestoneStatusApproved)
	if err != nil {
		return milestone, "", err
	}
	if !applied {
		current, err := s.Repo.GetMilestone(ctx, milestone.MilestoneID)
		if err != nil {
			return milestone, "", err
		}
		return current, current.PayoutRef, nil
	}

	s.appendAudit(ctx, deal.DealID, milestone.MilestoneID, "milestone_released", string(entities.MilestoneStatusApproved), string(entities.MilestoneStatusReleased), actorID, actorRole, reason, "")
	if err := s.appendOutboxEvent(ctx, EventMilestoneReleased, "milestone_id", milestone.MilestoneID, now, map[string]any{
		"milestone_id": milestone.MilestoneID,
		"deal_id":      deal.DealID,
		"payout_ref":   payoutRef,
		"amount":       milestone.Amount,
	}); err != nil {
		return milestone, "", err
	}

	if err := s.completeDealIfDone(ctx, deal.DealID, actorID); err != nil {
		return milestone, "", err
	}

	ResolveLogger(s.Logger).Info("milestone released",
		"event", "milestone_released",
		"module", "escrow-core/deal-service",
		"layer", "application",
		"milestone_id", milestone.MilestoneID,
		"deal_id", deal.DealID,
		"payout_ref", payoutRef,
		"amount", milestone.Amount,
	)
	return milestone, payoutRef, nil
}

// returnMilestone handles reject and request_revision: the auto-release job
// is canceled, the submission timestamp cleared, and the milestone goes back
// to pending so the creator can resubmit.
func (s Service) returnMilestone(ctx context.Context, deal entities.Deal, milestone entities.Milestone, deliverable entities.Deliverable, input ReviewMilestoneInput) (ReviewMilestoneResult, error) {
	s.cancelJob(ctx, milestone.MilestoneID)

	now := s.now()
	milestone.Status = entities.MilestoneStatusPending
	milestone.SubmittedAt = nil
	milestone.UpdatedAt = now
	applied, err := s.Repo.UpdateMilestone(ctx, milestone, entities.MilestoneStatusSubmitted)
	if err != nil {
		return ReviewMilestoneResult{}, err
	}
	if !applied {
		current, err := s.Repo.GetMilestone(ctx, milestone.MilestoneID)
		if err != nil {
			return ReviewMilestoneResult{}, err
		}
		if current.Status == entities.MilestoneStatusApproved || current.Status == entities.MilestoneStatusReleased {
			return ReviewMilestoneResult{Milestone: current, PayoutRef: current.PayoutRef, AlreadyResolved: true}, nil
		}
		return ReviewMilestoneResult{}, domainerrors.ErrInvalidState
	}

	outcome := entities.DeliverableOutcomeRejected
	if input.Action == ReviewActionRequestRevision {
		outcome = entities.DeliverableOutcomeRevisionRequested
	}
	deliverable.Outcome = outcome
	deliverable.Feedback = strings.TrimSpace(input.Feedback)
	deliverable.ReviewedAt = &now
	if err := s.Repo.UpdateDeliverable(ctx, deliverable); err != nil {
		return ReviewMilestoneResult{}, err
	}

	s.appendAudit(ctx, deal.DealID, milestone.MilestoneID, "milestone_returned", string(entities.MilestoneStatusSubmitted), string(entities.MilestoneStatusPending), input.ReviewerID, "brand", string(input.Action), input.Feedback)
	if err := s.appendOutboxEvent(ctx, EventMilestoneReturned, "milestone_id", milestone.MilestoneID, now, map[string]any{
		"milestone_id": milestone.MilestoneID,
		"deal_id":      deal.DealID,
		"action":       string(input.Action),
	}); err != nil {
		return ReviewMilestoneResult{}, err
	}

	ResolveLogger(s.Logger).Info("milestone returned for revision",
		"event", "milestone_returned",
		"module", "escrow-core/deal-service",
		"layer", "application",
		"milestone_id", milestone.MilestoneID,
		"deal_id", deal.DealID,
		"action", string(input.Action),
	)
	return ReviewMilestoneResult{Milestone: milestone}, nil
}

// RetryRelease completes the payout of an approved milestone whose earlier
// release attempt failed, without re-running the approval.
func (s Service) RetryRelease(ctx context.Context, milestoneID, actorID string) (ReviewMilestoneResult, error) {
	milestoneID = strings.TrimSpace(milestoneID)
	actorID = strings.TrimSpace(actorID)
	if milestoneID == "" || actorID == "" {
		return ReviewMilestoneResult{}, domainerrors.ErrInvalidInput
	}
	milestone, err := s.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return ReviewMilestoneResult{}, err
	}
	deal, err := s.Repo.GetDeal(ctx, milestone.DealID)
	if err != nil {
		return ReviewMilestoneResult{}, err
	}
	if milestone.Status == entities.MilestoneStatusReleased {
		return ReviewMilestoneResult{Milestone: milestone, PayoutRef: milestone.PayoutRef, AlreadyResolved: true}, nil
	}
	if milestone.Status != entities.MilestoneStatusApproved {
		return ReviewMilestoneResult{}, domainerrors.ErrInvalidState
	}

	released, payoutRef, err := s.releaseApproved(ctx, deal, milestone, actorID, "admin", "release_retry")
	if err != nil {
		return ReviewMilestoneResult{Milestone: milestone}, err
	}
	return ReviewMilestoneResult{Milestone: released, PayoutRef: payoutRef}, nil
}

// ForceRelease is the administrative override: it bypasses normal review and
// pays out a submitted or approved milestone, recording the reason.
func (s Service) ForceRelease(ctx context.Context, milestoneID, actorID, reason string) (ReviewMilestoneResult, error) {
	milestoneID = strings.TrimSpace(milestoneID)
	actorID = strings.TrimSpace(actorID)
	if milestoneID == "" || actorID == "" {
		return ReviewMilestoneResult{}, domainerrors.ErrInvalidInput
	}
	if strings.TrimSpace(reason) == "" {
		reason = "force_release"
	}

	milestone, err := s.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return ReviewMilestoneResult{}, err
	}
	deal, err := s.Repo.GetDeal(ctx, milestone.DealID)
	if err != nil {
		return ReviewMilestoneResult{}, err
	}

	switch milestone.Status {
	case entities.MilestoneStatusReleased:
		return ReviewMilestoneResult{Milestone: milestone, PayoutRef: milestone.PayoutRef, AlreadyResolved: true}, nil
	case entities.MilestoneStatusSubmitted:
		deliverable, _, err := s.Repo.LatestDeliverable(ctx, milestoneID)
		if err != nil {
			return ReviewMilestoneResult{}, err
		}
		return s.approveAndRelease(ctx, deal, milestone, deliverable, actorID, "admin", reason, "")
	case entities.MilestoneStatusApproved:
		s.cancelJob(ctx, milestoneID)
		released, payoutRef, err := s.releaseApproved(ctx, deal, milestone, actorID, "admin", reason)
		if err != nil {
			return ReviewMilestoneResult{Milestone: milestone}, err
		}
		return ReviewMilestoneResult{Milestone: released, PayoutRef: payoutRef}, nil
	default:
		return ReviewMilestoneResult{}, domainerrors.ErrInvalidState
	}
}

// AutoRelease performs the scheduler-fired default approval. A milestone
// that was resolved before the timer fired is a benign no-op: the job is
// simply dropped.
func (s Service) AutoRelease(ctx context.Context, job entities.ReleaseJob) (bool, error) {
	milestone, err := s.Repo.GetMilestone(ctx, job.MilestoneID)
	if err != nil {
		if errors.Is(err, domainerrors.ErrMilestoneNotFound) {
			return false, nil
		}
		return false, err
	}
	if milestone.Status != entities.MilestoneStatusSubmitted {
		return false, nil
	}
	deal, err := s.Repo.GetDeal(ctx, milestone.DealID)
	if err != nil {
		return false, err
	}
	if deal.Status != entities.DealStatusFunded {
		// Disputed or resolved deals stop the clock.
		return false, nil
	}

	deliverable, _, err := s.Repo.LatestDeliverable(ctx, milestone.MilestoneID)
	if err != nil {
		return false, err
	}
	result, err := s.approveAndRelease(ctx, deal, milestone, deliverable, "system", "system", "auto_release_timeout", "")
	if err != nil {
		return false, err
	}
	return !result.AlreadyResolved, nil
}

// completeDealIfDone derives the deal's released state: when the last
// unreleased milestone releases, the deal follows.
func (s Service) completeDealIfDone(ctx context.Context, dealID, actorID string) error {
	milestones, err := s.Repo.ListMilestonesByDeal(ctx, dealID)
	if err != nil {
		return err
	}
	for _, m := range milestones {
		if m.Status != entities.MilestoneStatusReleased {
			return nil
		}
	}

	deal, err := s.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.Status != entities.DealStatusFunded {
		return nil
	}

	now := s.now()
	deal.Status = entities.DealStatusReleased
	deal.ReleasedAt = &now
	deal.UpdatedAt = now
	applied, err := s.Repo.UpdateDeal(ctx, deal, entities.DealStatusFunded)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	s.appendAudit(ctx, dealID, "", "deal_released", string(entities.DealStatusFunded), string(entities.DealStatusReleased), actorID, "system", "all_milestones_released", "")
	return s.appendOutboxEvent(ctx, EventDealReleased, "deal_id", dealID, now, map[string]any{
		"deal_id": dealID,
	})
}

func (s Service) scheduleJob(ctx context.Context, job entities.ReleaseJob) error {
	if s.Scheduler == nil {
		return nil
	}
	return s.Scheduler.Schedule(ctx, job)
}

// cancelJob is best-effort and idempotent: canceling a missing or already
// fired job must not fail the surrounding transition.
func (s Service) cancelJob(ctx context.Context, milestoneID string) {
	if s.Scheduler == nil {
		return
	}
	if err := s.Scheduler.Cancel(ctx, milestoneID); err != nil {
		ResolveLogger(s.Logger).Warn("release job cancel failed",
			"event", "release_job_cancel_failed",
			"module", "escrow-core/deal-service",
			"layer", "application",
			"milestone_id", milestoneID,
			"error", err.Error(),
		)
	}
}
