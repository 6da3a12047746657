package httpadapter

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"meridian/contexts/escrow-core/deal-service/application"
	"meridian/contexts/escrow-core/deal-service/domain/entities"
	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	"meridian/contexts/escrow-core/deal-service/ports"
	httptransport "meridian/contexts/escrow-core/deal-service/transport/http"
)

type Handler struct {
	Service application.Service
	Logger  *slog.Logger
}

func (h Handler) CreateDealHandler(
	ctx context.Context,
	idempotencyKey string,
	req httptransport.CreateDealRequest,
) (httptransport.DealResponse, error) {
	input := application.CreateDealInput{
		BrandID:              strings.TrimSpace(req.BrandID),
		CreatorID:            strings.TrimSpace(req.CreatorID),
		TotalAmount:          req.TotalAmount,
		Currency:             strings.TrimSpace(req.Currency),
		AutoReleaseEnabled:   req.AutoReleaseEnabled,
		AutoReleaseDelayDays: req.AutoReleaseDelayDays,
	}
	for _, m := range req.Milestones {
		milestone := application.MilestoneInput{
			Title:  strings.TrimSpace(m.Title),
			Amount: m.Amount,
		}
		if strings.TrimSpace(m.DueAt) != "" {
			dueAt, err := time.Parse(time.RFC3339, m.DueAt)
			if err != nil {
				return httptransport.DealResponse{}, domainerrors.ErrInvalidInput
			}
			utc := dueAt.UTC()
			milestone.DueAt = &utc
		}
		input.Milestones = append(input.Milestones, milestone)
	}

	result, replayed, err := h.Service.CreateDeal(ctx, idempotencyKey, input)
	if err != nil {
		return httptransport.DealResponse{}, err
	}
	return toDealResponse(result.Deal, result.Milestones, replayed), nil
}

func (h Handler) AcceptDealHandler(ctx context.Context, dealID string, req httptransport.AcceptDealRequest) (httptransport.DealResponse, error) {
	deal, err := h.Service.AcceptDeal(ctx, dealID, strings.TrimSpace(req.CreatorID))
	if err != nil {
		return httptransport.DealResponse{}, err
	}
	return toDealResponse(deal, nil, false), nil
}

func (h Handler) FundDealHandler(
	ctx context.Context,
	idempotencyKey string,
	actorID string,
	dealID string,
	req httptransport.FundDealRequest,
) (httptransport.DealResponse, error) {
	deal, replayed, err := h.Service.FundDeal(ctx, idempotencyKey, application.FundDealInput{
		DealID:   strings.TrimSpace(dealID),
		ActorID:  strings.TrimSpace(actorID),
		PayerRef: strings.TrimSpace(req.PayerRef),
	})
	if err != nil {
		return httptransport.DealResponse{}, err
	}
	return toDealResponse(deal, nil, replayed), nil
}

func (h Handler) DisputeDealHandler(ctx context.Context, actorID string, dealID string, req httptransport.DisputeDealRequest) (httptransport.DealResponse, error) {
	deal, err := h.Service.DisputeDeal(ctx, dealID, actorID, strings.TrimSpace(req.Reason))
	if err != nil {
		return httptransport.DealResponse{}, err
	}
	return toDealResponse(deal, nil, false), nil
}

func (h Handler) ResolveDisputeHandler(ctx context.Context, actorID string, dealID string, req httptransport.ResolveDisputeRequest) (httptransport.DealResponse, error) {
	deal, err := h.Service.ResolveDispute(
		ctx,
		dealID,
		actorID,
		application.DisputeResolution(strings.TrimSpace(req.Resolution)),
		strings.TrimSpace(req.Reason),
	)
	if err != nil {
		return httptransport.DealResponse{}, err
	}
	return toDealResponse(deal, nil, false), nil
}

func (h Handler) GetDealHandler(ctx context.Context, dealID string) (httptransport.DealResponse, error) {
	result, err := h.Service.GetDeal(ctx, dealID)
	if err != nil {
		return httptransport.DealResponse{}, err
	}
	return toDealResponse(result.Deal, result.Milestones, false), nil
}

func (h Handler) ListDealsByBrandHandler(ctx context.Context, brandID string, limit, offset int) (httptransport.ListDealsResponse, error) {
	deals, err := h.Service.ListDealsByBrand(ctx, brandID, limit, offset)
	if err != nil {
		return httptransport.ListDealsResponse{}, err
	}
	return toListDealsResponse(deals), nil
}

func (h Handler) ListDealsByCreatorHandler(ctx context.Context, creatorID string, limit, offset int) (httptransport.ListDealsResponse, error) {
	deals, err := h.Service.ListDealsByCreator(ctx, creatorID, limit, offset)
	if err != nil {
		return httptransport.ListDealsResponse{}, err
	}
	return toListDealsResponse(deals), nil
}

func (h Handler) ListDealEventsHandler(ctx context.Context, dealID string, limit int) (httptransport.ListEventsResponse, error) {
	entries, err := h.Service.ListDealEvents(ctx, dealID, limit)
	if err != nil {
		return httptransport.ListEventsResponse{}, err
	}
	resp := httptransport.ListEventsResponse{Items: make([]httptransport.EventLogEntryDTO, 0, len(entries))}
	for _, entry := range entries {
		resp.Items = append(resp.Items, httptransport.EventLogEntryDTO{
			AuditID:     entry.AuditID,
			DealID:      entry.DealID,
			MilestoneID: entry.MilestoneID,
			Action:      entry.Action,
			OldState:    entry.OldState,
			NewState:    entry.NewState,
			ActorID:     entry.ActorID,
			ActorRole:   entry.ActorRole,
			Reason:      entry.Reason,
			Detail:      entry.Detail,
			CreatedAt:   entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return resp, nil
}

func (h Handler) SubmitMilestoneHandler(
	ctx context.Context,
	actorID string,
	milestoneID string,
	req httptransport.SubmitMilestoneRequest,
) (httptransport.MilestoneResponse, error) {
	result, err := h.Service.SubmitMilestone(ctx, application.SubmitMilestoneInput{
		MilestoneID: strings.TrimSpace(milestoneID),
		SubmitterID: strings.TrimSpace(actorID),
		ContentRef:  strings.TrimSpace(req.ContentRef),
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		return httptransport.MilestoneResponse{}, err
	}
	return httptransport.MilestoneResponse{
		Milestone:    toMilestoneDTO(result.Milestone),
		Deliverables: []httptransport.DeliverableDTO{toDeliverableDTO(result.Deliverable)},
	}, nil
}

func (h Handler) ReviewMilestoneHandler(
	ctx context.Context,
	actorID string,
	milestoneID string,
	req httptransport.ReviewMilestoneRequest,
) (httptransport.MilestoneResponse, error) {
	result, err := h.Service.ReviewMilestone(ctx, application.ReviewMilestoneInput{
		MilestoneID: strings.TrimSpace(milestoneID),
		ReviewerID:  strings.TrimSpace(actorID),
		Action:      application.ReviewAction(strings.TrimSpace(req.Action)),
		Feedback:    strings.TrimSpace(req.Feedback),
	})
	if err != nil {
		return httptransport.MilestoneResponse{}, err
	}
	return toReviewResponse(result), nil
}

func (h Handler) ForceReleaseHandler(
	ctx context.Context,
	actorID string,
	milestoneID string,
	req httptransport.ForceReleaseRequest,
) (httptransport.MilestoneResponse, error) {
	result, err := h.Service.ForceRelease(ctx, milestoneID, actorID, strings.TrimSpace(req.Reason))
	if err != nil {
		return httptransport.MilestoneResponse{}, err
	}
	return toReviewResponse(result), nil
}

func (h Handler) RetryReleaseHandler(ctx context.Context, actorID string, milestoneID string) (httptransport.MilestoneResponse, error) {
	result, err := h.Service.RetryRelease(ctx, milestoneID, actorID)
	if err != nil {
		return httptransport.MilestoneResponse{}, err
	}
	return toReviewResponse(result), nil
}

func (h Handler) GetMilestoneHandler(ctx context.Context, milestoneID string) (httptransport.MilestoneResponse, error) {
	result, err := h.Service.GetMilestone(ctx, milestoneID)
	if err != nil {
		return httptransport.MilestoneResponse{}, err
	}
	resp := httptransport.MilestoneResponse{Milestone: toMilestoneDTO(result.Milestone)}
	for _, d := range result.Deliverables {
		resp.Deliverables = append(resp.Deliverables, toDeliverableDTO(d))
	}
	return resp, nil
}

func (h Handler) IngestWebhookHandler(ctx context.Context, req httptransport.WebhookEventRequest) (httptransport.WebhookAckResponse, error) {
	event := ports.ProviderEvent{
		EventID:   strings.TrimSpace(req.EventID),
		EventType: strings.TrimSpace(req.EventType),
		Data:      req.Data,
	}
	if strings.TrimSpace(req.OccurredAt) != "" {
		if occurredAt, err := time.Parse(time.RFC3339, req.OccurredAt); err == nil {
			event.OccurredAt = occurredAt.UTC()
		}
	}
	if err := h.Service.IngestProviderEvent(ctx, event); err != nil {
		return httptransport.WebhookAckResponse{}, err
	}
	return httptransport.WebhookAckResponse{Received: true}, nil
}

func toDealResponse(deal entities.Deal, milestones []entities.Milestone, replayed bool) httptransport.DealResponse {
	resp := httptransport.DealResponse{
		Deal:     toDealDTO(deal),
		Replayed: replayed,
	}
	for _, m := range milestones {
		resp.Milestones = append(resp.Milestones, toMilestoneDTO(m))
	}
	return resp
}

func toListDealsResponse(deals []entities.Deal) httptransport.ListDealsResponse {
	resp := httptransport.ListDealsResponse{Items: make([]httptransport.DealDTO, 0, len(deals))}
	for _, deal := range deals {
		resp.Items = append(resp.Items, toDealDTO(deal))
	}
	return resp
}

func toReviewResponse(result application.ReviewMilestoneResult) httptransport.MilestoneResponse {
	return httptransport.MilestoneResponse{
		Milestone:       toMilestoneDTO(result.Milestone),
		PayoutRef:       result.PayoutRef,
		AlreadyResolved: result.AlreadyResolved,
	}
}

func toDealDTO(deal entities.Deal) httptransport.DealDTO {
	return httptransport.DealDTO{
		DealID:               deal.DealID,
		BrandID:              deal.BrandID,
		CreatorID:            deal.CreatorID,
		TotalAmount:          deal.TotalAmount,
		Currency:             deal.Currency,
		EscrowRef:            deal.EscrowRef,
		PaymentRef:           deal.PaymentRef,
		Status:               string(deal.Status),
		AutoReleaseEnabled:   deal.AutoReleaseEnabled,
		AutoReleaseDelayDays: deal.AutoReleaseDelayDays,
		FundedAt:             formatOptionalTime(deal.FundedAt),
		ReleasedAt:           formatOptionalTime(deal.ReleasedAt),
		RefundedAt:           formatOptionalTime(deal.RefundedAt),
		DisputedAt:           formatOptionalTime(deal.DisputedAt),
		CreatedAt:            deal.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            deal.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toMilestoneDTO(milestone entities.Milestone) httptransport.MilestoneDTO {
	return httptransport.MilestoneDTO{
		MilestoneID:    milestone.MilestoneID,
		DealID:         milestone.DealID,
		Title:          milestone.Title,
		Amount:         milestone.Amount,
		DueAt:          formatOptionalTime(milestone.DueAt),
		Status:         string(milestone.Status),
		SubmittedAt:    formatOptionalTime(milestone.SubmittedAt),
		ApprovedAt:     formatOptionalTime(milestone.ApprovedAt),
		ReleasedAt:     formatOptionalTime(milestone.ReleasedAt),
		PayoutPaidAt:   formatOptionalTime(milestone.PayoutPaidAt),
		PayoutRef:      milestone.PayoutRef,
		ApprovedBy:     milestone.ApprovedBy,
		ApprovalReason: milestone.ApprovalReason,
	}
}

func toDeliverableDTO(deliverable entities.Deliverable) httptransport.DeliverableDTO {
	return httptransport.DeliverableDTO{
		DeliverableID: deliverable.DeliverableID,
		MilestoneID:   deliverable.MilestoneID,
		SubmitterID:   deliverable.SubmitterID,
		ContentRef:    deliverable.ContentRef,
		Description:   deliverable.Description,
		Outcome:       string(deliverable.Outcome),
		Feedback:      deliverable.Feedback,
		SubmittedAt:   deliverable.SubmittedAt.UTC().Format(time.RFC3339),
		ReviewedAt:    formatOptionalTime(deliverable.ReviewedAt),
	}
}

func formatOptionalTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
