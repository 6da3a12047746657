package application

import (
	"context"
	"strings"

	"meridian/contexts/escrow-core/deal-service/domain/entities"
	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
)

type MilestoneWithDeliverables struct {
	Milestone    entities.Milestone
	Deliverables []entities.Deliverable
}

func (s Service) GetDeal(ctx context.Context, dealID string) (DealWithMilestones, error) {
	dealID = strings.TrimSpace(dealID)
	if dealID == "" {
		return DealWithMilestones{}, domainerrors.ErrInvalidInput
	}
	deal, err := s.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return DealWithMilestones{}, err
	}
	milestones, err := s.Repo.ListMilestonesByDeal(ctx, dealID)
	if err != nil {
		return DealWithMilestones{}, err
	}
	return DealWithMilestones{Deal: deal, Milestones: milestones}, nil
}

func (s Service) GetMilestone(ctx context.Context, milestoneID string) (MilestoneWithDeliverables, error) {
	milestoneID = strings.TrimSpace(milestoneID)
	if milestoneID == "" {
		return MilestoneWithDeliverables{}, domainerrors.ErrInvalidInput
	}
	milestone, err := s.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return MilestoneWithDeliverables{}, err
	}
	deliverables, err := s.Repo.ListDeliverablesByMilestone(ctx, milestoneID)
	if err != nil {
		return MilestoneWithDeliverables{}, err
	}
	return MilestoneWithDeliverables{Milestone: milestone, Deliverables: deliverables}, nil
}

func (s Service) ListDealsByBrand(ctx context.Context, brandID string, limit, offset int) ([]entities.Deal, error) {
	brandID = strings.TrimSpace(brandID)
	if brandID == "" {
		return nil, domainerrors.ErrInvalidInput
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.Repo.ListDealsByBrand(ctx, brandID, limit, offset)
}

func (s Service) ListDealsByCreator(ctx context.Context, creatorID string, limit, offset int) ([]entities.Deal, error) {
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return nil, domainerrors.ErrInvalidInput
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.Repo.ListDealsByCreator(ctx, creatorID, limit, offset)
}

func (s Service) ListDealEvents(ctx context.Context, dealID string, limit int) ([]entities.EventLogEntry, error) {
	dealID = strings.TrimSpace(dealID)
	if dealID == "" {
		return nil, domainerrors.ErrInvalidInput
	}
	if limit <= 0 {
		limit = 100
	}
	return s.EventLog.ListAuditsByDeal(ctx, dealID, limit)
}
