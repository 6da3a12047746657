package postgresadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"meridian/contexts/escrow-core/deal-service/domain/entities"
	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	"meridian/contexts/escrow-core/deal-service/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	outboxStatusPending   = "pending"
	outboxStatusPublished = "published"
)

// Repository backs every persistence port of the service with Postgres.
// Status transitions are compare-and-swap updates guarded by the stored
// status column, so two racing transitions resolve to one applied write
// and one no-op without explicit row locks.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) CreateDeal(ctx context.Context, deal entities.Deal, milestones []entities.Milestone) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := dealModelFromEntity(deal)
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return domainerrors.ErrIdempotencyConflict
			}
			return r.logError("deal_repo_create_deal_failed", err, "deal_id", row.DealID)
		}
		for _, milestone := range milestones {
			milestoneRow := milestoneModelFromEntity(milestone)
			if err := tx.Create(&milestoneRow).Error; err != nil {
				return r.logError("deal_repo_create_milestone_failed", err,
					"deal_id", row.DealID,
					"milestone_id", milestoneRow.MilestoneID,
				)
			}
		}
		return nil
	})
}

func (r *Repository) GetDeal(ctx context.Context, dealID string) (entities.Deal, error) {
	var row dealModel
	err := r.db.WithContext(ctx).
		Where("deal_id = ?", strings.TrimSpace(dealID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Deal{}, domainerrors.ErrDealNotFound
		}
		return entities.Deal{}, r.logError("deal_repo_get_deal_failed", err, "deal_id", strings.TrimSpace(dealID))
	}
	return row.toEntity(), nil
}

func (r *Repository) UpdateDeal(ctx context.Context, deal entities.Deal, from entities.DealStatus) (bool, error) {
	row := dealModelFromEntity(deal)
	result := r.db.WithContext(ctx).
		Model(&dealModel{}).
		Where("deal_id = ?", row.DealID).
		Where("status = ?", string(from)).
		Updates(map[string]any{
			"creator_id":  row.CreatorID,
			"escrow_ref":  row.EscrowRef,
			"payment_ref": row.PaymentRef,
			"status":      row.Status,
			"funded_at":   row.FundedAt,
			"released_at": row.ReleasedAt,
			"refunded_at": row.RefundedAt,
			"disputed_at": row.DisputedAt,
			"updated_at":  row.UpdatedAt,
		})
	if result.Error != nil {
		return false, r.logError("deal_repo_update_deal_failed", result.Error,
			"deal_id", row.DealID,
			"from_status", string(from),
		)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&dealModel{}).
			Where("deal_id = ?", row.DealID).
			Count(&count).Error; err != nil {
			return false, r.logError("deal_repo_update_deal_recheck_failed", err, "deal_id", row.DealID)
		}
		if count == 0 {
			return false, domainerrors.ErrDealNotFound
		}
		return false, nil
	}
	return true, nil
}

func (r *Repository) ListDealsByBrand(ctx context.Context, brandID string, limit int, offset int) ([]entities.Deal, error) {
	return r.listDeals(ctx, "brand_id", brandID, limit, offset)
}

func (r *Repository) ListDealsByCreator(ctx context.Context, creatorID string, limit int, offset int) ([]entities.Deal, error) {
	return r.listDeals(ctx, "creator_id", creatorID, limit, offset)
}

func (r *Repository) listDeals(ctx context.Context, column string, value string, limit int, offset int) ([]entities.Deal, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []dealModel
	if err := r.db.WithContext(ctx).
		Where(column+" = ?", strings.TrimSpace(value)).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, r.logError("deal_repo_list_deals_failed", err, "filter_column", column)
	}
	items := make([]entities.Deal, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

func (r *Repository) GetMilestone(ctx context.Context, milestoneID string) (entities.Milestone, error) {
	var row milestoneModel
	err := r.db.WithContext(ctx).
		Where("milestone_id = ?", strings.TrimSpace(milestoneID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Milestone{}, domainerrors.ErrMilestoneNotFound
		}
		return entities.Milestone{}, r.logError("deal_repo_get_milestone_failed", err,
			"milestone_id", strings.TrimSpace(milestoneID),
		)
	}
	return row.toEntity(), nil
}

func (r *Repository) ListMilestonesByDeal(ctx context.Context, dealID string) ([]entities.Milestone, error) {
	var rows []milestoneModel
	if err := r.db.WithContext(ctx).
		Where("deal_id = ?", strings.TrimSpace(dealID)).
		Order("created_at ASC, milestone_id ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("deal_repo_list_milestones_failed", err, "deal_id", strings.TrimSpace(dealID))
	}
	items := make([]entities.Milestone, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

func (r *Repository) UpdateMilestone(ctx context.Context, milestone entities.Milestone, from entities.MilestoneStatus) (bool, error) {
	row := milestoneModelFromEntity(milestone)
	result := r.db.WithContext(ctx).
		Model(&milestoneModel{}).
		Where("milestone_id = ?", row.MilestoneID).
		Where("status = ?", string(from)).
		Updates(map[string]any{
			"status":          row.Status,
			"submitted_at":    row.SubmittedAt,
			"approved_at":     row.ApprovedAt,
			"released_at":     row.ReleasedAt,
			"payout_paid_at":  row.PayoutPaidAt,
			"payout_ref":      row.PayoutRef,
			"approved_by":     row.ApprovedBy,
			"approval_reason": row.ApprovalReason,
			"updated_at":      row.UpdatedAt,
		})
	if result.Error != nil {
		return false, r.logError("deal_repo_update_milestone_failed", result.Error,
			"milestone_id", row.MilestoneID,
			"from_status", string(from),
		)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&milestoneModel{}).
			Where("milestone_id = ?", row.MilestoneID).
			Count(&count).Error; err != nil {
			return false, r.logError("deal_repo_update_milestone_recheck_failed", err, "milestone_id", row.MilestoneID)
		}
		if count == 0 {
			return false, domainerrors.ErrMilestoneNotFound
		}
		return false, nil
	}
	return true, nil
}

func (r *Repository) CreateDeliverable(ctx context.Context, deliverable entities.Deliverable) error {
	row := deliverableModelFromEntity(deliverable)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return domainerrors.ErrIdempotencyConflict
		}
		return r.logError("deal_repo_create_deliverable_failed", err,
			"deliverable_id", row.DeliverableID,
			"milestone_id", row.MilestoneID,
		)
	}
	return nil
}

func (r *Repository) UpdateDeliverable(ctx context.Context, deliverable entities.Deliverable) error {
	row := deliverableModelFromEntity(deliverable)
	result := r.db.WithContext(ctx).
		Model(&deliverableModel{}).
		Where("deliverable_id = ?", row.DeliverableID).
		Updates(map[string]any{
			"outcome":     row.Outcome,
			"feedback":    row.Feedback,
			"reviewed_at": row.ReviewedAt,
		})
	if result.Error != nil {
		return r.logError("deal_repo_update_deliverable_failed", result.Error,
			"deliverable_id", row.DeliverableID,
		)
	}
	if result.RowsAffected == 0 {
		return domainerrors.ErrInvalidInput
	}
	return nil
}

func (r *Repository) LatestDeliverable(ctx context.Context, milestoneID string) (entities.Deliverable, bool, error) {
	var row deliverableModel
	err := r.db.WithContext(ctx).
		Where("milestone_id = ?", strings.TrimSpace(milestoneID)).
		Order("submitted_at DESC").
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Deliverable{}, false, nil
		}
		return entities.Deliverable{}, false, r.logError("deal_repo_latest_deliverable_failed", err,
			"milestone_id", strings.TrimSpace(milestoneID),
		)
	}
	return row.toEntity(), true, nil
}

func (r *Repository) ListDeliverablesByMilestone(ctx context.Context, milestoneID string) ([]entities.Deliverable, error) {
	var rows []deliverableModel
	if err := r.db.WithContext(ctx).
		Where("milestone_id = ?", strings.TrimSpace(milestoneID)).
		Order("submitted_at ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("deal_repo_list_deliverables_failed", err,
			"milestone_id", strings.TrimSpace(milestoneID),
		)
	}
	items := make([]entities.Deliverable, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

func (r *Repository) AppendAudit(ctx context.Context, entry entities.EventLogEntry) error {
	row := auditModel{
		AuditID:     strings.TrimSpace(entry.AuditID),
		DealID:      strings.TrimSpace(entry.DealID),
		MilestoneID: strings.TrimSpace(entry.MilestoneID),
		Action:      strings.TrimSpace(entry.Action),
		OldState:    entry.OldState,
		NewState:    entry.NewState,
		ActorID:     strings.TrimSpace(entry.ActorID),
		ActorRole:   strings.TrimSpace(entry.ActorRole),
		Reason:      entry.Reason,
		Detail:      entry.Detail,
		CreatedAt:   entry.CreatedAt.UTC(),
	}
	if row.AuditID == "" {
		row.AuditID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return r.logError("deal_repo_append_audit_failed", err,
			"audit_id", row.AuditID,
			"deal_id", row.DealID,
			"action", row.Action,
		)
	}
	return nil
}

func (r *Repository) ListAuditsByDeal(ctx context.Context, dealID string, limit int) ([]entities.EventLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditModel
	if err := r.db.WithContext(ctx).
		Where("deal_id = ?", strings.TrimSpace(dealID)).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, r.logError("deal_repo_list_audits_failed", err, "deal_id", strings.TrimSpace(dealID))
	}
	items := make([]entities.EventLogEntry, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

func (r *Repository) GetRecord(ctx context.Context, key string, now time.Time) (ports.IdempotencyRecord, bool, error) {
	var row idempotencyModel
	err := r.db.WithContext(ctx).
		Where("key = ?", strings.TrimSpace(key)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.IdempotencyRecord{}, false, nil
		}
		return ports.IdempotencyRecord{}, false, r.logError("deal_repo_idempotency_get_failed", err,
			"idempotency_key", strings.TrimSpace(key),
		)
	}
	if !row.ExpiresAt.IsZero() && now.UTC().After(row.ExpiresAt.UTC()) {
		if err := r.db.WithContext(ctx).
			Where("key = ?", strings.TrimSpace(key)).
			Delete(&idempotencyModel{}).Error; err != nil {
			return ports.IdempotencyRecord{}, false, r.logError("deal_repo_idempotency_expire_delete_failed", err,
				"idempotency_key", strings.TrimSpace(key),
			)
		}
		return ports.IdempotencyRecord{}, false, nil
	}
	return ports.IdempotencyRecord{
		Key:             row.Key,
		RequestHash:     row.RequestHash,
		ResponsePayload: append([]byte(nil), row.ResponsePayload...),
		ExpiresAt:       row.ExpiresAt.UTC(),
	}, true, nil
}

func (r *Repository) PutRecord(ctx context.Context, record ports.IdempotencyRecord) error {
	row := idempotencyModel{
		Key:             strings.TrimSpace(record.Key),
		RequestHash:     strings.TrimSpace(record.RequestHash),
		ResponsePayload: append([]byte(nil), record.ResponsePayload...),
		ExpiresAt:       record.ExpiresAt.UTC(),
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return r.logError("deal_repo_idempotency_put_failed", create.Error, "idempotency_key", row.Key)
	}
	if create.RowsAffected > 0 {
		return nil
	}

	var existing idempotencyModel
	if err := r.db.WithContext(ctx).
		Where("key = ?", row.Key).
		First(&existing).Error; err != nil {
		return r.logError("deal_repo_idempotency_load_existing_failed", err, "idempotency_key", row.Key)
	}
	if existing.RequestHash != row.RequestHash || !bytes.Equal(existing.ResponsePayload, row.ResponsePayload) {
		return domainerrors.ErrIdempotencyConflict
	}
	return nil
}

func (r *Repository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&eventDedupModel{}).
		Where("event_id = ?", strings.TrimSpace(eventID)).
		Count(&count).Error; err != nil {
		return false, r.logError("deal_repo_dedup_check_failed", err, "provider_event_id", strings.TrimSpace(eventID))
	}
	return count > 0, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, record entities.ExternalEventRecord) error {
	row := eventDedupModel{
		EventID:     strings.TrimSpace(record.EventID),
		EventType:   strings.TrimSpace(record.EventType),
		ProcessedAt: record.ProcessedAt.UTC(),
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return r.logError("deal_repo_dedup_mark_failed", create.Error, "provider_event_id", row.EventID)
	}
	return nil
}

func (r *Repository) AppendOutbox(ctx context.Context, envelope ports.EventEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return r.logError("deal_repo_append_outbox_marshal_failed", err,
			"event_id", strings.TrimSpace(envelope.EventID),
			"event_type", strings.TrimSpace(envelope.EventType),
		)
	}
	row := outboxModel{
		OutboxID:     strings.TrimSpace(envelope.EventID),
		EventType:    strings.TrimSpace(envelope.EventType),
		PartitionKey: strings.TrimSpace(envelope.PartitionKey),
		Payload:      payload,
		Status:       outboxStatusPending,
		CreatedAt:    envelope.OccurredAt.UTC(),
	}
	if row.OutboxID == "" {
		row.OutboxID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "outbox_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return r.logError("deal_repo_append_outbox_insert_failed", create.Error, "outbox_id", row.OutboxID)
	}
	if create.RowsAffected > 0 {
		return nil
	}

	var existing outboxModel
	if err := r.db.WithContext(ctx).
		Select("payload").
		Where("outbox_id = ?", row.OutboxID).
		First(&existing).Error; err != nil {
		return r.logError("deal_repo_append_outbox_load_existing_failed", err, "outbox_id", row.OutboxID)
	}
	if !bytes.Equal(existing.Payload, row.Payload) {
		return domainerrors.ErrIdempotencyConflict
	}
	return nil
}

func (r *Repository) ListPendingOutbox(ctx context.Context, limit int) ([]ports.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []outboxModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", outboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, r.logError("deal_repo_list_pending_outbox_failed", err, "limit", limit)
	}
	items := make([]ports.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		items = append(items, ports.OutboxMessage{
			OutboxID:     row.OutboxID,
			EventType:    row.EventType,
			PartitionKey: row.PartitionKey,
			Payload:      append([]byte(nil), row.Payload...),
			CreatedAt:    row.CreatedAt.UTC(),
		})
	}
	return items, nil
}

func (r *Repository) MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("outbox_id = ?", strings.TrimSpace(outboxID)).
		Updates(map[string]any{
			"status":       outboxStatusPublished,
			"published_at": publishedAt.UTC(),
		})
	if result.Error != nil {
		return r.logError("deal_repo_mark_outbox_published_failed", result.Error,
			"outbox_id", strings.TrimSpace(outboxID),
		)
	}
	if result.RowsAffected == 0 {
		return domainerrors.ErrInvalidInput
	}
	return nil
}

func (r *Repository) Schedule(ctx context.Context, job entities.ReleaseJob) error {
	row := releaseJobModel{
		MilestoneID:   strings.TrimSpace(job.MilestoneID),
		DealID:        strings.TrimSpace(job.DealID),
		FireAt:        job.FireAt.UTC(),
		Attempts:      job.Attempts,
		NextAttemptAt: job.NextAttemptAt.UTC(),
		CreatedAt:     job.CreatedAt.UTC(),
	}
	if row.NextAttemptAt.IsZero() {
		row.NextAttemptAt = row.FireAt
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "milestone_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"fire_at":         row.FireAt,
			"attempts":        row.Attempts,
			"next_attempt_at": row.NextAttemptAt,
		}),
	}).Create(&row)
	if create.Error != nil {
		return r.logError("deal_repo_schedule_release_failed", create.Error, "milestone_id", row.MilestoneID)
	}
	return nil
}

func (r *Repository) Cancel(ctx context.Context, milestoneID string) error {
	if err := r.db.WithContext(ctx).
		Where("milestone_id = ?", strings.TrimSpace(milestoneID)).
		Delete(&releaseJobModel{}).Error; err != nil {
		return r.logError("deal_repo_cancel_release_failed", err, "milestone_id", strings.TrimSpace(milestoneID))
	}
	return nil
}

func (r *Repository) DueJobs(ctx context.Context, now time.Time, limit int) ([]entities.ReleaseJob, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []releaseJobModel
	if err := r.db.WithContext(ctx).
		Where("next_attempt_at <= ?", now.UTC()).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, r.logError("deal_repo_due_jobs_failed", err, "limit", limit)
	}
	items := make([]entities.ReleaseJob, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

func (r *Repository) Reschedule(ctx context.Context, milestoneID string, nextAt time.Time, attempts int) error {
	if err := r.db.WithContext(ctx).
		Model(&releaseJobModel{}).
		Where("milestone_id = ?", strings.TrimSpace(milestoneID)).
		Updates(map[string]any{
			"attempts":        attempts,
			"next_attempt_at": nextAt.UTC(),
		}).Error; err != nil {
		return r.logError("deal_repo_reschedule_release_failed", err,
			"milestone_id", strings.TrimSpace(milestoneID),
		)
	}
	return nil
}

func (r *Repository) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "escrow-core/deal-service",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("deal repository operation failed", fields...)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ ports.Repository = (*Repository)(nil)
var _ ports.EventLog = (*Repository)(nil)
var _ ports.IdempotencyStore = (*Repository)(nil)
var _ ports.EventDedupStore = (*Repository)(nil)
var _ ports.OutboxWriter = (*Repository)(nil)
var _ ports.OutboxRepository = (*Repository)(nil)
var _ ports.ReleaseScheduler = (*Repository)(nil)
