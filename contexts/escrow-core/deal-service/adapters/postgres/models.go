package postgresadapter

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"meridian/contexts/escrow-core/deal-service/domain/entities"
)

type dealModel struct {
	DealID               string     `gorm:"column:deal_id;primaryKey"`
	BrandID              string     `gorm:"column:brand_id;index"`
	CreatorID            string     `gorm:"column:creator_id;index"`
	TotalAmount          float64    `gorm:"column:total_amount"`
	Currency             string     `gorm:"column:currency"`
	EscrowRef            string     `gorm:"column:escrow_ref"`
	PaymentRef           string     `gorm:"column:payment_ref"`
	Status               string     `gorm:"column:status;index"`
	AutoReleaseEnabled   bool       `gorm:"column:auto_release_enabled"`
	AutoReleaseDelayDays int        `gorm:"column:auto_release_delay_days"`
	FundedAt             *time.Time `gorm:"column:funded_at"`
	ReleasedAt           *time.Time `gorm:"column:released_at"`
	RefundedAt           *time.Time `gorm:"column:refunded_at"`
	DisputedAt           *time.Time `gorm:"column:disputed_at"`
	CreatedAt            time.Time  `gorm:"column:created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
}

func (dealModel) TableName() string {
	return "deals"
}

func dealModelFromEntity(deal entities.Deal) dealModel {
	return dealModel{
		DealID:               strings.TrimSpace(deal.DealID),
		BrandID:              strings.TrimSpace(deal.BrandID),
		CreatorID:            strings.TrimSpace(deal.CreatorID),
		TotalAmount:          deal.TotalAmount,
		Currency:             strings.TrimSpace(deal.Currency),
		EscrowRef:            strings.TrimSpace(deal.EscrowRef),
		PaymentRef:           strings.TrimSpace(deal.PaymentRef),
		Status:               string(deal.Status),
		AutoReleaseEnabled:   deal.AutoReleaseEnabled,
		AutoReleaseDelayDays: deal.AutoReleaseDelayDays,
		FundedAt:             normalizeOptionalTime(deal.FundedAt),
		ReleasedAt:           normalizeOptionalTime(deal.ReleasedAt),
		RefundedAt:           normalizeOptionalTime(deal.RefundedAt),
		DisputedAt:           normalizeOptionalTime(deal.DisputedAt),
		CreatedAt:            deal.CreatedAt.UTC(),
		UpdatedAt:            deal.UpdatedAt.UTC(),
	}
}

func (m dealModel) toEntity() entities.Deal {
	return entities.Deal{
		DealID:               m.DealID,
		BrandID:              m.BrandID,
		CreatorID:            m.CreatorID,
		TotalAmount:          m.TotalAmount,
		Currency:             m.Currency,
		EscrowRef:            m.EscrowRef,
		PaymentRef:           m.PaymentRef,
		Status:               entities.DealStatus(m.Status),
		AutoReleaseEnabled:   m.AutoReleaseEnabled,
		AutoReleaseDelayDays: m.AutoReleaseDelayDays,
		FundedAt:             normalizeOptionalTime(m.FundedAt),
		ReleasedAt:           normalizeOptionalTime(m.ReleasedAt),
		RefundedAt:           normalizeOptionalTime(m.RefundedAt),
		DisputedAt:           normalizeOptionalTime(m.DisputedAt),
		CreatedAt:            m.CreatedAt.UTC(),
		UpdatedAt:            m.UpdatedAt.UTC(),
	}
}

type milestoneModel struct {
	MilestoneID    string     `gorm:"column:milestone_id;primaryKey"`
	DealID         string     `gorm:"column:deal_id;index"`
	Title          string     `gorm:"column:title"`
	Amount         float64    `gorm:"column:amount"`
	DueAt          *time.Time `gorm:"column:due_at"`
	Status         string     `gorm:"column:status;index"`
	SubmittedAt    *time.Time `gorm:"column:submitted_at"`
	ApprovedAt     *time.Time `gorm:"column:approved_at"`
	ReleasedAt     *time.Time `gorm:"column:released_at"`
	PayoutPaidAt   *time.Time `gorm:"column:payout_paid_at"`
	PayoutRef      string     `gorm:"column:payout_ref"`
	ApprovedBy     string     `gorm:"column:approved_by"`
	ApprovalReason string     `gorm:"column:approval_reason"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
}

func (milestoneModel) TableName() string {
	return "milestones"
}

func milestoneModelFromEntity(milestone entities.Milestone) milestoneModel {
	return milestoneModel{
		MilestoneID:    strings.TrimSpace(milestone.MilestoneID),
		DealID:         strings.TrimSpace(milestone.DealID),
		Title:          strings.TrimSpace(milestone.Title),
		Amount:         milestone.Amount,
		DueAt:          normalizeOptionalTime(milestone.DueAt),
		Status:         string(milestone.Status),
		SubmittedAt:    normalizeOptionalTime(milestone.SubmittedAt),
		ApprovedAt:     normalizeOptionalTime(milestone.ApprovedAt),
		ReleasedAt:     normalizeOptionalTime(milestone.ReleasedAt),
		PayoutPaidAt:   normalizeOptionalTime(milestone.PayoutPaidAt),
		PayoutRef:      strings.TrimSpace(milestone.PayoutRef),
		ApprovedBy:     strings.TrimSpace(milestone.ApprovedBy),
		ApprovalReason: strings.TrimSpace(milestone.ApprovalReason),
		CreatedAt:      milestone.CreatedAt.UTC(),
		UpdatedAt:      milestone.UpdatedAt.UTC(),
	}
}

func (m milestoneModel) toEntity() entities.Milestone {
	return entities.Milestone{
		MilestoneID:    m.MilestoneID,
		DealID:         m.DealID,
		Title:          m.Title,
		Amount:         m.Amount,
		DueAt:          normalizeOptionalTime(m.DueAt),
		Status:         entities.MilestoneStatus(m.Status),
		SubmittedAt:    normalizeOptionalTime(m.SubmittedAt),
		ApprovedAt:     normalizeOptionalTime(m.ApprovedAt),
		ReleasedAt:     normalizeOptionalTime(m.ReleasedAt),
		PayoutPaidAt:   normalizeOptionalTime(m.PayoutPaidAt),
		PayoutRef:      m.PayoutRef,
		ApprovedBy:     m.ApprovedBy,
		ApprovalReason: m.ApprovalReason,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

type deliverableModel struct {
	DeliverableID string     `gorm:"column:deliverable_id;primaryKey"`
	MilestoneID   string     `gorm:"column:milestone_id;index"`
	SubmitterID   string     `gorm:"column:submitter_id"`
	ContentRef    string     `gorm:"column:content_ref"`
	Description   string     `gorm:"column:description"`
	Outcome       string     `gorm:"column:outcome"`
	Feedback      string     `gorm:"column:feedback"`
	SubmittedAt   time.Time  `gorm:"column:submitted_at"`
	ReviewedAt    *time.Time `gorm:"column:reviewed_at"`
}

func (deliverableModel) TableName() string {
	return "deliverables"
}

func deliverableModelFromEntity(deliverable entities.Deliverable) deliverableModel {
	return deliverableModel{
		DeliverableID: strings.TrimSpace(deliverable.DeliverableID),
		MilestoneID:   strings.TrimSpace(deliverable.MilestoneID),
		SubmitterID:   strings.TrimSpace(deliverable.SubmitterID),
		ContentRef:    strings.TrimSpace(deliverable.ContentRef),
		Description:   strings.TrimSpace(deliverable.Description),
		Outcome:       string(deliverable.Outcome),
		Feedback:      strings.TrimSpace(deliverable.Feedback),
		SubmittedAt:   deliverable.SubmittedAt.UTC(),
		ReviewedAt:    normalizeOptionalTime(deliverable.ReviewedAt),
	}
}

func (m deliverableModel) toEntity() entities.Deliverable {
	return entities.Deliverable{
		DeliverableID: m.DeliverableID,
		MilestoneID:   m.MilestoneID,
		SubmitterID:   m.SubmitterID,
		ContentRef:    m.ContentRef,
		Description:   m.Description,
		Outcome:       entities.DeliverableOutcome(m.Outcome),
		Feedback:      m.Feedback,
		SubmittedAt:   m.SubmittedAt.UTC(),
		ReviewedAt:    normalizeOptionalTime(m.ReviewedAt),
	}
}

type releaseJobModel struct {
	MilestoneID   string    `gorm:"column:milestone_id;primaryKey"`
	DealID        string    `gorm:"column:deal_id"`
	FireAt        time.Time `gorm:"column:fire_at"`
	Attempts      int       `gorm:"column:attempts"`
	NextAttemptAt time.Time `gorm:"column:next_attempt_at;index"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (releaseJobModel) TableName() string {
	return "release_jobs"
}

func (m releaseJobModel) toEntity() entities.ReleaseJob {
	return entities.ReleaseJob{
		MilestoneID:   m.MilestoneID,
		DealID:        m.DealID,
		FireAt:        m.FireAt.UTC(),
		Attempts:      m.Attempts,
		NextAttemptAt: m.NextAttemptAt.UTC(),
		CreatedAt:     m.CreatedAt.UTC(),
	}
}

type auditModel struct {
	AuditID     string    `gorm:"column:audit_id;primaryKey"`
	DealID      string    `gorm:"column:deal_id;index"`
	MilestoneID string    `gorm:"column:milestone_id"`
	Action      string    `gorm:"column:action"`
	OldState    string    `gorm:"column:old_state"`
	NewState    string    `gorm:"column:new_state"`
	ActorID     string    `gorm:"column:actor_id"`
	ActorRole   string    `gorm:"column:actor_role"`
	Reason      string    `gorm:"column:reason"`
	Detail      string    `gorm:"column:detail"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (auditModel) TableName() string {
	return "deal_audit_log"
}

func (m auditModel) toEntity() entities.EventLogEntry {
	return entities.EventLogEntry{
		AuditID:     m.AuditID,
		DealID:      m.DealID,
		MilestoneID: m.MilestoneID,
		Action:      m.Action,
		OldState:    m.OldState,
		NewState:    m.NewState,
		ActorID:     m.ActorID,
		ActorRole:   m.ActorRole,
		Reason:      m.Reason,
		Detail:      m.Detail,
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

type idempotencyModel struct {
	Key             string         `gorm:"column:key;primaryKey"`
	RequestHash     string         `gorm:"column:request_hash"`
	ResponsePayload datatypes.JSON `gorm:"column:response_payload"`
	ExpiresAt       time.Time      `gorm:"column:expires_at"`
}

func (idempotencyModel) TableName() string {
	return "deal_idempotency"
}

type eventDedupModel struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	EventType   string    `gorm:"column:event_type"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
}

func (eventDedupModel) TableName() string {
	return "provider_event_dedup"
}

type outboxModel struct {
	OutboxID     string         `gorm:"column:outbox_id;primaryKey"`
	EventType    string         `gorm:"column:event_type"`
	PartitionKey string         `gorm:"column:partition_key"`
	Payload      datatypes.JSON `gorm:"column:payload"`
	Status       string         `gorm:"column:status;index"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	PublishedAt  *time.Time     `gorm:"column:published_at"`
}

func (outboxModel) TableName() string {
	return "deal_outbox"
}

// AutoMigrate creates or updates the service's tables. Local development
// only; production schemas are managed by migrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&dealModel{},
		&milestoneModel{},
		&deliverableModel{},
		&releaseJobModel{},
		&auditModel{},
		&idempotencyModel{},
		&eventDedupModel{},
		&outboxModel{},
	)
}

func normalizeOptionalTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	timestamp := value.UTC()
	return &timestamp
}
