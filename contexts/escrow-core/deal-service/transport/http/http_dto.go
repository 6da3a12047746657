package http

import "encoding/json"

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MilestoneInputDTO struct {
	Title  string  `json:"title"`
	Amount float64 `json:"amount"`
	DueAt  string  `json:"due_at,omitempty"`
}

type CreateDealRequest struct {
	BrandID              string              `json:"brand_id"`
	CreatorID            string              `json:"creator_id,omitempty"`
	TotalAmount          float64             `json:"total_amount"`
	Currency             string              `json:"currency"`
	AutoReleaseEnabled   *bool               `json:"auto_release_enabled,omitempty"`
	AutoReleaseDelayDays int                 `json:"auto_release_delay_days,omitempty"`
	Milestones           []MilestoneInputDTO `json:"milestones"`
}

type AcceptDealRequest struct {
	CreatorID string `json:"creator_id"`
}

type FundDealRequest struct {
	PayerRef string `json:"payer_ref"`
}

type DisputeDealRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	Resolution string `json:"resolution"`
	Reason     string `json:"reason"`
}

type SubmitMilestoneRequest struct {
	ContentRef  string `json:"content_ref"`
	Description string `json:"description,omitempty"`
}

type ReviewMilestoneRequest struct {
	Action   string `json:"action"`
	Feedback string `json:"feedback,omitempty"`
}

type ForceReleaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

type WebhookEventRequest struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at,omitempty"`
	Data       json.RawMessage `json:"data"`
}

type WebhookAckResponse struct {
	Received bool `json:"received"`
}

type DealDTO struct {
	DealID               string  `json:"deal_id"`
	BrandID              string  `json:"brand_id"`
	CreatorID            string  `json:"creator_id,omitempty"`
	TotalAmount          float64 `json:"total_amount"`
	Currency             string  `json:"currency"`
	EscrowRef            string  `json:"escrow_ref,omitempty"`
	PaymentRef           string  `json:"payment_ref,omitempty"`
	Status               string  `json:"status"`
	AutoReleaseEnabled   bool    `json:"auto_release_enabled"`
	AutoReleaseDelayDays int     `json:"auto_release_delay_days"`
	FundedAt             string  `json:"funded_at,omitempty"`
	ReleasedAt           string  `json:"released_at,omitempty"`
	RefundedAt           string  `json:"refunded_at,omitempty"`
	DisputedAt           string  `json:"disputed_at,omitempty"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

type MilestoneDTO struct {
	MilestoneID    string  `json:"milestone_id"`
	DealID         string  `json:"deal_id"`
	Title          string  `json:"title"`
	Amount         float64 `json:"amount"`
	DueAt          string  `json:"due_at,omitempty"`
	Status         string  `json:"status"`
	SubmittedAt    string  `json:"submitted_at,omitempty"`
	ApprovedAt     string  `json:"approved_at,omitempty"`
	ReleasedAt     string  `json:"released_at,omitempty"`
	PayoutPaidAt   string  `json:"payout_paid_at,omitempty"`
	PayoutRef      string  `json:"payout_ref,omitempty"`
	ApprovedBy     string  `json:"approved_by,omitempty"`
	ApprovalReason string  `json:"approval_reason,omitempty"`
}

type DeliverableDTO struct {
	DeliverableID string `json:"deliverable_id"`
	MilestoneID   string `json:"milestone_id"`
	SubmitterID   string `json:"submitter_id"`
	ContentRef    string `json:"content_ref"`
	Description   string `json:"description,omitempty"`
	Outcome       string `json:"outcome"`
	Feedback      string `json:"feedback,omitempty"`
	SubmittedAt   string `json:"submitted_at"`
	ReviewedAt    string `json:"reviewed_at,omitempty"`
}

type EventLogEntryDTO struct {
	AuditID     string `json:"audit_id"`
	DealID      string `json:"deal_id,omitempty"`
	MilestoneID string `json:"milestone_id,omitempty"`
	Action      string `json:"action"`
	OldState    string `json:"old_state,omitempty"`
	NewState    string `json:"new_state,omitempty"`
	ActorID     string `json:"actor_id,omitempty"`
	ActorRole   string `json:"actor_role,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type DealResponse struct {
	Deal       DealDTO        `json:"deal"`
	Milestones []MilestoneDTO `json:"milestones,omitempty"`
	Replayed   bool           `json:"replayed,omitempty"`
}

type MilestoneResponse struct {
	Milestone       MilestoneDTO     `json:"milestone"`
	Deliverables    []DeliverableDTO `json:"deliverables,omitempty"`
	PayoutRef       string           `json:"payout_ref,omitempty"`
	AlreadyResolved bool             `json:"already_resolved,omitempty"`
}

type ListDealsResponse struct {
	Items []DealDTO `json:"items"`
}

type ListEventsResponse struct {
	Items []EventLogEntryDTO `json:"items"`
}
