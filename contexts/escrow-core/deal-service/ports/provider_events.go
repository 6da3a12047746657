package ports

import (
	"encoding/json"
	"time"
)

// Provider webhook event types. The set is closed: the reconciler's mapping
// over these is exhaustive, and anything else is logged and acknowledged
// without effect.
const (
	ProviderEventFundingConfirmed = "escrow.funding_confirmed"
	ProviderEventTransferCreated  = "escrow.transfer_created"
	ProviderEventPayoutPaid       = "escrow.payout_paid"
	ProviderEventAccountUpdated   = "escrow.account_updated"
)

// ProviderEvent is the decoded webhook envelope after signature
// verification. Delivery is at-least-once and unordered.
type ProviderEvent struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type FundingConfirmedPayload struct {
	DealID     string  `json:"deal_id"`
	EscrowRef  string  `json:"escrow_ref"`
	PaymentRef string  `json:"payment_ref"`
	Amount     float64 `json:"amount"`
}

type TransferCreatedPayload struct {
	MilestoneID string  `json:"milestone_id"`
	EscrowRef   string  `json:"escrow_ref"`
	PayoutRef   string  `json:"payout_ref"`
	Amount      float64 `json:"amount"`
}

type PayoutPaidPayload struct {
	MilestoneID string `json:"milestone_id"`
	PayoutRef   string `json:"payout_ref"`
	PaidAt      string `json:"paid_at"`
}

type AccountUpdatedPayload struct {
	AccountRef     string `json:"account_ref"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
}
