package entities

import (
	"math"
	"time"
)

type DealStatus string

const (
	DealStatusDraft    DealStatus = "draft"
	DealStatusFunded   DealStatus = "funded"
	DealStatusReleased DealStatus = "released"
	DealStatusDisputed DealStatus = "disputed"
	DealStatusRefunded DealStatus = "refunded"
)

// Deal is one funded engagement between a brand and a creator. It owns a set
// of milestones and, once funded, an immutable escrow reference.
type Deal struct {
	DealID               string
	BrandID              string
	CreatorID            string
	TotalAmount          float64
	Currency             string
	EscrowRef            string
	PaymentRef           string
	Status               DealStatus
	AutoReleaseEnabled   bool
	AutoReleaseDelayDays int
	FundedAt             *time.Time
	ReleasedAt           *time.Time
	RefundedAt           *time.Time
	DisputedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (s DealStatus) Terminal() bool {
	return s == DealStatusReleased || s == DealStatusRefunded
}

// AutoReleaseDelay resolves the per-deal review window, default 5 days.
func (d Deal) AutoReleaseDelay() time.Duration {
	days := d.AutoReleaseDelayDays
	if days <= 0 {
		days = 5
	}
	return time.Duration(days) * 24 * time.Hour
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
