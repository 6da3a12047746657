package entities

import "time"

type MilestoneStatus string

const (
	MilestoneStatusPending   MilestoneStatus = "pending"
	MilestoneStatusSubmitted MilestoneStatus = "submitted"
	MilestoneStatusApproved  MilestoneStatus = "approved"
	MilestoneStatusReleased  MilestoneStatus = "released"
	MilestoneStatusDisputed  MilestoneStatus = "disputed"
)

// Milestone is the unit of review and payout. Released is terminal and is
// reachable only from approved.
type Milestone struct {
	MilestoneID    string
	DealID         string
	Title          string
	Amount         float64
	DueAt          *time.Time
	Status         MilestoneStatus
	SubmittedAt    *time.Time
	ApprovedAt     *time.Time
	ReleasedAt     *time.Time
	PayoutPaidAt   *time.Time
	PayoutRef      string
	ApprovedBy     string
	ApprovalReason string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s MilestoneStatus) Terminal() bool {
	return s == MilestoneStatusReleased
}

// Releasable reports whether the milestone may enter the release path.
func (s MilestoneStatus) Releasable() bool {
	return s == MilestoneStatusSubmitted || s == MilestoneStatusApproved
}

type DeliverableOutcome string

const (
	DeliverableOutcomeNone              DeliverableOutcome = "none"
	DeliverableOutcomeApproved          DeliverableOutcome = "approved"
	DeliverableOutcomeRejected          DeliverableOutcome = "rejected"
	DeliverableOutcomeRevisionRequested DeliverableOutcome = "revision_requested"
)

// Deliverable is one creator submission against a milestone. A milestone
// accumulates deliverables across revision cycles; the latest one is
// authoritative for the current review.
type Deliverable struct {
	DeliverableID string
	MilestoneID   string
	SubmitterID   string
	ContentRef    string
	Description   string
	Outcome       DeliverableOutcome
	Feedback      string
	SubmittedAt   time.Time
	ReviewedAt    *time.Time
}

// ReleaseJob is the scheduled auto-release record for a submitted milestone.
// At most one active job exists per milestone; it is removed on any manual
// review outcome.
type ReleaseJob struct {
	MilestoneID   string
	DealID        string
	FireAt        time.Time
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
}
