package entities

import (
	"testing"
	"time"
)

func TestDealStatusTerminal(t *testing.T) {
	if !DealStatusReleased.Terminal() || !DealStatusRefunded.Terminal() {
		t.Fatalf("released and refunded are terminal")
	}
	if DealStatusDraft.Terminal() || DealStatusFunded.Terminal() || DealStatusDisputed.Terminal() {
		t.Fatalf("draft, funded and disputed are not terminal")
	}
}

func TestAutoReleaseDelayDefaultsToFiveDays(t *testing.T) {
	if got := (Deal{}).AutoReleaseDelay(); got != 5*24*time.Hour {
		t.Fatalf("default delay = %s", got)
	}
	if got := (Deal{AutoReleaseDelayDays: 2}).AutoReleaseDelay(); got != 48*time.Hour {
		t.Fatalf("custom delay = %s", got)
	}
}

func TestMilestoneStatusReleasable(t *testing.T) {
	if !MilestoneStatusSubmitted.Releasable() || !MilestoneStatusApproved.Releasable() {
		t.Fatalf("submitted and approved are releasable")
	}
	if MilestoneStatusPending.Releasable() || MilestoneStatusReleased.Releasable() {
		t.Fatalf("pending and released are not releasable")
	}
}

func TestRound2(t *testing.T) {
	if got := Round2(0.1 + 0.2); got != 0.3 {
		t.Fatalf("Round2(0.1+0.2) = %v", got)
	}
	if got := Round2(1234.5678); got != 1234.57 {
		t.Fatalf("Round2(1234.5678) = %v", got)
	}
}
