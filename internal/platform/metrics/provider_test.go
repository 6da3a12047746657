package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"meridian/contexts/escrow-core/deal-service/adapters/memory"
)

func TestInstrumentedProviderDelegatesAndObserves(t *testing.T) {
	fake := memory.NewProvider()
	provider := InstrumentProvider(fake)
	ctx := context.Background()

	escrowRef, err := provider.CreateEscrow(ctx, "deal-1", "USD")
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if escrowRef == "" {
		t.Fatalf("expected escrow ref")
	}

	paymentRef, err := provider.FundEscrow(ctx, escrowRef, 100, "card-1", "fund:deal-1")
	if err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	if paymentRef == "" {
		t.Fatalf("expected payment ref")
	}
	if fake.FundCalls() != 1 {
		t.Fatalf("expected the wrapped provider to see the call, got %d", fake.FundCalls())
	}

	if testutil.CollectAndCount(ProviderCallDuration) == 0 {
		t.Fatalf("expected provider call duration observations")
	}
}
