package metrics

import (
	"context"
	"time"

	"meridian/contexts/escrow-core/deal-service/ports"
)

// InstrumentedProvider decorates a payment provider with per-operation call
// duration observations. Wrapping happens in the composition root so the
// application layer stays free of metrics plumbing.
type InstrumentedProvider struct {
	next ports.PaymentProvider
}

func InstrumentProvider(next ports.PaymentProvider) InstrumentedProvider {
	return InstrumentedProvider{next: next}
}

func (p InstrumentedProvider) CreateEscrow(ctx context.Context, dealID string, currency string) (string, error) {
	defer observeProviderCall("create_escrow", time.Now())
	return p.next.CreateEscrow(ctx, dealID, currency)
}

func (p InstrumentedProvider) FundEscrow(ctx context.Context, escrowRef string, amount float64, payerRef string, idempotencyKey string) (string, error) {
	defer observeProviderCall("fund_escrow", time.Now())
	return p.next.FundEscrow(ctx, escrowRef, amount, payerRef, idempotencyKey)
}

func (p InstrumentedProvider) ReleaseToCreator(ctx context.Context, escrowRef string, amount float64, payeeRef string, meta ports.ReleaseMetadata, idempotencyKey string) (string, error) {
	defer observeProviderCall("release_to_creator", time.Now())
	return p.next.ReleaseToCreator(ctx, escrowRef, amount, payeeRef, meta, idempotencyKey)
}

func (p InstrumentedProvider) RefundToBrand(ctx context.Context, escrowRef string, amount *float64, idempotencyKey string) (string, error) {
	defer observeProviderCall("refund_to_brand", time.Now())
	return p.next.RefundToBrand(ctx, escrowRef, amount, idempotencyKey)
}

func (p InstrumentedProvider) GetStatus(ctx context.Context, escrowRef string) (ports.EscrowStatus, error) {
	defer observeProviderCall("get_status", time.Now())
	return p.next.GetStatus(ctx, escrowRef)
}

func observeProviderCall(operation string, start time.Time) {
	ProviderCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

var _ ports.PaymentProvider = InstrumentedProvider{}
