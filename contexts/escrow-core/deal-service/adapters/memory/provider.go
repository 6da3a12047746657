package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	"meridian/contexts/escrow-core/deal-service/ports"
)

// Provider is an in-memory payment provider. It honors idempotency keys the
// way a real provider does: a repeated call with a known key returns the
// original reference without a second transfer. Failure fields let tests
// force provider errors per operation.
type Provider struct {
	mu sync.Mutex

	escrows   map[string]escrowState
	transfers map[string]string

	FundErr    error
	ReleaseErr error
	RefundErr  error

	fundCalls    int
	releaseCalls int
	refundCalls  int
}

type escrowState struct {
	DealID   string
	Currency string
	Status   ports.EscrowStatus
	Balance  float64
}

func NewProvider() *Provider {
	return &Provider{
		escrows:   make(map[string]escrowState),
		transfers: make(map[string]string),
	}
}

func (p *Provider) CreateEscrow(_ context.Context, dealID string, currency string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ref := "esc_" + strings.TrimSpace(dealID)
	if _, ok := p.escrows[ref]; !ok {
		p.escrows[ref] = escrowState{
			DealID:   strings.TrimSpace(dealID),
			Currency: strings.ToUpper(strings.TrimSpace(currency)),
			Status:   ports.EscrowStatusUnfunded,
		}
	}
	return ref, nil
}

func (p *Provider) FundEscrow(_ context.Context, escrowRef string, amount float64, payerRef string, idempotencyKey string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ref, ok := p.transfers[idempotencyKey]; ok {
		return ref, nil
	}
	p.fundCalls++
	if p.FundErr != nil {
		return "", p.FundErr
	}
	escrow, ok := p.escrows[escrowRef]
	if !ok {
		return "", domainerrors.ErrProvider
	}
	escrow.Status = ports.EscrowStatusFunded
	escrow.Balance += amount
	p.escrows[escrowRef] = escrow

	ref := fmt.Sprintf("pay_%s_%d", escrow.DealID, p.fundCalls)
	p.transfers[idempotencyKey] = ref
	return ref, nil
}

func (p *Provider) ReleaseToCreator(_ context.Context, escrowRef string, amount float64, payeeRef string, _ ports.ReleaseMetadata, idempotencyKey string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ref, ok := p.transfers[idempotencyKey]; ok {
		return ref, nil
	}
	p.releaseCalls++
	if p.ReleaseErr != nil {
		return "", p.ReleaseErr
	}
	escrow, ok := p.escrows[escrowRef]
	if !ok {
		return "", domainerrors.ErrProvider
	}
	if escrow.Balance < amount {
		return "", domainerrors.ErrInsufficientFunds
	}
	escrow.Balance -= amount
	if escrow.Balance == 0 {
		escrow.Status = ports.EscrowStatusReleased
	}
	p.escrows[escrowRef] = escrow

	ref := fmt.Sprintf("tr_%s_%d", strings.TrimSpace(payeeRef), p.releaseCalls)
	p.transfers[idempotencyKey] = ref
	return ref, nil
}

func (p *Provider) RefundToBrand(_ context.Context, escrowRef string, amount *float64, idempotencyKey string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ref, ok := p.transfers[idempotencyKey]; ok {
		return ref, nil
	}
	p.refundCalls++
	if p.RefundErr != nil {
		return "", p.RefundErr
	}
	escrow, ok := p.escrows[escrowRef]
	if !ok {
		return "", domainerrors.ErrProvider
	}
	refunded := escrow.Balance
	if amount != nil {
		refunded = *amount
	}
	if escrow.Balance < refunded {
		return "", domainerrors.ErrInsufficientFunds
	}
	escrow.Balance -= refunded
	escrow.Status = ports.EscrowStatusRefunded
	p.escrows[escrowRef] = escrow

	ref := fmt.Sprintf("rf_%s_%d", escrow.DealID, p.refundCalls)
	p.transfers[idempotencyKey] = ref
	return ref, nil
}

func (p *Provider) GetStatus(_ context.Context, escrowRef string) (ports.EscrowStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	escrow, ok := p.escrows[escrowRef]
	if !ok {
		return "", domainerrors.ErrProvider
	}
	return escrow.Status, nil
}

// ReleaseCalls reports how many non-replayed release attempts reached the
// provider, replays served from the idempotency map excluded.
func (p *Provider) ReleaseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseCalls
}

func (p *Provider) FundCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fundCalls
}

func (p *Provider) RefundCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refundCalls
}
