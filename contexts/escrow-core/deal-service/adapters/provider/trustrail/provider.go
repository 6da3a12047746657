// Package trustrail adapts the payment provider contract onto the TrustRail
// escrow API. TrustRail is the reference provider: a plain JSON-over-HTTP
// escrow service with idempotency keys and HMAC-signed webhooks.
package trustrail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	"meridian/contexts/escrow-core/deal-service/ports"
)

const defaultTimeout = 15 * time.Second

type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewProvider(baseURL string, apiKey string, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Provider{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: timeout},
	}
}

type createEscrowRequest struct {
	DealID   string `json:"deal_id"`
	Currency string `json:"currency"`
}

type escrowResponse struct {
	EscrowRef string `json:"escrow_ref"`
	Status    string `json:"status"`
}

type fundRequest struct {
	Amount   float64 `json:"amount"`
	PayerRef string  `json:"payer_ref"`
}

type transferRequest struct {
	Amount      float64 `json:"amount"`
	PayeeRef    string  `json:"payee_ref,omitempty"`
	DealID      string  `json:"deal_id,omitempty"`
	MilestoneID string  `json:"milestone_id,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

type refundRequest struct {
	Amount *float64 `json:"amount,omitempty"`
}

type transferResponse struct {
	TransferRef string `json:"transfer_ref"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *Provider) CreateEscrow(ctx context.Context, dealID string, currency string) (string, error) {
	var out escrowResponse
	err := p.call(ctx, http.MethodPost, "/v1/escrows", createEscrowRequest{
		DealID:   strings.TrimSpace(dealID),
		Currency: strings.ToUpper(strings.TrimSpace(currency)),
	}, "", &out)
	if err != nil {
		return "", err
	}
	return out.EscrowRef, nil
}

func (p *Provider) FundEscrow(ctx context.Context, escrowRef string, amount float64, payerRef string, idempotencyKey string) (string, error) {
	var out transferResponse
	path := fmt.Sprintf("/v1/escrows/%s/fund", strings.TrimSpace(escrowRef))
	err := p.call(ctx, http.MethodPost, path, fundRequest{
		Amount:   amount,
		PayerRef: strings.TrimSpace(payerRef),
	}, idempotencyKey, &out)
	if err != nil {
		return "", err
	}
	return out.TransferRef, nil
}

func (p *Provider) ReleaseToCreator(ctx context.Context, escrowRef string, amount float64, payeeRef string, meta ports.ReleaseMetadata, idempotencyKey string) (string, error) {
	var out transferResponse
	path := fmt.Sprintf("/v1/escrows/%s/release", strings.TrimSpace(escrowRef))
	err := p.call(ctx, http.MethodPost, path, transferRequest{
		Amount:      amount,
		PayeeRef:    strings.TrimSpace(payeeRef),
		DealID:      meta.DealID,
		MilestoneID: meta.MilestoneID,
		Reason:      meta.Reason,
	}, idempotencyKey, &out)
	if err != nil {
		return "", err
	}
	return out.TransferRef, nil
}

func (p *Provider) RefundToBrand(ctx context.Context, escrowRef string, amount *float64, idempotencyKey string) (string, error) {
	var out transferResponse
	path := fmt.Sprintf("/v1/escrows/%s/refund", strings.TrimSpace(escrowRef))
	err := p.call(ctx, http.MethodPost, path, refundRequest{Amount: amount}, idempotencyKey, &out)
	if err != nil {
		return "", err
	}
	return out.TransferRef, nil
}

func (p *Provider) GetStatus(ctx context.Context, escrowRef string) (ports.EscrowStatus, error) {
	var out escrowResponse
	path := fmt.Sprintf("/v1/escrows/%s", strings.TrimSpace(escrowRef))
	if err := p.call(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return "", err
	}
	switch out.Status {
	case "unfunded", "funded", "released", "refunded":
		return ports.EscrowStatus(out.Status), nil
	default:
		return "", fmt.Errorf("%w: unknown escrow status %q", domainerrors.ErrProvider, out.Status)
	}
}

func (p *Provider) call(ctx context.Context, method string, path string, payload any, idempotencyKey string, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode provider request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(idempotencyKey) != "" {
		req.Header.Set("Idempotency-Key", strings.TrimSpace(idempotencyKey))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Timeouts and transport failures are retryable from the caller's
		// point of view; internal state must stay untouched.
		return fmt.Errorf("%w: %v", domainerrors.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read provider response: %v", domainerrors.ErrProviderUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode provider response: %v", domainerrors.ErrProvider, err)
		}
		return nil
	}

	var provErr errorResponse
	_ = json.Unmarshal(raw, &provErr)
	return mapError(resp.StatusCode, provErr)
}

func mapError(status int, provErr errorResponse) error {
	switch provErr.Code {
	case "insufficient_funds":
		return domainerrors.ErrInsufficientFunds
	case "invalid_currency":
		return domainerrors.ErrInvalidCurrency
	case "payer_not_onboarded":
		return domainerrors.ErrPayerNotOnboarded
	case "payee_not_onboarded":
		return domainerrors.ErrPayeeNotOnboarded
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d: %s", domainerrors.ErrProviderUnavailable, status, provErr.Message)
	default:
		return fmt.Errorf("%w: status %d: %s", domainerrors.ErrProvider, status, provErr.Message)
	}
}

var _ ports.PaymentProvider = (*Provider)(nil)
