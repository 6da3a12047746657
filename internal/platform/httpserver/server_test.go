package httpserver

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	dealservice "meridian/contexts/escrow-core/deal-service"
	dealhttp "meridian/contexts/escrow-core/deal-service/transport/http"
)

const testWebhookSecret = "test-secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(dealservice.NewInMemoryModule(nil), testWebhookSecret, nil, ":0")
}

func doJSON(t *testing.T, s *Server, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func createFundedDeal(t *testing.T, s *Server) dealhttp.DealResponse {
	t.Helper()

	rec := doJSON(t, s, http.MethodPost, "/v1/deals", map[string]string{
		"Idempotency-Key": "idem-create",
		"X-User-Id":       "brand-1",
	}, dealhttp.CreateDealRequest{
		BrandID:     "brand-1",
		TotalAmount: 5000,
		Currency:    "USD",
		Milestones: []dealhttp.MilestoneInputDTO{
			{Title: "Concept video", Amount: 3000},
			{Title: "Final cut", Amount: 2000},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create deal: status %d body %s", rec.Code, rec.Body.String())
	}
	var created dealhttp.DealResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/deals/"+created.Deal.DealID+"/accept", map[string]string{
		"X-User-Id": "creator-1",
	}, dealhttp.AcceptDealRequest{})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept deal: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/deals/"+created.Deal.DealID+"/fund", map[string]string{
		"Idempotency-Key": "idem-fund",
		"X-User-Id":       "brand-1",
	}, dealhttp.FundDealRequest{PayerRef: "card-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("fund deal: status %d body %s", rec.Code, rec.Body.String())
	}
	var funded dealhttp.DealResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &funded); err != nil {
		t.Fatalf("decode fund response: %v", err)
	}
	funded.Milestones = created.Milestones
	return funded
}

func TestCreateDealRequiresIdempotencyKey(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/deals", map[string]string{
		"X-User-Id": "brand-1",
	}, dealhttp.CreateDealRequest{
		BrandID:     "brand-1",
		TotalAmount: 100,
		Currency:    "USD",
		Milestones:  []dealhttp.MilestoneInputDTO{{Title: "Only", Amount: 100}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body %s", rec.Code, rec.Body.String())
	}
	var errResp dealhttp.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.Code != "idempotency_key_required" {
		t.Fatalf("expected idempotency_key_required, got %s", errResp.Code)
	}
}

func TestMilestoneSumMismatchMapsTo422(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/deals", map[string]string{
		"Idempotency-Key": "idem-create",
		"X-User-Id":       "brand-1",
	}, dealhttp.CreateDealRequest{
		BrandID:     "brand-1",
		TotalAmount: 5000,
		Currency:    "USD",
		Milestones:  []dealhttp.MilestoneInputDTO{{Title: "Only", Amount: 4000}},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestGetMissingDealMapsTo404(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/v1/deals/no-such-deal", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestFundRequiresUserHeader(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/deals/some-deal/fund", map[string]string{
		"Idempotency-Key": "idem-fund",
	}, dealhttp.FundDealRequest{PayerRef: "card-1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestMilestoneLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	deal := createFundedDeal(t, s)
	milestoneID := deal.Milestones[0].MilestoneID

	rec := doJSON(t, s, http.MethodPost, "/v1/milestones/"+milestoneID+"/submit", map[string]string{
		"X-User-Id": "creator-1",
	}, dealhttp.SubmitMilestoneRequest{ContentRef: "https://cdn.example/v1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/milestones/"+milestoneID+"/review", map[string]string{
		"X-User-Id": "brand-1",
	}, dealhttp.ReviewMilestoneRequest{Action: "approve"})
	if rec.Code != http.StatusOK {
		t.Fatalf("review: status %d body %s", rec.Code, rec.Body.String())
	}
	var review dealhttp.MilestoneResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &review); err != nil {
		t.Fatalf("decode review: %v", err)
	}
	if review.Milestone.Status != "released" {
		t.Fatalf("expected released, got %s", review.Milestone.Status)
	}
	if review.PayoutRef == "" {
		t.Fatalf("expected payout ref")
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/deals/"+deal.Deal.DealID+"/events?limit=20", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: status %d body %s", rec.Code, rec.Body.String())
	}
	var events dealhttp.ListEventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events.Items) == 0 {
		t.Fatalf("expected audit entries")
	}
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"event_id":"evt-1","event_type":"escrow.account_updated","data":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookAcceptsSignedPayload(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"event_id":"evt-1","event_type":"escrow.account_updated","data":{"account_ref":"acct-1","payouts_enabled":true}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", signBody(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", rec.Code, rec.Body.String())
	}
	var ack dealhttp.WebhookAckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Received {
		t.Fatalf("expected received ack")
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
