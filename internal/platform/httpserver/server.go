package httpserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	dealservice "meridian/contexts/escrow-core/deal-service"
	dealerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	dealhttp "meridian/contexts/escrow-core/deal-service/transport/http"
	"meridian/internal/platform/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	addr          string
	deals         dealservice.Module
	webhookSecret string
}

func New(deals dealservice.Module, webhookSecret string, logger *slog.Logger, addr string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		mux:           http.NewServeMux(),
		logger:        logger,
		addr:          addr,
		deals:         deals,
		webhookSecret: webhookSecret,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Start() error {
	s.logger.Info("http server starting",
		"event", "http_server_starting",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.addr,
	)
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler exposes the routing table; tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("POST /v1/deals", s.handleCreateDeal)
	s.mux.HandleFunc("GET /v1/deals/{deal_id}", s.handleGetDeal)
	s.mux.HandleFunc("GET /v1/deals/{deal_id}/events", s.handleListDealEvents)
	s.mux.HandleFunc("POST /v1/deals/{deal_id}/accept", s.handleAcceptDeal)
	s.mux.HandleFunc("POST /v1/deals/{deal_id}/fund", s.handleFundDeal)
	s.mux.HandleFunc("POST /v1/deals/{deal_id}/dispute", s.handleDisputeDeal)
	s.mux.HandleFunc("POST /v1/deals/{deal_id}/resolve-dispute", s.handleResolveDispute)
	s.mux.HandleFunc("GET /v1/brands/{brand_id}/deals", s.handleListBrandDeals)
	s.mux.HandleFunc("GET /v1/creators/{creator_id}/deals", s.handleListCreatorDeals)

	s.mux.HandleFunc("GET /v1/milestones/{milestone_id}", s.handleGetMilestone)
	s.mux.HandleFunc("POST /v1/milestones/{milestone_id}/submit", s.handleSubmitMilestone)
	s.mux.HandleFunc("POST /v1/milestones/{milestone_id}/review", s.handleReviewMilestone)
	s.mux.HandleFunc("POST /v1/milestones/{milestone_id}/force-release", s.handleForceRelease)
	s.mux.HandleFunc("POST /v1/milestones/{milestone_id}/retry-release", s.handleRetryRelease)

	s.mux.HandleFunc("POST /v1/payments/webhook", s.handlePaymentWebhook)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var req dealhttp.CreateDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDealError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if strings.TrimSpace(req.BrandID) == "" {
		req.BrandID = r.Header.Get("X-User-Id")
	}

	resp, err := s.deals.Handler.CreateDealHandler(r.Context(), r.Header.Get("Idempotency-Key"), req)
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	metrics.DealTransitionsTotal.WithLabelValues("draft").Inc()
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deals.Handler.GetDealHandler(r.Context(), r.PathValue("deal_id"))
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDealEvents(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deals.Handler.ListDealEventsHandler(r.Context(), r.PathValue("deal_id"), queryInt(r, "limit"))
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAcceptDeal(w http.ResponseWriter, r *http.Request) {
	var req dealhttp.AcceptDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDealError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if strings.TrimSpace(req.CreatorID) == "" {
		req.CreatorID = r.Header.Get("X-User-Id")
	}

	resp, err := s.deals.Handler.AcceptDealHandler(r.Context(), r.PathValue("deal_id"), req)
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFundDeal(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req dealhttp.FundDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDealError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.deals.Handler.FundDealHandler(
		r.Context(),
		r.Header.Get("Idempotency-Key"),
		actorID,
		r.PathValue("deal_id"),
		req,
	)
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	metrics.DealTransitionsTotal.WithLabelValues("funded").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDisputeDeal(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req dealhttp.DisputeDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDealError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.deals.Handler.DisputeDealHandler(r.Context(), actorID, r.PathValue("deal_id"), req)
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	metrics.DealTransitionsTotal.WithLabelValues("disputed").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req dealhttp.ResolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDealError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.deals.Handler.ResolveDisputeHandler(r.Context(), actorID, r.PathValue("deal_id"), req)
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	metrics.DealTransitionsTotal.WithLabelValues(resp.Deal.Status).Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListBrandDeals(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deals.Handler.ListDealsByBrandHandler(
		r.Context(),
		r.PathValue("brand_id"),
		queryInt(r, "limit"),
		queryInt(r, "offset"),
	)
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListCreatorDeals(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deals.Handler.ListDealsByCreatorHandler(
		r.Context(),
		r.PathValue("creator_id"),
		queryInt(r, "limit"),
		queryInt(r, "offset"),
	)
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMilestone(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deals.Handler.GetMilestoneHandler(r.Context(), r.PathValue("milestone_id"))
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitMilestone(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req dealhttp.SubmitMilestoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDealError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.deals.Handler.SubmitMilestoneHandler(r.Context(), actorID, r.PathValue("milestone_id"), req)
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReviewMilestone(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req dealhttp.ReviewMilestoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDealError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.deals.Handler.ReviewMilestoneHandler(r.Context(), actorID, r.PathValue("milestone_id"), req)
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	if resp.Milestone.Status == "released" {
		metrics.MilestoneReleasesTotal.WithLabelValues("manual_review").Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req dealhttp.ForceReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDealError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.deals.Handler.ForceReleaseHandler(r.Context(), actorID, r.PathValue("milestone_id"), req)
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	if resp.Milestone.Status == "released" {
		metrics.MilestoneReleasesTotal.WithLabelValues("force_release").Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetryRelease(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	resp, err := s.deals.Handler.RetryReleaseHandler(r.Context(), actorID, r.PathValue("milestone_id"))
	if err != nil {
		writeDealDomainError(w, err)
		return
	}
	if resp.Milestone.Status == "released" {
		metrics.MilestoneReleasesTotal.WithLabelValues("retry").Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeDealError(w, http.StatusBadRequest, "invalid_request", "unable to read request body")
		return
	}

	if strings.TrimSpace(s.webhookSecret) == "" {
		writeDealError(w, http.StatusInternalServerError, "internal_error", "payment webhook secret is not configured")
		return
	}
	if !validateWebhookSignature(webhookSignature(r), body, s.webhookSecret) {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		writeDealDomainError(w, dealerrors.ErrInvalidSignature)
		return
	}

	var req dealhttp.WebhookEventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeDealError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	resp, err := s.deals.Handler.IngestWebhookHandler(r.Context(), req)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(req.EventType, "failed").Inc()
		writeDealDomainError(w, err)
		return
	}
	metrics.WebhookEventsTotal.WithLabelValues(req.EventType, "accepted").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func webhookSignature(r *http.Request) string {
	for _, key := range []string{"X-Webhook-Signature", "X-Signature"} {
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			return value
		}
	}
	return ""
}

func validateWebhookSignature(signature string, body []byte, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || strings.TrimSpace(secret) == "" {
		return false
	}
	if strings.HasPrefix(strings.ToLower(signature), "sha256=") {
		signature = signature[7:]
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := mac.Sum(nil)
	return hmac.Equal(provided, expected)
}

func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		writeDealError(w, http.StatusUnauthorized, "missing_user", "X-User-Id header is required")
		return "", false
	}
	return userID, true
}

func queryInt(r *http.Request, name string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func writeDealDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dealerrors.ErrDealNotFound):
		writeDealError(w, http.StatusNotFound, "deal_not_found", err.Error())
	case errors.Is(err, dealerrors.ErrMilestoneNotFound):
		writeDealError(w, http.StatusNotFound, "milestone_not_found", err.Error())
	case errors.Is(err, dealerrors.ErrForbidden):
		writeDealError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, dealerrors.ErrInvalidState):
		writeDealError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, dealerrors.ErrCreatorAlreadyAssigned):
		writeDealError(w, http.StatusConflict, "creator_already_assigned", err.Error())
	case errors.Is(err, dealerrors.ErrIdempotencyConflict):
		writeDealError(w, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, dealerrors.ErrIdempotencyKeyMissing):
		writeDealError(w, http.StatusBadRequest, "idempotency_key_required", err.Error())
	case errors.Is(err, dealerrors.ErrMilestoneSumMismatch):
		writeDealError(w, http.StatusUnprocessableEntity, "milestone_sum_mismatch", err.Error())
	case errors.Is(err, dealerrors.ErrDeliverableRequired):
		writeDealError(w, http.StatusUnprocessableEntity, "deliverable_required", err.Error())
	case errors.Is(err, dealerrors.ErrInvalidCurrency):
		writeDealError(w, http.StatusUnprocessableEntity, "invalid_currency", err.Error())
	case errors.Is(err, dealerrors.ErrInvalidInput),
		errors.Is(err, dealerrors.ErrInvalidEnvelope):
		writeDealError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, dealerrors.ErrInvalidSignature):
		writeDealError(w, http.StatusUnauthorized, "invalid_signature", err.Error())
	case errors.Is(err, dealerrors.ErrInsufficientFunds):
		writeDealError(w, http.StatusConflict, "insufficient_funds", err.Error())
	case errors.Is(err, dealerrors.ErrPayerNotOnboarded),
		errors.Is(err, dealerrors.ErrPayeeNotOnboarded):
		writeDealError(w, http.StatusUnprocessableEntity, "party_not_onboarded", err.Error())
	case errors.Is(err, dealerrors.ErrProviderUnavailable):
		writeDealError(w, http.StatusServiceUnavailable, "provider_unavailable", err.Error())
	case errors.Is(err, dealerrors.ErrProvider):
		writeDealError(w, http.StatusBadGateway, "provider_error", err.Error())
	default:
		writeDealError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeDealError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, dealhttp.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
