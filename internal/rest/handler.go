// Package rest provides the HTTP/JSON API for Mockforge.
//
// Endpoints:
//
//	POST /v1/jobs                      - Enqueue a generation job
//	GET  /v1/jobs/:id                  - Poll job status
//	GET  /v1/jobs?account_id=...       - List jobs for an account
//	POST /v1/jobs/:id/transition       - Worker-driven lifecycle edge
//	POST /v1/jobs/:id/heartbeat        - Worker lease renewal + progress
//	GET  /v1/balance/:account_id       - Get credit balance
//	GET  /v1/profile/:user_id          - Identity profile + account sync
//	POST /v1/webhooks/payment          - Payment provider webhook
//	GET  /v1/breakers                  - Circuit breaker snapshots
//	GET  /health                       - Health check
//	GET  /ready                        - Readiness check
//	GET  /metrics                      - Prometheus metrics
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mockforge/engine/internal/breaker"
	"github.com/mockforge/engine/internal/identity"
	"github.com/mockforge/engine/internal/jobs"
	"github.com/mockforge/engine/internal/ledger"
	"github.com/mockforge/engine/internal/webhook"
)

// maxWebhookBody caps payment webhook payloads. Stripe events are a few KB;
// anything near the cap is not a legitimate event.
const maxWebhookBody = 1 << 20

// BalanceMirror is an optional read-through cache for balance lookups. The
// redis mirror satisfies it; a nil mirror sends every read to the ledger.
type BalanceMirror interface {
	Get(ctx context.Context, accountID string) (ledger.Balance, bool)
}

// Pinger reports storage connectivity for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides the REST API endpoints.
type Handler struct {
	credits  *ledger.Ledger
	machine  *jobs.Machine
	ingestor *webhook.Ingestor
	identity *identity.Client
	breakers *breaker.Registry
	mirror   BalanceMirror
	pinger   Pinger
	log      zerolog.Logger
}

// NewHandler creates a REST handler. identity, mirror, and pinger may be nil;
// the corresponding endpoints degrade gracefully.
func NewHandler(
	credits *ledger.Ledger,
	machine *jobs.Machine,
	ingestor *webhook.Ingestor,
	idClient *identity.Client,
	breakers *breaker.Registry,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		credits:  credits,
		machine:  machine,
		ingestor: ingestor,
		identity: idClient,
		breakers: breakers,
		log:      logger.With().Str("component", "rest_handler").Logger(),
	}
}

// WithMirror attaches a balance read cache.
func (h *Handler) WithMirror(m BalanceMirror) *Handler {
	h.mirror = m
	return h
}

// WithPinger attaches a storage connectivity check for /ready.
func (h *Handler) WithPinger(p Pinger) *Handler {
	h.pinger = p
	return h
}

// RegisterRoutes registers all REST API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/jobs", h.handleJobs)
	mux.HandleFunc("/v1/jobs/", h.handleJob)
	mux.HandleFunc("/v1/balance/", h.handleBalance)
	mux.HandleFunc("/v1/profile/", h.handleProfile)
	mux.HandleFunc("/v1/webhooks/payment", h.handlePaymentWebhook)
	mux.HandleFunc("/v1/breakers", h.handleBreakers)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

type enqueueRequest struct {
	AccountID        string    `json:"account_id"`
	Spec             jobs.Spec `json:"spec"`
	EstimatedCredits int64     `json:"estimated_credits"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

// handleJobs handles POST /v1/jobs and GET /v1/jobs?account_id=...
func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleEnqueue(w, r)
	case http.MethodGet:
		h.handleListJobs(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if req.AccountID == "" {
		h.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	jobID, err := h.machine.Enqueue(r.Context(), req.AccountID, req.Spec, req.EstimatedCredits)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, enqueueResponse{JobID: jobID})
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		h.writeError(w, http.StatusBadRequest, "account_id query parameter is required")
		return
	}
	status := jobs.Status(r.URL.Query().Get("status"))

	list, err := h.machine.ListByAccount(r.Context(), accountID, status)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": list})
}

// handleJob routes /v1/jobs/:id and its sub-resources.
func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		h.handleJobStatus(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "transition":
		h.handleTransition(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "heartbeat":
		h.handleHeartbeat(w, r, parts[0])
	default:
		h.writeError(w, http.StatusNotFound, "Not found")
	}
}

func (h *Handler) handleJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	info, err := h.machine.GetStatus(r.Context(), jobID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

type transitionRequest struct {
	To            jobs.Status `json:"to"`
	ActualCredits *int64      `json:"actual_credits,omitempty"`
	Error         string      `json:"error,omitempty"`
	Result        string      `json:"result,omitempty"`
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	err := h.machine.Transition(r.Context(), jobID, req.To, jobs.TransitionDetails{
		ActualCredits: req.ActualCredits,
		Error:         req.Error,
		Result:        req.Result,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	info, err := h.machine.GetStatus(r.Context(), jobID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

type heartbeatRequest struct {
	Progress int `json:"progress"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if err := h.machine.Heartbeat(r.Context(), jobID, req.Progress); err != nil {
		h.handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBalance handles GET /v1/balance/:account_id. Reads go through the
// mirror when one is attached; the ledger store is the fallback and always
// authoritative.
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	accountID := strings.TrimPrefix(r.URL.Path, "/v1/balance/")
	if accountID == "" || strings.Contains(accountID, "/") {
		h.writeError(w, http.StatusBadRequest, "Invalid account_id")
		return
	}

	if h.mirror != nil {
		if b, ok := h.mirror.Get(r.Context(), accountID); ok {
			h.writeJSON(w, http.StatusOK, map[string]interface{}{"account_id": accountID, "balance": b, "source": "cache"})
			return
		}
	}

	b, err := h.credits.GetBalance(r.Context(), accountID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"account_id": accountID, "balance": b, "source": "store"})
}

// handleProfile handles GET /v1/profile/:user_id. Fetches the identity
// profile through the circuit breaker and ensures a ledger account exists
// for the user.
func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if h.identity == nil {
		h.writeError(w, http.StatusNotImplemented, "Identity provider not configured")
		return
	}

	userID := strings.TrimPrefix(r.URL.Path, "/v1/profile/")
	if userID == "" || strings.Contains(userID, "/") {
		h.writeError(w, http.StatusBadRequest, "Invalid user_id")
		return
	}

	profile, balance, err := h.identity.SyncAccount(r.Context(), h.credits, userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile": profile,
		"balance": balance,
	})
}

// handlePaymentWebhook handles POST /v1/webhooks/payment.
//
// Always returns 200 for handled events, including redeliveries; the
// provider only needs to know the event does not require another attempt.
// Malformed events get a 400 so they land in the provider's dead letter
// queue instead of retrying forever.
func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	event, err := h.ingestor.ParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.log.Warn().Err(err).Msg("webhook rejected")
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.ingestor.Ingest(r.Context(), event)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, outcome)
}

// handleBreakers handles GET /v1/breakers.
func (h *Handler) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": h.breakers.Snapshots()})
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// handleServiceError maps domain errors to HTTP status codes.
func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError

	var openErr *breaker.OpenError
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		statusCode = http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, identity.ErrUserNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidTransition):
		statusCode = http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, webhook.ErrMalformedEvent):
		statusCode = http.StatusBadRequest
	case errors.As(err, &openErr):
		statusCode = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(openErr.RetryAfter.Seconds())+1))
	case errors.Is(err, breaker.ErrCircuitOpen):
		statusCode = http.StatusServiceUnavailable
	}

	if statusCode >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int("status", statusCode).Msg("REST API error")
	}
	h.writeError(w, statusCode, err.Error())
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}
