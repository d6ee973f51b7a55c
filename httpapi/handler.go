// Package httpapi exposes a quotaledger.Ledger over HTTP.
//
// Caller authentication happens upstream: the authenticated user arrives in
// the X-User-ID header and, on admin routes, the operator in X-Actor-ID.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/ineyio/quotaledger"
)

// Header names set by the upstream auth layer.
const (
	HeaderUserID  = "X-User-ID"
	HeaderActorID = "X-Actor-ID"
)

const (
	defaultEntryLimit = 100
	maxEntryLimit     = 1000
	maxBodyBytes      = 1 << 20
)

// Service is the ledger surface served over HTTP. *quotaledger.Ledger
// implements it.
type Service interface {
	Reserve(ctx context.Context, req quotaledger.ReserveRequest) (quotaledger.Authorization, error)
	Settle(ctx context.Context, req quotaledger.SettleRequest) (quotaledger.SettlementResult, error)
	Cancel(ctx context.Context, callToken, actorID string) (quotaledger.ReleaseResult, error)
	Revoke(ctx context.Context, callToken, actorID string) (quotaledger.ReleaseResult, error)
	Increase(ctx context.Context, req quotaledger.IncreaseRequest) (quotaledger.Entry, error)
	Pools(ctx context.Context, userID string) ([]quotaledger.Pool, error)
	Entries(ctx context.Context, filter quotaledger.EntryFilter) ([]quotaledger.Entry, error)
}

var _ Service = (*quotaledger.Ledger)(nil)

// Handler serves the ledger API.
type Handler struct {
	svc     Service
	pricer  *quotaledger.Pricer
	logger  *slog.Logger
	metrics http.Handler
}

// Option configures a Handler.
type Option func(*Handler)

// WithPricer sets the pricer used to quote reservations from token estimates.
func WithPricer(p *quotaledger.Pricer) Option {
	return func(h *Handler) { h.pricer = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// New creates a Handler for svc.
func New(svc Service, opts ...Option) *Handler {
	h := &Handler{svc: svc}
	for _, opt := range opts {
		opt(h)
	}
	if h.pricer == nil {
		h.pricer = quotaledger.NewPricer(nil)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Router returns the API router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.health)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/authorizations", h.reserve)
		r.Post("/authorizations/{token}/report", h.report)
		r.Post("/authorizations/{token}/cancel", h.cancel)

		r.Get("/users/{userID}/pools", h.pools)
		r.Get("/entries", h.entries)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/authorizations/{token}/revoke", h.revoke)
			r.Post("/topups", h.topup)
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reserveRequest struct {
	ModelID           string          `json:"model_id"`
	DeviceFingerprint string          `json:"device_fingerprint"`
	Amount            decimal.Decimal `json:"amount"`
	EstimatedTokens   int64           `json:"estimated_tokens"`
	// Prompts are used for a rough estimate when estimated_tokens is absent.
	Prompts []string `json:"prompts"`
}

type authorizationResponse struct {
	AuthorizationID string                     `json:"authorization_id"`
	CallToken       string                     `json:"call_token"`
	ExpiresAt       time.Time                  `json:"expires_at"`
	FrozenQuota     decimal.Decimal            `json:"frozen_quota"`
	Contributions   []quotaledger.Contribution `json:"contributions"`
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireHeader(w, r, HeaderUserID)
	if !ok {
		return
	}

	var req reserveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ModelID == "" {
		h.fail(w, r, fmt.Errorf("%w: model_id is required", quotaledger.ErrInvalidRequest))
		return
	}

	estimated := req.EstimatedTokens
	if estimated <= 0 && len(req.Prompts) > 0 {
		estimated = quotaledger.EstimateTokens(req.Prompts...)
	}

	amount, err := h.pricer.Amount(req.ModelID, estimated, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	auth, err := h.svc.Reserve(r.Context(), quotaledger.ReserveRequest{
		UserID:            userID,
		ModelID:           req.ModelID,
		DeviceFingerprint: req.DeviceFingerprint,
		Amount:            amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, authorizationResponse{
		AuthorizationID: auth.ID,
		CallToken:       auth.CallToken,
		ExpiresAt:       auth.ExpiresAt,
		FrozenQuota:     auth.FrozenQuota,
		Contributions:   auth.Contributions,
	})
}

type reportRequest struct {
	RequestID  string              `json:"request_id"`
	ActualCost decimal.Decimal     `json:"actual_cost"`
	Outcome    quotaledger.Outcome `json:"outcome"`
}

type settlementResponse struct {
	quotaledger.SettlementResult
	Replayed bool `json:"replayed"`
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Outcome == "" {
		req.Outcome = quotaledger.OutcomeSuccess
	}

	res, err := h.svc.Settle(r.Context(), quotaledger.SettleRequest{
		CallToken:  chi.URLParam(r, "token"),
		RequestID:  req.RequestID,
		ActualCost: req.ActualCost,
		Outcome:    req.Outcome,
	})
	if errors.Is(err, quotaledger.ErrInsufficientQuota) {
		// The settlement committed; report the uncovered shortfall with it.
		writeErrorWith(w, err, &settlementResponse{SettlementResult: res, Replayed: res.Replayed})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, settlementResponse{SettlementResult: res, Replayed: res.Replayed})
}

type releaseResponse struct {
	Status   string          `json:"status"`
	Refunded decimal.Decimal `json:"refunded"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireHeader(w, r, HeaderUserID)
	if !ok {
		return
	}

	res, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "token"), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{Status: res.Status.String(), Refunded: res.Refunded})
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireHeader(w, r, HeaderActorID)
	if !ok {
		return
	}

	res, err := h.svc.Revoke(r.Context(), chi.URLParam(r, "token"), actorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{Status: res.Status.String(), Refunded: res.Refunded})
}

type topupRequest struct {
	UserID    string          `json:"user_id"`
	PackageID *string         `json:"package_id"`
	Amount    decimal.Decimal `json:"amount"`
	OrderID   string          `json:"order_id"`
	Reason    string          `json:"reason"`
}

func (h *Handler) topup(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireHeader(w, r, HeaderActorID); !ok {
		return
	}

	var req topupRequest
	if !decode(w, r, &req) {
		return
	}

	entry, err := h.svc.Increase(r.Context(), quotaledger.IncreaseRequest{
		UserID:    req.UserID,
		PackageID: req.PackageID,
		Amount:    req.Amount,
		OrderID:   req.OrderID,
		Reason:    req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type poolResponse struct {
	ID        int64           `json:"id"`
	PackageID *string         `json:"package_id,omitempty"`
	Priority  int             `json:"priority"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Models    []string        `json:"models,omitempty"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
	Used      decimal.Decimal `json:"used"`
}

func (h *Handler) pools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.svc.Pools(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]poolResponse, 0, len(pools))
	for _, p := range pools {
		out = append(out, poolResponse{
			ID:        p.ID,
			PackageID: p.PackageID,
			Priority:  p.Priority,
			ExpiresAt: p.ExpiresAt,
			Models:    p.Models,
			Available: p.Available,
			Frozen:    p.Frozen,
			Used:      p.Used,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": out})
}

func (h *Handler) entries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := quotaledger.EntryFilter{
		UserID:          q.Get("user_id"),
		RequestID:       q.Get("request_id"),
		AuthorizationID: q.Get("authorization_id"),
		OrderID:         q.Get("order_id"),
		Type:            quotaledger.EntryType(q.Get("type")),
		Limit:           defaultEntryLimit,
	}
	if filter.UserID == "" && filter.RequestID == "" && filter.AuthorizationID == "" && filter.OrderID == "" {
		h.fail(w, r, fmt.Errorf("%w: one of user_id, request_id, authorization_id or order_id is required", quotaledger.ErrInvalidRequest))
		return
	}
	if filter.Type != "" && !filter.Type.Valid() {
		h.fail(w, r, fmt.Errorf("%w: unknown entry type %q", quotaledger.ErrInvalidRequest, filter.Type))
		return
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", quotaledger.ErrInvalidRequest))
			return
		}
		filter.Limit = min(n, maxEntryLimit)
	}

	entries, err := h.svc.Entries(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []quotaledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// fail writes the error response for err. Server-side failures are logged;
// their details are not returned.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeErrorWith(w, err, nil)
}

func requireHeader(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.Header.Get(name)
	if v == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", name+" header is required")
		return "", false
	}
	return v, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
