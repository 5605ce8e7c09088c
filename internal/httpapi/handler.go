// Package httpapi implements the HTTP transport for the search service.
//
// All routes except /health and /metrics expect an x-user-id header
// forwarded by the Gateway.
//
// Routes:
//
//	POST /search   → run one search
//	GET  /me/plan  → resolved plan for the caller
//	GET  /health   → liveness
//	GET  /metrics  → Prometheus exposition
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/billing"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/metrics"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/plan"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/search"
)

const maxBodySize = 1 << 20

// Searcher is the orchestrator surface the handler needs.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	ResolvePlan(ctx context.Context, userID string) (plan.Resolution, error)
}

// ─── Request / response types ────────────────────────────────────────────────

// PlanView is the JSON shape of GET /me/plan.
type PlanView struct {
	billing.PlanRecord
	Name             string `json:"name"`
	SearchesPerMonth int64  `json:"searchesPerMonth"`
	MaxResults       int    `json:"maxResults"`
	Degraded         bool   `json:"degraded"`
}

// ErrorBody is returned for every non-2xx response.
type ErrorBody struct {
	Error     string `json:"error"`
	State     string `json:"state,omitempty"`
	Retryable bool   `json:"retryable"`
}

// ─── Handler ─────────────────────────────────────────────────────────────────

// Handler holds shared dependencies.
type Handler struct {
	svc     Searcher
	metrics *metrics.Collector
	log     *slog.Logger
}

// NewHandler returns a configured Handler.
func NewHandler(svc Searcher, m *metrics.Collector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, metrics: m, log: logger}
}

// Router mounts all routes on a chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Post("/search", h.search)
	r.Get("/me/plan", h.myPlan)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		jsonOK(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	return r
}

// ─── Individual handlers ──────────────────────────────────────────────────────

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("x-user-id")
	if userID == "" {
		jsonError(w, ErrorBody{Error: "missing x-user-id header"}, http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var body search.Params
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		jsonError(w, ErrorBody{Error: msg}, http.StatusBadRequest)
		return
	}

	req, err := body.Request(userID)
	if err != nil {
		h.writeSearchError(w, err)
		return
	}

	resp, err := h.svc.Search(r.Context(), req)
	if err != nil {
		h.writeSearchError(w, err)
		return
	}
	jsonOK(w, resp)
}

func (h *Handler) myPlan(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("x-user-id")
	if userID == "" {
		jsonError(w, ErrorBody{Error: "missing x-user-id header"}, http.StatusUnauthorized)
		return
	}

	res, err := h.svc.ResolvePlan(r.Context(), userID)
	if err != nil && !errors.Is(err, plan.ErrUnavailable) {
		h.writeSearchError(w, err)
		return
	}
	p := res.Record.Plan()
	jsonOK(w, PlanView{
		PlanRecord:       res.Record,
		Name:             p.Name,
		SearchesPerMonth: p.SearchesPerMonth,
		MaxResults:       p.MaxResults,
		Degraded:         res.Degraded(),
	})
}

// writeSearchError maps orchestrator errors to HTTP status codes.
func (h *Handler) writeSearchError(w http.ResponseWriter, err error) {
	if errors.Is(err, search.ErrInvalidRequest) {
		jsonError(w, ErrorBody{Error: err.Error()}, http.StatusBadRequest)
		return
	}

	var f *search.Failure
	if !errors.As(err, &f) {
		h.log.Error("unexpected search error", "err", err)
		jsonError(w, ErrorBody{Error: "internal server error"}, http.StatusInternalServerError)
		return
	}

	body := ErrorBody{Error: f.Err.Error(), State: string(f.State), Retryable: f.Retryable}
	switch {
	case f.Retryable:
		jsonError(w, body, http.StatusServiceUnavailable)
	case f.State == search.StateFetching:
		jsonError(w, body, http.StatusBadGateway)
	default:
		jsonError(w, body, http.StatusInternalServerError)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, body ErrorBody, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
