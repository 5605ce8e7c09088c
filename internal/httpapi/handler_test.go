package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/billing"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/httpapi"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/metrics"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/plan"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/registry"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/search"
)

type fakeSearcher struct {
	got     search.Request
	resp    *search.Response
	err     error
	res     plan.Resolution
	planErr error
}

func (f *fakeSearcher) Search(_ context.Context, req search.Request) (*search.Response, error) {
	f.got = req
	return f.resp, f.err
}

func (f *fakeSearcher) ResolvePlan(context.Context, string) (plan.Resolution, error) {
	return f.res, f.planErr
}

const validBody = `{"jurisdictions":["SP","RJ"],"dateFrom":"2026-10-01","dateTo":"2026-10-14",
	"mode":"open","keywords":["uniforme"],"valueMin":1000}`

func do(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("x-user-id", user)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) httpapi.ErrorBody {
	t.Helper()
	var body httpapi.ErrorBody
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

// ── POST /search ───────────────────────────────────────────────────────────

func TestSearch_OK(t *testing.T) {
	fs := &fakeSearcher{resp: &search.Response{
		RequestID:    "r1",
		State:        search.StateDone,
		Bids:         []model.Bid{{ID: "b1", Jurisdiction: "SP"}},
		TotalMatches: 1,
		Revealed:     1,
		PlanID:       "maquina",
		Warnings:     []string{},
	}}
	h := httpapi.NewHandler(fs, nil, nil).Router()

	rr := do(t, h, http.MethodPost, "/search", "u1", validBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rr.Code, rr.Body)
	}

	var got map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["requestId"] != "r1" || got["state"] != "DONE" || got["totalMatches"] != 1.0 {
		t.Errorf("body = %v", got)
	}

	req := fs.got
	if req.UserID != "u1" || req.Mode != model.ModeOpen || len(req.Jurisdictions) != 2 {
		t.Errorf("request = %+v", req)
	}
	if !req.Range.From.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Range.From = %v, want 2026-10-01", req.Range.From)
	}
	if req.ValueMin == nil || *req.ValueMin != 1000 || req.ValueMax != nil {
		t.Errorf("value bounds = %v/%v, want 1000/nil", req.ValueMin, req.ValueMax)
	}
}

func TestSearch_MissingUser(t *testing.T) {
	h := httpapi.NewHandler(&fakeSearcher{}, nil, nil).Router()
	if rr := do(t, h, http.MethodPost, "/search", "", validBody); rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestSearch_BadBodies(t *testing.T) {
	h := httpapi.NewHandler(&fakeSearcher{}, nil, nil).Router()
	cases := map[string]string{
		"empty":       "",
		"not json":    "{",
		"bad mode":    `{"dateFrom":"2026-10-01","dateTo":"2026-10-14","mode":"closed"}`,
		"no dateFrom": `{"dateTo":"2026-10-14"}`,
		"bad dateTo":  `{"dateFrom":"2026-10-01","dateTo":"14/10/2026"}`,
	}
	for name, body := range cases {
		if rr := do(t, h, http.MethodPost, "/search", "u1", body); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rr.Code)
		}
	}
}

func TestSearch_ErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      int
		state     string
		retryable bool
	}{
		{"validation", &search.ValidationError{Msg: "at least one jurisdiction is required"}, http.StatusBadRequest, "", false},
		{"registry down", &search.Failure{State: search.StateFetching, Retryable: true, Err: &registry.TransientError{StatusCode: 503, Err: errors.New("x")}}, http.StatusServiceUnavailable, "FETCHING", true},
		{"registry rejected", &search.Failure{State: search.StateFetching, Err: &registry.FatalError{StatusCode: 400, Err: errors.New("x")}}, http.StatusBadGateway, "FETCHING", false},
		{"quota outage", &search.Failure{State: search.StateQuotaCheck, Retryable: true, Err: &search.QuotaBackendError{Err: errors.New("x")}}, http.StatusServiceUnavailable, "QUOTA_CHECK", true},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "", false},
	}
	for _, c := range cases {
		h := httpapi.NewHandler(&fakeSearcher{err: c.err}, nil, nil).Router()
		rr := do(t, h, http.MethodPost, "/search", "u1", validBody)
		if rr.Code != c.code {
			t.Errorf("%s: status = %d, want %d", c.name, rr.Code, c.code)
			continue
		}
		body := decodeError(t, rr)
		if body.State != c.state || body.Retryable != c.retryable || body.Error == "" {
			t.Errorf("%s: body = %+v, want state %q retryable %v", c.name, body, c.state, c.retryable)
		}
	}
}

// ── GET /me/plan ───────────────────────────────────────────────────────────

func TestMyPlan(t *testing.T) {
	fs := &fakeSearcher{res: plan.Resolution{
		Record: billing.NewPlanRecord("sala_guerra", "", billing.SourceGrace),
	}}
	h := httpapi.NewHandler(fs, nil, nil).Router()

	rr := do(t, h, http.MethodGet, "/me/plan", "u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var got map[string]any
	_ = json.NewDecoder(rr.Body).Decode(&got)
	if got["planId"] != "sala_guerra" || got["source"] != "grace" || got["degraded"] != false {
		t.Errorf("body = %v", got)
	}
}

func TestMyPlan_UnavailableServesDefault(t *testing.T) {
	fs := &fakeSearcher{
		res:     plan.Resolution{Record: billing.NewPlanRecord("free_trial", "", billing.SourceDefault)},
		planErr: fmt.Errorf("%w: all layers failed", plan.ErrUnavailable),
	}
	h := httpapi.NewHandler(fs, nil, nil).Router()

	rr := do(t, h, http.MethodGet, "/me/plan", "u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var got map[string]any
	_ = json.NewDecoder(rr.Body).Decode(&got)
	if got["planId"] != "free_trial" || got["source"] != "default" {
		t.Errorf("body = %v", got)
	}
}

// ── /health, /metrics ──────────────────────────────────────────────────────

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New()
	m.ObserveQuota("allowed")
	h := httpapi.NewHandler(&fakeSearcher{}, m, nil).Router()

	if rr := do(t, h, http.MethodGet, "/health", "", ""); rr.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", rr.Code)
	}

	rr := do(t, h, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("pncp_search_quota_checks_total")) {
		t.Errorf("/metrics missing quota counter:\n%s", rr.Body)
	}
}
