package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/registry"
)

func testConfig(baseURL string) registry.Config {
	return registry.Config{
		BaseURL:        baseURL,
		PageSize:       10,
		MaxPages:       20,
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		PageTimeout:    2 * time.Second,
		Concurrency:    2,
		Location:       time.UTC,
	}
}

func testRange() model.DateRange {
	return model.DateRange{
		From: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC),
	}
}

func notice(id, uf string) map[string]any {
	return map[string]any{
		"numeroControlePNCP":       id,
		"uf":                       uf,
		"valorTotalEstimado":       1000.0,
		"objetoCompra":             "Aquisição de uniformes escolares",
		"dataPublicacaoPncp":       "2026-10-02T10:00:00",
		"dataEncerramentoProposta": "2026-10-30T18:00:00",
		"situacaoCompraNome":       "Divulgada no PNCP",
		"linkSistemaOrigem":        "https://pncp.gov.br/" + id,
	}
}

func writePage(w http.ResponseWriter, data []map[string]any, next string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data, "nextCursor": next})
}

// pagedServer serves `pages` pages of `perPage` notices for every UF.
func pagedServer(t *testing.T, pages, perPage int, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		uf := r.URL.Query().Get("uf")
		page := 1
		if c := r.URL.Query().Get("cursor"); c != "" {
			page, _ = strconv.Atoi(c)
		}
		data := make([]map[string]any, 0, perPage)
		for i := 0; i < perPage; i++ {
			data = append(data, notice(fmt.Sprintf("%s-%d-%d", uf, page, i), uf))
		}
		next := ""
		if page < pages {
			next = strconv.Itoa(page + 1)
		}
		writePage(w, data, next)
	}))
}

func collect(t *testing.T, s *registry.Stream) ([]model.Bid, error) {
	t.Helper()
	var (
		bids []model.Bid
		last error
	)
	for bid, err := range s.All() {
		if err != nil {
			last = err
			continue
		}
		bids = append(bids, bid)
	}
	return bids, last
}

func TestFetch_PaginatesEveryJurisdictionUntilTerminalCursor(t *testing.T) {
	var hits atomic.Int64
	srv := pagedServer(t, 3, 4, &hits)
	defer srv.Close()

	c := registry.NewClient(testConfig(srv.URL), nil, nil)

	var progressCalls atomic.Int64
	stream := c.Fetch(context.Background(), registry.Query{
		Jurisdictions: []string{"SP", "rj"},
		Range:         testRange(),
	}, func(registry.Progress) { progressCalls.Add(1) })

	bids, err := collect(t, stream)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(bids) != 24 {
		t.Errorf("len(bids) = %d, want 24", len(bids))
	}

	perUF := map[string]int{}
	for _, b := range bids {
		perUF[b.Jurisdiction]++
	}
	if perUF["SP"] != 12 || perUF["RJ"] != 12 {
		t.Errorf("per-jurisdiction counts = %v, want SP:12 RJ:12", perUF)
	}

	stats := stream.Stats()
	if stats.Pages != 6 {
		t.Errorf("stats.Pages = %d, want 6", stats.Pages)
	}
	if len(stats.Truncated) != 0 {
		t.Errorf("stats.Truncated = %v, want none", stats.Truncated)
	}
	if progressCalls.Load() != 6 {
		t.Errorf("progress called %d times, want 6", progressCalls.Load())
	}
	if hits.Load() != 6 {
		t.Errorf("server hits = %d, want 6", hits.Load())
	}
}

func TestFetch_EndlessCursorIsBoundedByMaxPages(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		writePage(w, []map[string]any{notice(fmt.Sprintf("id-%d", n), "SP")}, fmt.Sprintf("c%d", n))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxPages = 7
	c := registry.NewClient(cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := c.Fetch(ctx, registry.Query{Jurisdictions: []string{"SP"}, Range: testRange()}, nil)
	bids, err := collect(t, stream)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(bids) != 7 {
		t.Errorf("len(bids) = %d, want 7", len(bids))
	}
	if hits.Load() != 7 {
		t.Errorf("server hits = %d, want 7 (max_pages)", hits.Load())
	}
	if got := stream.Stats().Truncated; len(got) != 1 || got[0] != "SP" {
		t.Errorf("stats.Truncated = %v, want [SP]", got)
	}
}

func TestFetch_RepeatedCursorStopsPagination(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		writePage(w, []map[string]any{notice(fmt.Sprintf("id-%d", n), "SP")}, "same")
	}))
	defer srv.Close()

	c := registry.NewClient(testConfig(srv.URL), nil, nil)
	stream := c.Fetch(context.Background(), registry.Query{Jurisdictions: []string{"SP"}, Range: testRange()}, nil)

	bids, err := collect(t, stream)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
	if len(bids) != 2 {
		t.Errorf("len(bids) = %d, want 2", len(bids))
	}
	if len(stream.Stats().Truncated) != 1 {
		t.Errorf("cursor loop must be reported as truncation")
	}
}

func TestFetch_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		writePage(w, []map[string]any{notice("ok-1", "SP")}, "")
	}))
	defer srv.Close()

	c := registry.NewClient(testConfig(srv.URL), nil, nil)
	stream := c.Fetch(context.Background(), registry.Query{Jurisdictions: []string{"SP"}, Range: testRange()}, nil)

	bids, err := collect(t, stream)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(bids) != 1 {
		t.Errorf("len(bids) = %d, want 1", len(bids))
	}
	if got := stream.Stats().Retries; got != 2 {
		t.Errorf("stats.Retries = %d, want 2", got)
	}
}

func TestFetch_RateLimitIsRetriedHonouringRetryAfter(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writePage(w, []map[string]any{notice("ok-1", "SP")}, "")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.BackoffMax = 30 * time.Millisecond // caps the 1s hint
	c := registry.NewClient(cfg, nil, nil)

	start := time.Now()
	bids, err := collect(t, c.Fetch(context.Background(), registry.Query{Jurisdictions: []string{"SP"}, Range: testRange()}, nil))
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(bids) != 1 {
		t.Errorf("len(bids) = %d, want 1", len(bids))
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("retry after 429 waited %v, want at least the 30ms floor", elapsed)
	}
}

func TestFetch_ClientErrorIsFatalAndNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"message":"invalid uf"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := registry.NewClient(testConfig(srv.URL), nil, nil)
	_, err := collect(t, c.Fetch(context.Background(), registry.Query{Jurisdictions: []string{"XX"}, Range: testRange()}, nil))

	var fe *registry.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *registry.FatalError", err)
	}
	if fe.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", fe.StatusCode)
	}
	if registry.IsRetryable(err) {
		t.Error("IsRetryable(fatal) = true, want false")
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1 (no retry)", hits.Load())
	}
}

func TestFetch_MalformedSchemaIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": "not-an-array"}`))
	}))
	defer srv.Close()

	c := registry.NewClient(testConfig(srv.URL), nil, nil)
	_, err := collect(t, c.Fetch(context.Background(), registry.Query{Jurisdictions: []string{"SP"}, Range: testRange()}, nil))

	var fe *registry.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *registry.FatalError", err)
	}
}

func TestFetch_ExhaustedRetriesAfterPartialSuccessYieldsPartialResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			writePage(w, []map[string]any{notice("a", "SP"), notice("b", "SP")}, "2")
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := registry.NewClient(testConfig(srv.URL), nil, nil)
	bids, err := collect(t, c.Fetch(context.Background(), registry.Query{Jurisdictions: []string{"SP"}, Range: testRange()}, nil))

	if len(bids) != 2 {
		t.Errorf("len(bids) = %d, want 2 emitted before the failure", len(bids))
	}
	var pe *registry.PartialResultError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *registry.PartialResultError", err)
	}
	if pe.Fetched != 2 {
		t.Errorf("PartialResultError.Fetched = %d, want 2", pe.Fetched)
	}
	if len(pe.Failed) != 1 || pe.Failed[0] != "SP" {
		t.Errorf("PartialResultError.Failed = %v, want [SP]", pe.Failed)
	}
	if !registry.IsRetryable(err) {
		t.Error("exhausted 503 retries should still classify as retryable")
	}
}

func TestFetch_FatalErrorAfterOtherJurisdictionEmittedIsNotPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("uf") == "RJ" {
			http.Error(w, `{"message":"invalid uf"}`, http.StatusBadRequest)
			return
		}
		writePage(w, []map[string]any{notice("a", "SP"), notice("b", "SP")}, "")
	}))
	defer srv.Close()

	c := registry.NewClient(testConfig(srv.URL), nil, nil)
	bids, err := collect(t, c.Fetch(context.Background(), registry.Query{Jurisdictions: []string{"SP", "RJ"}, Range: testRange()}, nil))

	if len(bids) != 2 {
		t.Errorf("len(bids) = %d, want 2 from SP", len(bids))
	}
	var pe *registry.PartialResultError
	if errors.As(err, &pe) {
		t.Fatalf("error = %v, a fatal failure must not be reported as partial", err)
	}
	var fe *registry.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *registry.FatalError", err)
	}
	if registry.IsRetryable(err) {
		t.Error("IsRetryable(fatal) = true, want false")
	}
}

func TestFetch_UnreachableRegistryIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := registry.NewClient(testConfig(url), nil, nil)
	bids, err := collect(t, c.Fetch(context.Background(), registry.Query{Jurisdictions: []string{"SP"}, Range: testRange()}, nil))
	if len(bids) != 0 {
		t.Errorf("len(bids) = %d, want 0", len(bids))
	}
	if !registry.IsRetryable(err) {
		t.Errorf("error = %v, want a retryable error", err)
	}
}

func TestFetch_MalformedRecordsAreDroppedAndCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": [
			{"numeroControlePNCP": "ok-1", "uf": "SP", "objetoCompra": "uniformes"},
			{"uf": "SP", "objetoCompra": "sem identificador"},
			{"numeroControlePNCP": "bad-value", "valorTotalEstimado": "abc"},
			42
		]}`))
	}))
	defer srv.Close()

	c := registry.NewClient(testConfig(srv.URL), nil, nil)
	stream := c.Fetch(context.Background(), registry.Query{Jurisdictions: []string{"SP"}, Range: testRange()}, nil)
	bids, err := collect(t, stream)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(bids) != 1 || bids[0].ID != "ok-1" {
		t.Errorf("bids = %+v, want only ok-1", bids)
	}
	if got := stream.Stats().Malformed; got != 3 {
		t.Errorf("stats.Malformed = %d, want 3", got)
	}
}

func TestFetch_NoContentIsAnEmptyFinalPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := registry.NewClient(testConfig(srv.URL), nil, nil)
	bids, err := collect(t, c.Fetch(context.Background(), registry.Query{Jurisdictions: []string{"AC"}, Range: testRange()}, nil))
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(bids) != 0 {
		t.Errorf("len(bids) = %d, want 0", len(bids))
	}
}

func TestFetch_BreakingOutCancelsOutstandingPages(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) > 1 {
			// Every page after the first hangs until the test ends.
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		writePage(w, []map[string]any{notice("first", "SP")}, "2")
	}))
	defer srv.Close()
	defer close(release)

	c := registry.NewClient(testConfig(srv.URL), nil, nil)
	stream := c.Fetch(context.Background(), registry.Query{Jurisdictions: []string{"SP"}, Range: testRange()}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, err := range stream.All() {
			if err != nil {
				t.Errorf("unexpected error before break: %v", err)
			}
			break
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("breaking out of the sequence did not cancel the hanging page fetch")
	}
}

func TestFetch_CanceledContextSurfacesCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := registry.NewClient(testConfig(srv.URL), nil, nil)
	_, err := collect(t, c.Fetch(ctx, registry.Query{Jurisdictions: []string{"SP"}, Range: testRange()}, nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestStream_SecondIterationIsRejected(t *testing.T) {
	var hits atomic.Int64
	srv := pagedServer(t, 1, 1, &hits)
	defer srv.Close()

	c := registry.NewClient(testConfig(srv.URL), nil, nil)
	stream := c.Fetch(context.Background(), registry.Query{Jurisdictions: []string{"SP"}, Range: testRange()}, nil)
	if _, err := collect(t, stream); err != nil {
		t.Fatalf("first iteration: %v", err)
	}
	if _, err := collect(t, stream); !errors.Is(err, registry.ErrStreamConsumed) {
		t.Errorf("second iteration error = %v, want ErrStreamConsumed", err)
	}
}
