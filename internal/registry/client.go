// Package registry fetches procurement notices from the PNCP public registry.
//
// Each jurisdiction gets its own pagination sequence. Pages are retried with
// exponential backoff when the failure is transient, and pagination stops at
// the registry's terminal cursor or at the configured page ceiling,
// whichever comes first. Bids are emitted as soon as their page arrives so
// filtering can start before pagination completes.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/metrics"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
)

const (
	noticesPath     = "/v1/contratacoes/publicacao"
	registryDateFmt = "20060102"
)

// Config controls pagination and retry behaviour.
type Config struct {
	BaseURL        string
	PageSize       int
	MaxPages       int // hard ceiling per jurisdiction; bounds worst-case latency
	MaxAttempts    int // total attempts per page, first try included
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	PageTimeout    time.Duration // per HTTP call, distinct from the search deadline
	RatePerSecond  float64       // 0 disables the outbound limiter
	Concurrency    int           // jurisdictions fetched in parallel
	Location       *time.Location
}

// DefaultConfig returns production defaults. MaxPages is deliberately
// generous: a low ceiling silently truncates large result sets.
func DefaultConfig() Config {
	return Config{
		PageSize:       50,
		MaxPages:       500,
		MaxAttempts:    5,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		PageTimeout:    20 * time.Second,
		RatePerSecond:  10,
		Concurrency:    4,
	}
}

// Query selects the notices to fetch.
type Query struct {
	Jurisdictions []string
	Range         model.DateRange
}

// Progress is reported after every page. It may be delivered from several
// goroutines at once.
type Progress struct {
	Jurisdiction string
	Page         int
	Fetched      int // bids emitted so far for this jurisdiction
}

// ProgressFunc receives pagination progress. It must not block.
type ProgressFunc func(Progress)

// Stats summarises one fetch. Read it after the sequence is exhausted.
type Stats struct {
	Pages     int
	Fetched   int
	Malformed int
	Retries   int
	Truncated []string // jurisdictions stopped by the page ceiling or a cursor loop
}

// Client is a resilient paginated fetcher. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	metrics *metrics.Collector
	log     *slog.Logger
}

// NewClient constructs a Client. Zero-valued config fields fall back to
// DefaultConfig.
func NewClient(cfg Config, m *metrics.Collector, log *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = def.PageTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Location == nil {
		cfg.Location = brasiliaTime()
	}
	if log == nil {
		log = slog.Default()
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: rate.NewLimiter(limit, 1),
		metrics: m,
		log:     log,
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Fetch prepares a lazy fetch. Nothing is requested until the returned
// Stream is iterated. A Stream can be iterated only once.
func (c *Client) Fetch(ctx context.Context, q Query, progress ProgressFunc) *Stream {
	if progress == nil {
		progress = func(Progress) {}
	}
	return &Stream{c: c, ctx: ctx, q: q, progress: progress}
}

// Stream is a single-use lazy sequence of bids.
type Stream struct {
	c        *Client
	ctx      context.Context
	q        Query
	progress ProgressFunc

	started   atomic.Bool
	pages     atomic.Int64
	fetched   atomic.Int64
	malformed atomic.Int64
	retries   atomic.Int64

	mu        sync.Mutex
	truncated []string
}

// ErrStreamConsumed is yielded when a Stream is iterated a second time.
var ErrStreamConsumed = errors.New("registry: stream already consumed")

// All yields bids as pages arrive. If pagination fails, the last pair yielded
// carries the error: a *PartialResultError when some bids were already
// emitted and every failure was transient, otherwise the joined underlying
// errors. A fatal error is never downgraded to a partial result. Breaking out
// of the loop cancels outstanding page fetches.
func (s *Stream) All() iter.Seq2[model.Bid, error] {
	return func(yield func(model.Bid, error) bool) {
		if !s.started.CompareAndSwap(false, true) {
			yield(model.Bid{}, ErrStreamConsumed)
			return
		}

		ctx, cancel := context.WithCancel(s.ctx)
		defer cancel()

		out := make(chan model.Bid, s.c.cfg.PageSize)
		done := make(chan error, 1)

		var (
			errMu  sync.Mutex
			errs   []error
			failed []string
		)

		var g errgroup.Group
		g.SetLimit(s.c.cfg.Concurrency)
		go func() {
			for _, uf := range s.q.Jurisdictions {
				uf := model.NormalizeJurisdiction(uf)
				g.Go(func() error {
					if err := s.paginate(ctx, uf, out); err != nil {
						errMu.Lock()
						errs = append(errs, err)
						failed = append(failed, uf)
						errMu.Unlock()
					}
					return nil
				})
			}
			done <- g.Wait()
			close(out)
		}()

		for bid := range out {
			if !yield(bid, nil) {
				cancel()
				for range out {
				}
				<-done
				return
			}
		}
		<-done

		if err := s.ctx.Err(); err != nil {
			yield(model.Bid{}, fmt.Errorf("registry fetch canceled: %w", err))
			return
		}
		if len(errs) == 0 {
			return
		}
		joined := errors.Join(errs...)
		if n := int(s.fetched.Load()); n > 0 && allRetryable(errs) {
			yield(model.Bid{}, &PartialResultError{Fetched: n, Failed: failed, Err: joined})
			return
		}
		yield(model.Bid{}, joined)
	}
}

func allRetryable(errs []error) bool {
	for _, err := range errs {
		if !IsRetryable(err) {
			return false
		}
	}
	return true
}

// Stats returns counters accumulated so far.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	truncated := append([]string(nil), s.truncated...)
	s.mu.Unlock()
	return Stats{
		Pages:     int(s.pages.Load()),
		Fetched:   int(s.fetched.Load()),
		Malformed: int(s.malformed.Load()),
		Retries:   int(s.retries.Load()),
		Truncated: truncated,
	}
}

func (s *Stream) markTruncated(uf string) {
	s.mu.Lock()
	s.truncated = append(s.truncated, uf)
	s.mu.Unlock()
}

// paginate walks one jurisdiction's cursor chain and pushes bids into out.
func (s *Stream) paginate(ctx context.Context, uf string, out chan<- model.Bid) error {
	var (
		cursor  string
		emitted int
		seen    = make(map[string]struct{})
	)

	for page := 1; page <= s.c.cfg.MaxPages; page++ {
		resp, err := s.c.fetchPageWithRetry(ctx, uf, s.q.Range, cursor, s)
		if err != nil {
			return fmt.Errorf("jurisdiction %s page %d: %w", uf, page, err)
		}

		for _, raw := range resp.Data {
			bid, err := normalize(raw, uf, s.c.cfg.Location)
			if err != nil {
				s.malformed.Add(1)
				s.c.metrics.ObserveMalformed()
				s.c.log.Warn("dropping malformed registry record", "jurisdiction", uf, "page", page, "err", err)
				continue
			}
			select {
			case out <- bid:
				emitted++
				s.fetched.Add(1)
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		s.pages.Add(1)
		s.progress(Progress{Jurisdiction: uf, Page: page, Fetched: emitted})

		next := resp.NextCursor
		if next == "" {
			return nil
		}
		if _, dup := seen[next]; dup || next == cursor {
			s.markTruncated(uf)
			s.c.log.Warn("registry cursor loop detected, stopping pagination",
				"jurisdiction", uf, "page", page, "cursor", next)
			return nil
		}
		seen[next] = struct{}{}
		cursor = next
	}

	s.markTruncated(uf)
	s.c.metrics.ObservePageCeiling()
	s.c.log.Warn("registry page ceiling reached, results truncated",
		"jurisdiction", uf, "maxPages", s.c.cfg.MaxPages, "fetched", emitted)
	return nil
}

// fetchPageWithRetry retries transient failures with jittered exponential
// backoff. Fatal errors and cancellation end the loop immediately.
func (c *Client) fetchPageWithRetry(ctx context.Context, uf string, rng model.DateRange, cursor string, s *Stream) (*pageResponse, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.BackoffInitial
	exp.MaxInterval = c.cfg.BackoffMax
	exp.RandomizationFactor = 0.5
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0

	floor := &floorBackOff{next: exp, max: c.cfg.BackoffMax}
	policy := backoff.WithContext(backoff.WithMaxRetries(floor, uint64(c.cfg.MaxAttempts-1)), ctx)

	var page *pageResponse
	op := func() error {
		p, err := c.fetchPage(ctx, uf, rng, cursor)
		if err == nil {
			page = p
			c.metrics.ObservePage("ok")
			return nil
		}
		var te *TransientError
		if errors.As(err, &te) {
			c.metrics.ObservePage("transient")
			floor.hint(te.RetryAfter)
			return err
		}
		c.metrics.ObservePage("fatal")
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		s.retries.Add(1)
		c.metrics.ObserveRetry(uf)
		c.log.Debug("retrying registry page", "jurisdiction", uf, "cursor", cursor, "wait", wait, "err", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return page, nil
}

// fetchPage performs one HTTP call and classifies the outcome.
func (c *Client) fetchPage(ctx context.Context, uf string, rng model.DateRange, cursor string) (*pageResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() == nil {
			// the deadline is too close for the next token
			return nil, &TransientError{Err: err}
		}
		return nil, err
	}

	params := url.Values{}
	params.Set("uf", uf)
	params.Set("dataInicial", rng.From.Format(registryDateFmt))
	params.Set("dataFinal", rng.To.Format(registryDateFmt))
	params.Set("tamanhoPagina", strconv.Itoa(c.cfg.PageSize))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()

	reqURL := c.cfg.BaseURL + noticesPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &FatalError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isTransientNetErr(err) {
			return nil, &TransientError{Err: fmt.Errorf("http GET: %w", err)}
		}
		return nil, &FatalError{Err: fmt.Errorf("http GET: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		// PNCP answers 204 when the window has no notices.
		return &pageResponse{}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        errors.New("rate limited"),
		}
	case resp.StatusCode >= 500:
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("server error: %s", snippet(body))}
	case resp.StatusCode != http.StatusOK:
		return nil, &FatalError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", snippet(body))}
	}

	var page pageResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &FatalError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode page: %w", err)}
	}
	return &page, nil
}

func isTransientNetErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "…"
	}
	return string(b)
}

func brasiliaTime() *time.Location {
	if loc, err := time.LoadLocation("America/Sao_Paulo"); err == nil {
		return loc
	}
	return time.FixedZone("BRT", -3*60*60)
}
