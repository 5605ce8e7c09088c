package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/billing"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/filter"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/metrics"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/plan"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/quota"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/registry"
)

// ─── Collaborators ───────────────────────────────────────────────────────────

// Registry is the bid source.
type Registry interface {
	Fetch(ctx context.Context, q registry.Query, progress registry.ProgressFunc) *registry.Stream
}

// PlanResolver resolves the plan a request runs under.
type PlanResolver interface {
	Resolve(ctx context.Context, userID string) (plan.Resolution, error)
}

// Deps are the collaborators a Service needs. Handoff, Metrics and Logger
// are optional.
type Deps struct {
	Registry Registry
	Plans    PlanResolver
	Quota    quota.Store
	Sectors  *filter.Catalog
	Handoff  Handoff
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Config holds the request-level timeouts.
type Config struct {
	SearchTimeout  time.Duration // end to end
	QuotaTimeout   time.Duration // one check-and-increment call
	HandoffTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SearchTimeout:  120 * time.Second,
		QuotaTimeout:   3 * time.Second,
		HandoffTimeout: 2 * time.Second,
	}
}

// ─── Request / response ──────────────────────────────────────────────────────

// Request is one search as submitted by a caller.
type Request struct {
	UserID           string
	Jurisdictions    []string
	Range            model.DateRange
	Mode             model.Mode
	Sector           string
	Keywords         []string
	Exclusions       []string
	ValueMin         *float64
	ValueMax         *float64
	KeepMissingValue bool
}

// FetchSummary reports registry-side counters for one search.
type FetchSummary struct {
	Pages     int      `json:"pages"`
	Malformed int      `json:"malformed"`
	Retries   int      `json:"retries"`
	Truncated []string `json:"truncated,omitempty"`
}

// Response is a completed search. TotalMatches always counts every bid that
// passed the filters; Bids holds only what the plan and quota reveal.
type Response struct {
	RequestID      string             `json:"requestId"`
	State          State              `json:"state"`
	Bids           []model.Bid        `json:"bids"`
	TotalMatches   int                `json:"totalMatches"`
	Revealed       int                `json:"revealed"`
	Stats          filter.Stats       `json:"stats"`
	Plan           billing.PlanRecord `json:"-"`
	PlanID         string             `json:"planId"`
	PlanSource     billing.Source     `json:"planSource"`
	QuotaRemaining int64              `json:"quotaRemaining"`
	Truncated      bool               `json:"truncated"`
	QuotaExceeded  bool               `json:"quotaExceeded"`
	QuotaDegraded  bool               `json:"quotaDegraded"`
	Partial        bool               `json:"partial"`
	Warnings       []string           `json:"warnings"`
	Fetch          FetchSummary       `json:"fetch"`
}

// ─── Service ─────────────────────────────────────────────────────────────────

// Service orchestrates searches. It holds no per-request state and is safe
// for concurrent use.
type Service struct {
	deps   Deps
	cfg    Config
	tracer trace.Tracer
	now    func() time.Time
}

// NewService returns a configured Service.
func NewService(deps Deps, cfg Config) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Handoff == nil {
		deps.Handoff = noHandoff{}
	}
	if deps.Sectors == nil {
		deps.Sectors, _ = filter.NewCatalog(filter.BuiltinSectors())
	}
	def := DefaultConfig()
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = def.SearchTimeout
	}
	if cfg.QuotaTimeout <= 0 {
		cfg.QuotaTimeout = def.QuotaTimeout
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = def.HandoffTimeout
	}
	return &Service{
		deps:   deps,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/tjsasakifln/PNCP-poc-sub005/internal/search"),
		now:    time.Now,
	}
}

// WithClock overrides the service's time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ResolvePlan exposes plan resolution on its own.
func (s *Service) ResolvePlan(ctx context.Context, userID string) (plan.Resolution, error) {
	if strings.TrimSpace(userID) == "" {
		return plan.Resolution{}, &ValidationError{Msg: "user id is required"}
	}
	return s.deps.Plans.Resolve(ctx, userID)
}

// Search runs one request through FETCHING → FILTERING → QUOTA_CHECK → DONE.
// A nil error means DONE; otherwise the error is a *ValidationError or a
// *Failure.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	criteria, err := s.criteria(req)
	if err != nil {
		return nil, err
	}

	started := s.now()
	resp := &Response{
		RequestID: uuid.NewString(),
		State:     StateFetching,
		Warnings:  []string{},
	}
	log := s.deps.Logger.With("requestId", resp.RequestID, "userId", req.UserID)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SearchTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "search",
		trace.WithAttributes(
			attribute.String("search.request_id", resp.RequestID),
			attribute.String("search.mode", string(req.Mode)),
			attribute.StringSlice("search.jurisdictions", criteria.Jurisdictions),
		))
	defer span.End()

	m := newMachine()
	fail := func(retryable bool, err error) (*Response, error) {
		from := m.fail()
		resp.State = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.deps.Metrics.ObserveSearch(string(StateFailed), s.now().Sub(started))
		log.Warn("search failed", "state", from, "retryable", retryable, "err", err)
		return resp, &Failure{State: from, Retryable: retryable, Err: err}
	}
	advance := func(next State) {
		if err := m.to(next); err != nil {
			// unreachable with the fixed call order below
			log.Error("search state machine", "err", err)
		}
		resp.State = next
	}

	// ── FETCHING (filtering runs incrementally as bids arrive) ──
	chain := filter.New(criteria, req.Mode, s.now())
	run := chain.Begin()

	fetchCtx, fetchSpan := s.tracer.Start(ctx, "registry.fetch")
	stream := s.deps.Registry.Fetch(fetchCtx,
		registry.Query{Jurisdictions: criteria.Jurisdictions, Range: req.Range},
		func(p registry.Progress) {
			log.Debug("registry page", "jurisdiction", p.Jurisdiction, "page", p.Page, "fetched", p.Fetched)
		})

	var fetchErr error
	for bid, err := range stream.All() {
		if err != nil {
			fetchErr = err
			break
		}
		run.Add(bid)
	}
	fs := stream.Stats()
	resp.Fetch = FetchSummary{Pages: fs.Pages, Malformed: fs.Malformed, Retries: fs.Retries, Truncated: fs.Truncated}
	fetchSpan.SetAttributes(attribute.Int("registry.pages", fs.Pages), attribute.Int("registry.fetched", fs.Fetched))
	fetchSpan.End()

	if fetchErr != nil {
		var partial *registry.PartialResultError
		switch {
		case ctx.Err() != nil:
			return fail(true, fmt.Errorf("search canceled while fetching: %w", fetchErr))
		case errors.As(fetchErr, &partial):
			resp.Partial = true
			resp.Warnings = append(resp.Warnings, fmt.Sprintf(
				"registry failed for %s after %d bids; results are incomplete",
				strings.Join(partial.Failed, ","), partial.Fetched))
			log.Warn("registry returned a partial result", "failed", partial.Failed, "err", fetchErr)
		default:
			return fail(registry.IsRetryable(fetchErr), fetchErr)
		}
	}
	if len(fs.Truncated) > 0 {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf(
			"pagination stopped early for %s; some notices may be missing", strings.Join(fs.Truncated, ",")))
	}
	if fs.Malformed > 0 {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("%d malformed registry records were skipped", fs.Malformed))
	}

	// ── FILTERING ──
	advance(StateFiltering)
	result := run.Result()
	if err := result.Check(); err != nil {
		log.Error("filter accounting", "err", err)
	}
	resp.Stats = result.Stats
	resp.TotalMatches = len(result.Survivors)
	s.deps.Metrics.ObserveStageRejections(stageCounts(result.Stats))
	span.SetAttributes(attribute.Int("search.fetched", result.Input), attribute.Int("search.matches", resp.TotalMatches))

	survivors := result.Survivors
	slices.SortStableFunc(survivors, func(a, b model.Bid) int {
		if c := b.PublishedAt.Compare(a.PublishedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	// ── QUOTA_CHECK ──
	advance(StateQuotaCheck)
	if err := ctx.Err(); err != nil {
		return fail(true, fmt.Errorf("search canceled before quota check: %w", err))
	}

	quotaCtx, quotaSpan := s.tracer.Start(ctx, "quota.check")
	resolution, planErr := s.deps.Plans.Resolve(quotaCtx, req.UserID)
	if ctx.Err() != nil {
		quotaSpan.End()
		return fail(true, fmt.Errorf("search canceled while resolving plan: %w", ctx.Err()))
	}
	record := resolution.Record
	p := record.Plan()
	resp.Plan, resp.PlanID, resp.PlanSource = record, record.PlanID, record.Source
	for _, f := range resolution.Failures {
		log.Warn("plan layer unavailable", "layer", f.Source, "err", f.Err)
	}

	qres, quotaErr := s.checkQuota(quotaCtx, req.UserID, p)
	quotaSpan.End()

	reveal := revealCap(p.MaxResults, len(survivors))
	switch {
	case quotaErr != nil && ctx.Err() != nil:
		return fail(true, fmt.Errorf("search canceled during quota check: %w", ctx.Err()))

	case quotaErr != nil && planErr != nil:
		s.deps.Metrics.ObserveQuota("failed")
		return fail(true, errors.Join(&QuotaBackendError{Err: quotaErr}, planErr))

	case quotaErr != nil:
		s.deps.Metrics.ObserveQuota("degraded")
		resp.QuotaDegraded = true
		resp.QuotaRemaining = quota.Unlimited
		resp.Warnings = append(resp.Warnings, "usage quota could not be checked; this search was not counted")
		log.Warn("quota backend unavailable, serving degraded result", "plan", record.PlanID, "err", quotaErr)

	case !qres.Allowed:
		s.deps.Metrics.ObserveQuota("exceeded")
		resp.QuotaExceeded = true
		resp.QuotaRemaining = 0
		reveal = revealCap(p.PreviewResults, len(survivors))
		if p.PreviewResults <= 0 {
			reveal = 0
		}

	default:
		s.deps.Metrics.ObserveQuota("allowed")
		resp.QuotaRemaining = qres.Remaining
	}
	if planErr != nil && quotaErr == nil {
		resp.Warnings = append(resp.Warnings, "plan data unavailable; default plan limits applied")
	}

	resp.Bids = append([]model.Bid{}, survivors[:reveal]...)
	resp.Revealed = reveal
	resp.Truncated = reveal < resp.TotalMatches

	// ── DONE ──
	advance(StateDone)
	s.handoff(ctx, log, req.UserID, resp)
	s.deps.Metrics.ObserveSearch(string(StateDone), s.now().Sub(started))
	log.Info("search completed",
		"matches", resp.TotalMatches, "revealed", resp.Revealed,
		"plan", resp.PlanID, "planSource", resp.PlanSource,
		"quotaExceeded", resp.QuotaExceeded, "quotaDegraded", resp.QuotaDegraded)
	return resp, nil
}

// checkQuota runs one check-and-increment under its own timeout. It is not
// retried: a retry after an ambiguous failure could count the request twice.
func (s *Service) checkQuota(ctx context.Context, userID string, p billing.Plan) (quota.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QuotaTimeout)
	defer cancel()
	return s.deps.Quota.CheckAndIncrement(ctx, userID, quota.PeriodKey(s.now()), p.SearchesPerMonth)
}

func (s *Service) handoff(ctx context.Context, log *slog.Logger, userID string, resp *Response) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.HandoffTimeout)
	defer cancel()
	err := s.deps.Handoff.Deliver(ctx, Delivery{
		RequestID:    resp.RequestID,
		UserID:       userID,
		Plan:         resp.Plan,
		Bids:         resp.Bids,
		TotalMatches: resp.TotalMatches,
		CompletedAt:  s.now().UTC(),
	})
	if err != nil {
		log.Warn("publish "+EventSearchCompleted+" failed", "err", err)
	}
}

// criteria validates req and merges in the sector defaults.
func (s *Service) criteria(req Request) (model.SearchCriteria, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return model.SearchCriteria{}, &ValidationError{Msg: "user id is required"}
	}
	if req.Mode != model.ModePublished && req.Mode != model.ModeOpen {
		return model.SearchCriteria{}, &ValidationError{Msg: fmt.Sprintf("unknown search mode %q", req.Mode)}
	}
	if err := req.Range.Validate(); err != nil {
		return model.SearchCriteria{}, &ValidationError{Msg: err.Error()}
	}

	seen := make(map[string]bool, len(req.Jurisdictions))
	var ufs []string
	for _, uf := range req.Jurisdictions {
		uf = model.NormalizeJurisdiction(uf)
		if uf == "" || seen[uf] {
			continue
		}
		seen[uf] = true
		ufs = append(ufs, uf)
	}
	if len(ufs) == 0 {
		return model.SearchCriteria{}, &ValidationError{Msg: "at least one jurisdiction is required"}
	}

	c := model.SearchCriteria{
		Jurisdictions:    ufs,
		ValueMin:         req.ValueMin,
		ValueMax:         req.ValueMax,
		KeepMissingValue: req.KeepMissingValue,
		Keywords:         req.Keywords,
		Exclusions:       req.Exclusions,
	}

	if len(req.Keywords) == 0 {
		id := req.Sector
		if id == "" {
			id = filter.DefaultSectorID
		}
		sector, ok := s.deps.Sectors.Lookup(id)
		if !ok {
			return model.SearchCriteria{}, &ValidationError{Msg: fmt.Sprintf("unknown sector %q", id)}
		}
		c.Keywords = sector.Keywords
		c.Exclusions = append(append([]string(nil), sector.Exclusions...), req.Exclusions...)
		if c.ValueMin == nil {
			c.ValueMin = sector.ValueMin
		}
		if c.ValueMax == nil {
			c.ValueMax = sector.ValueMax
		}
	}

	if c.ValueMin != nil && c.ValueMax != nil && *c.ValueMin > *c.ValueMax {
		return model.SearchCriteria{}, &ValidationError{Msg: "valueMin must not exceed valueMax"}
	}
	return c, nil
}

func revealCap(limit, n int) int {
	if limit <= 0 || limit > n {
		return n
	}
	return limit
}

func stageCounts(stats filter.Stats) map[string]int {
	out := make(map[string]int, len(stats))
	for k, v := range stats {
		out[string(k)] = v
	}
	return out
}
