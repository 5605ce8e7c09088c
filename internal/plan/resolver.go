// Package plan resolves which plan a user's request runs under.
//
// Resolution walks an ordered list of layers and stops at the first one
// that yields a plan:
//
//  1. active subscription
//  2. subscription expired within the grace window
//  3. plan recorded on the user's profile
//  4. the configured default plan
//
// A layer that fails (after retries) is skipped, not treated as "nothing
// found", so a transient subscription-table error falls through to the
// profile rather than straight to the default.
package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/billing"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/metrics"
)

// ErrUnavailable means every store-backed layer failed. The default plan is
// still returned alongside it.
var ErrUnavailable = errors.New("plan store unavailable")

// LayerFunc tries one resolution layer. found=false with a nil error means
// the layer had no data for the user.
type LayerFunc func(ctx context.Context, userID string, now time.Time) (rec billing.PlanRecord, found bool, err error)

// Layer is a named step of the fallback order.
type Layer struct {
	Source  billing.Source
	Resolve LayerFunc
}

// LayerError records a layer that failed during one resolution.
type LayerError struct {
	Source billing.Source
	Err    error
}

func (e LayerError) Error() string { return fmt.Sprintf("plan layer %s: %v", e.Source, e.Err) }

func (e LayerError) Unwrap() error { return e.Err }

// Resolution is the outcome of Resolve.
type Resolution struct {
	Record   billing.PlanRecord
	Failures []LayerError
}

// Degraded reports whether any layer failed before the record was found.
func (r Resolution) Degraded() bool { return len(r.Failures) > 0 }

// Config tunes the resolver.
type Config struct {
	GraceWindow    time.Duration
	DefaultPlan    string
	ReadTimeout    time.Duration // per store call
	MaxAttempts    int           // per layer
	BackoffInitial time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GraceWindow:    3 * 24 * time.Hour,
		DefaultPlan:    billing.PlanFreeTrial.ID,
		ReadTimeout:    2 * time.Second,
		MaxAttempts:    3,
		BackoffInitial: 100 * time.Millisecond,
	}
}

// Resolver implements the ordered fallback over a billing.Store.
type Resolver struct {
	cfg     Config
	layers  []Layer
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

// NewResolver builds the standard three store layers over store. The
// default plan is applied after them.
func NewResolver(store billing.Store, cfg Config, m *metrics.Collector, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultPlan == "" {
		cfg.DefaultPlan = billing.PlanFreeTrial.ID
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	r := &Resolver{cfg: cfg, metrics: m, logger: logger, now: time.Now}
	r.layers = []Layer{
		{Source: billing.SourceSubscription, Resolve: activeLayer(store)},
		{Source: billing.SourceGrace, Resolve: graceLayer(store, cfg.GraceWindow)},
		{Source: billing.SourceProfile, Resolve: profileLayer(store)},
	}
	return r
}

// WithClock overrides the resolver's time source. Intended for tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Layers returns the store-backed layer order.
func (r *Resolver) Layers() []billing.Source {
	out := make([]billing.Source, len(r.layers))
	for i, l := range r.layers {
		out[i] = l.Source
	}
	return out
}

// Resolve returns the user's plan. The error is non-nil only when ctx ends
// or every store layer failed; in the latter case the Resolution still
// carries the default plan and errors.Is(err, ErrUnavailable) holds.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Resolution, error) {
	now := r.now().UTC()
	var res Resolution

	for _, layer := range r.layers {
		rec, found, err := r.try(ctx, layer, userID, now)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("resolve plan: %w", ctxErr)
		}
		if err != nil {
			r.logger.Warn("plan layer failed, falling back",
				"layer", layer.Source, "userId", userID, "err", err)
			res.Failures = append(res.Failures, LayerError{Source: layer.Source, Err: err})
			continue
		}
		if found {
			rec.Source = layer.Source
			res.Record = rec
			r.metrics.ObservePlanSource(string(layer.Source))
			return res, nil
		}
	}

	res.Record = billing.NewPlanRecord(r.cfg.DefaultPlan, "", billing.SourceDefault)
	r.metrics.ObservePlanSource(string(billing.SourceDefault))

	if len(res.Failures) == len(r.layers) && len(r.layers) > 0 {
		errs := make([]error, len(res.Failures))
		for i, f := range res.Failures {
			errs[i] = f
		}
		return res, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
	}
	return res, nil
}

// try runs one layer with a per-attempt timeout and bounded retries.
func (r *Resolver) try(ctx context.Context, layer Layer, userID string, now time.Time) (billing.PlanRecord, bool, error) {
	var (
		rec   billing.PlanRecord
		found bool
	)
	op := func() error {
		callCtx := ctx
		if r.cfg.ReadTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.cfg.ReadTimeout)
			defer cancel()
		}
		var err error
		rec, found, err = layer.Resolve(callCtx, userID, now)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BackoffInitial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return billing.PlanRecord{}, false, err
	}
	return rec, found, nil
}

func activeLayer(store billing.Store) LayerFunc {
	return func(ctx context.Context, userID string, now time.Time) (billing.PlanRecord, bool, error) {
		sub, err := store.ActiveSubscription(ctx, userID, now)
		if errors.Is(err, billing.ErrNotFound) {
			return billing.PlanRecord{}, false, nil
		}
		if err != nil {
			return billing.PlanRecord{}, false, err
		}
		return billing.NewPlanRecord(sub.PlanID, sub.BillingPeriod, billing.SourceSubscription), true, nil
	}
}

func graceLayer(store billing.Store, grace time.Duration) LayerFunc {
	return func(ctx context.Context, userID string, now time.Time) (billing.PlanRecord, bool, error) {
		if grace <= 0 {
			return billing.PlanRecord{}, false, nil
		}
		sub, err := store.LatestExpiredSubscription(ctx, userID, now)
		if errors.Is(err, billing.ErrNotFound) {
			return billing.PlanRecord{}, false, nil
		}
		if err != nil {
			return billing.PlanRecord{}, false, err
		}
		if !sub.WithinGrace(now, grace) {
			return billing.PlanRecord{}, false, nil
		}
		return billing.NewPlanRecord(sub.PlanID, sub.BillingPeriod, billing.SourceGrace), true, nil
	}
}

func profileLayer(store billing.Store) LayerFunc {
	return func(ctx context.Context, userID string, _ time.Time) (billing.PlanRecord, bool, error) {
		planID, err := store.ProfilePlan(ctx, userID)
		if errors.Is(err, billing.ErrNotFound) {
			return billing.PlanRecord{}, false, nil
		}
		if err != nil {
			return billing.PlanRecord{}, false, err
		}
		return billing.NewPlanRecord(planID, "", billing.SourceProfile), true, nil
	}
}
