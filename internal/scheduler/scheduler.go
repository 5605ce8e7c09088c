// Package scheduler wires up the cron job that periodically re-runs every
// active saved search alert.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/search"
)

// Searcher runs one search. *search.Service satisfies it.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Scheduler wraps robfig/cron and manages the alert loop.
type Scheduler struct {
	cron     *cron.Cron
	alerts   AlertSource
	svc      Searcher
	spec     string // cron spec, e.g. "@every 6h"
	lookback int    // days of publications each run covers
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Scheduler that fires on spec.
func New(alerts AlertSource, svc Searcher, spec string, lookbackDays int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	return &Scheduler{
		cron:     cron.New(),
		alerts:   alerts,
		svc:      svc,
		spec:     spec,
		lookback: lookbackDays,
		log:      logger.With("component", "scheduler"),
		now:      time.Now,
	}
}

// WithClock overrides the scheduler's time source. Intended for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start registers the job and starts the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc(%q): %w", s.spec, err)
	}

	s.cron.Start()
	s.log.Info("cron started", "spec", s.spec, "lookbackDays", s.lookback)
	return nil
}

// Stop halts the scheduler and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("cron stopped")
}

// RunOnce loads all active alerts and runs a search for each one. A
// failing alert is logged and the loop continues.
func (s *Scheduler) RunOnce(ctx context.Context) (ran, failed int) {
	alerts, err := s.alerts.ActiveAlerts(ctx)
	if err != nil {
		s.log.Error("load active alerts", "err", err)
		return 0, 0
	}
	if len(alerts) == 0 {
		s.log.Info("no active alerts, nothing to run")
		return 0, 0
	}

	now := s.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	rng := model.DateRange{From: day.AddDate(0, 0, -s.lookback), To: day}

	s.log.Info("alert cycle started", "alerts", len(alerts))
	for _, a := range alerts {
		if ctx.Err() != nil {
			break
		}
		ran++
		resp, err := s.svc.Search(ctx, search.Request{
			UserID:           a.UserID,
			Jurisdictions:    a.Jurisdictions,
			Range:            rng,
			Mode:             a.Mode,
			Sector:           a.Sector,
			Keywords:         a.Keywords,
			Exclusions:       a.Exclusions,
			ValueMin:         a.ValueMin,
			ValueMax:         a.ValueMax,
			KeepMissingValue: a.KeepMissingValue,
		})
		if err != nil {
			failed++
			s.log.Warn("alert search failed", "alertId", a.ID, "userId", a.UserID, "err", err)
			continue
		}
		s.log.Info("alert search done", "alertId", a.ID, "requestId", resp.RequestID,
			"matches", resp.TotalMatches, "quotaExceeded", resp.QuotaExceeded)
	}

	s.log.Info("alert cycle complete", "ran", ran, "failed", failed)
	return ran, failed
}
