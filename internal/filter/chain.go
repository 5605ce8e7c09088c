// Package filter narrows fetched bids down to the relevant subset.
//
// A Chain is a fixed list of stages. Each stage is a pure predicate over one
// bid, and stages always run in the order jurisdiction, value, deadline,
// keyword, status. A bid is charged to the first stage that rejects it, so
// the per-stage rejection counts plus the survivors always add up to the
// number of bids that went in.
package filter

import (
	"fmt"
	"time"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
)

// StageName identifies a filter stage in stats and metrics.
type StageName string

const (
	StageJurisdiction StageName = "jurisdiction"
	StageValue        StageName = "value"
	StageDeadline     StageName = "deadline"
	StageKeyword      StageName = "keyword"
	StageStatus       StageName = "status"
)

// Order is the fixed evaluation order. Cheap, high-elimination stages come
// first so the keyword stage sees as few bids as possible.
var Order = []StageName{
	StageJurisdiction,
	StageValue,
	StageDeadline,
	StageKeyword,
	StageStatus,
}

// Stage is one step of the chain. Keep reports whether the bid survives.
type Stage struct {
	Name StageName
	Keep func(model.Bid) bool
}

// Stats maps each stage to the number of bids it rejected. Every stage in
// Order is present, with zero when it rejected nothing.
type Stats map[StageName]int

// Rejected is the total across all stages.
func (s Stats) Rejected() int {
	n := 0
	for _, v := range s {
		n += v
	}
	return n
}

// StageResult is the outcome of a single stage in a batch Apply.
type StageResult struct {
	Stage     StageName
	Survivors []model.Bid
	Rejected  int
}

// Result is the outcome of running the chain over a set of bids.
type Result struct {
	Input     int
	Survivors []model.Bid
	Stats     Stats
}

// Check verifies that survivors and rejections account for every input bid.
func (r Result) Check() error {
	if got := len(r.Survivors) + r.Stats.Rejected(); got != r.Input {
		return fmt.Errorf("filter accounting mismatch: %d survivors + %d rejected != %d input",
			len(r.Survivors), r.Stats.Rejected(), r.Input)
	}
	return nil
}

// Chain applies its stages in Order.
type Chain struct {
	stages []Stage
}

// New builds the chain for one search. now is the evaluation time used by
// the deadline stage, which only rejects anything in ModeOpen.
func New(criteria model.SearchCriteria, mode model.Mode, now time.Time) *Chain {
	return &Chain{stages: []Stage{
		{Name: StageJurisdiction, Keep: Jurisdictions(criteria.Jurisdictions)},
		{Name: StageValue, Keep: ValueRange(criteria.ValueMin, criteria.ValueMax, criteria.KeepMissingValue)},
		{Name: StageDeadline, Keep: OpenDeadline(mode, now)},
		{Name: StageKeyword, Keep: NewMatcher(criteria.Keywords, criteria.Exclusions).Keep},
		{Name: StageStatus, Keep: StatusCompatible(mode)},
	}}
}

// Stages returns the stage names in evaluation order.
func (c *Chain) Stages() []StageName {
	names := make([]StageName, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name
	}
	return names
}

// Apply runs every stage over the full surviving set of the previous one.
func (c *Chain) Apply(bids []model.Bid) (Result, []StageResult) {
	steps := make([]StageResult, 0, len(c.stages))
	current := bids
	stats := c.emptyStats()
	for _, stage := range c.stages {
		kept := make([]model.Bid, 0, len(current))
		for _, b := range current {
			if stage.Keep(b) {
				kept = append(kept, b)
			}
		}
		rejected := len(current) - len(kept)
		stats[stage.Name] = rejected
		steps = append(steps, StageResult{Stage: stage.Name, Survivors: kept, Rejected: rejected})
		current = kept
	}
	return Result{Input: len(bids), Survivors: current, Stats: stats}, steps
}

// Begin starts an incremental run, used to filter bids while the registry
// is still paginating. The Run is not safe for concurrent use.
func (c *Chain) Begin() *Run {
	return &Run{chain: c, stats: c.emptyStats()}
}

func (c *Chain) emptyStats() Stats {
	stats := make(Stats, len(c.stages))
	for _, s := range c.stages {
		stats[s.Name] = 0
	}
	return stats
}

// Run accumulates survivors and stats one bid at a time. Its result is
// identical to Apply over the same bids in the same order.
type Run struct {
	chain     *Chain
	input     int
	survivors []model.Bid
	stats     Stats
}

// Add evaluates one bid and reports whether it survived every stage.
func (r *Run) Add(b model.Bid) bool {
	r.input++
	for _, stage := range r.chain.stages {
		if !stage.Keep(b) {
			r.stats[stage.Name]++
			return false
		}
	}
	r.survivors = append(r.survivors, b)
	return true
}

// Result returns the accumulated outcome so far.
func (r *Run) Result() Result {
	stats := make(Stats, len(r.stats))
	for k, v := range r.stats {
		stats[k] = v
	}
	survivors := make([]model.Bid, len(r.survivors))
	copy(survivors, r.survivors)
	return Result{Input: r.input, Survivors: survivors, Stats: stats}
}
