package filter

import (
	"time"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
)

// Jurisdictions keeps bids filed under one of codes. An empty set keeps
// everything.
func Jurisdictions(codes []string) func(model.Bid) bool {
	if len(codes) == 0 {
		return keepAll
	}
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[model.NormalizeJurisdiction(c)] = struct{}{}
	}
	return func(b model.Bid) bool {
		_, ok := set[model.NormalizeJurisdiction(b.Jurisdiction)]
		return ok
	}
}

// ValueRange keeps bids whose estimated value lies in [lo, hi]. Nil bounds
// are open. Bids without a value survive only when keepMissing is set.
func ValueRange(lo, hi *float64, keepMissing bool) func(model.Bid) bool {
	return func(b model.Bid) bool {
		if b.Value == nil {
			return keepMissing
		}
		v := *b.Value
		if lo != nil && v < *lo {
			return false
		}
		if hi != nil && v > *hi {
			return false
		}
		return true
	}
}

// OpenDeadline rejects, in ModeOpen only, bids whose proposal deadline is
// strictly before now. Bids with a missing or unparseable deadline are kept.
func OpenDeadline(mode model.Mode, now time.Time) func(model.Bid) bool {
	if mode != model.ModeOpen {
		return keepAll
	}
	now = now.UTC()
	return func(b model.Bid) bool {
		if b.Deadline == nil {
			return true
		}
		return !b.Deadline.UTC().Before(now)
	}
}

func keepAll(model.Bid) bool { return true }
