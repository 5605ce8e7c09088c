// Package quota implements the per-user, per-period search counter.
//
// CheckAndIncrement tests "count < limit" and advances the counter as one
// indivisible step. RedisStore and PostgresStore get that from the storage
// engine. Backends without such a primitive implement CounterStore instead
// and can only be used through Guarded, which serializes each
// (user, period) key with a KeyedMutex.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps every backend failure.
var ErrUnavailable = errors.New("quota backend unavailable")

// Unlimited is reported as Remaining for plans without a search limit.
const Unlimited int64 = -1

// Result is the outcome of one check-and-increment.
type Result struct {
	Allowed   bool
	Remaining int64 // Unlimited when limit <= 0
	Count     int64 // counter value after the call
}

// Store is a quota backend. A limit <= 0 means unlimited; the counter is
// still advanced so usage stays visible.
type Store interface {
	CheckAndIncrement(ctx context.Context, userID, periodKey string, limit int64) (Result, error)
}

// PeriodKey returns the monthly period t falls in, e.g. "2026-10".
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func result(allowed bool, count, limit int64) Result {
	if limit <= 0 {
		return Result{Allowed: allowed, Remaining: Unlimited, Count: count}
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: allowed, Remaining: remaining, Count: count}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
