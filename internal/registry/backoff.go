package registry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// floorBackOff raises the next wait to a server-provided Retry-After hint.
// The hint applies to one wait only and is capped at max.
type floorBackOff struct {
	next    backoff.BackOff
	max     time.Duration
	pending time.Duration
}

func (f *floorBackOff) hint(d time.Duration) {
	if d > f.max {
		d = f.max
	}
	f.pending = d
}

func (f *floorBackOff) NextBackOff() time.Duration {
	d := f.next.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if f.pending > d {
		d = f.pending
	}
	f.pending = 0
	return d
}

func (f *floorBackOff) Reset() {
	f.pending = 0
	f.next.Reset()
}
