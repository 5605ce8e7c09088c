package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TransientError is a page failure worth retrying: timeouts, 5xx,
// connection resets and 429 rate limiting.
type TransientError struct {
	StatusCode int           // 0 for transport-level failures
	RetryAfter time.Duration // server hint, only set on 429
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registry transient error (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("registry transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a page failure that retrying cannot fix: 4xx other than 429,
// or a response body that does not match the expected schema.
type FatalError struct {
	StatusCode int
	Err        error
}

func (e *FatalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registry fatal error (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("registry fatal error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// MalformedRecordError describes a single record that could not be
// normalised. It never fails a page; the record is dropped and counted.
type MalformedRecordError struct {
	Jurisdiction string
	Reason       string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record in %s: %s", e.Jurisdiction, e.Reason)
}

// PartialResultError reports that some bids were emitted before one or more
// jurisdictions failed. Callers decide whether the partial set is usable.
type PartialResultError struct {
	Fetched int
	Failed  []string // jurisdictions whose pagination did not complete
	Err     error
}

func (e *PartialResultError) Error() string {
	return fmt.Sprintf("partial result: %d bids fetched, failed jurisdictions [%s]: %v",
		e.Fetched, strings.Join(e.Failed, ","), e.Err)
}

func (e *PartialResultError) Unwrap() error { return e.Err }

// IsRetryable reports whether err (or anything it wraps) is transient.
// A fatal error anywhere in the chain wins over transient ones.
func IsRetryable(err error) bool {
	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}
