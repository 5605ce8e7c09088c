package search

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is matched by every *ValidationError.
var ErrInvalidRequest = errors.New("invalid search request")

// ValidationError wraps a user-facing validation message.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidRequest }

// Failure is returned when a search ends in FAILED. State is the phase the
// request was in when it failed; Retryable tells the caller whether trying
// again later may succeed.
type Failure struct {
	State     State
	Retryable bool
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("search failed during %s: %v", f.State, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// QuotaBackendError wraps a quota store failure. On its own it degrades the
// request; together with a plan store outage it fails it.
type QuotaBackendError struct{ Err error }

func (e *QuotaBackendError) Error() string { return fmt.Sprintf("quota backend: %v", e.Err) }

func (e *QuotaBackendError) Unwrap() error { return e.Err }
