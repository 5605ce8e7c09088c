// Package search runs one procurement search end to end: fetch from the
// registry, filter, resolve plan and quota, and hand the result off.
//
// Each request moves through a small state machine:
//
//	FETCHING ──► FILTERING ──► QUOTA_CHECK ──► DONE
//	    │             │              │
//	    └─────────────┴──────────────┴──► FAILED
//
// DONE and FAILED are terminal states.
package search

import "fmt"

// State is the phase a search request is in.
type State string

const (
	StateFetching   State = "FETCHING"
	StateFiltering  State = "FILTERING"
	StateQuotaCheck State = "QUOTA_CHECK"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[State][]State{
	StateFetching:   {StateFiltering, StateFailed},
	StateFiltering:  {StateQuotaCheck, StateFailed},
	StateQuotaCheck: {StateDone, StateFailed},
	// DONE and FAILED are terminal
}

// ParseState converts a raw string to a State, returning an error for
// unknown values.
func ParseState(s string) (State, error) {
	st := State(s)
	switch st {
	case StateFetching, StateFiltering, StateQuotaCheck, StateDone, StateFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown search state %q", s)
}

// IsTransitionAllowed returns true when moving from → to is permitted by the
// state machine.
func IsTransitionAllowed(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s State) bool { return s == StateDone || s == StateFailed }

// machine tracks one request's state. Not safe for concurrent use.
type machine struct {
	state State
	trail []State
}

func newMachine() *machine {
	return &machine{state: StateFetching, trail: []State{StateFetching}}
}

func (m *machine) to(next State) error {
	if !IsTransitionAllowed(m.state, next) {
		return fmt.Errorf("invalid search transition %s → %s", m.state, next)
	}
	m.state = next
	m.trail = append(m.trail, next)
	return nil
}

// fail moves to FAILED from any non-terminal state and returns the state
// the request failed in.
func (m *machine) fail() State {
	from := m.state
	if !IsTerminal(from) {
		m.state = StateFailed
		m.trail = append(m.trail, StateFailed)
	}
	return from
}
