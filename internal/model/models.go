// Package model defines shared data structures for the search service.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Bid is a normalised procurement notice fetched from the PNCP registry.
// Bids live for the duration of one search and are never persisted.
type Bid struct {
	ID           string     `json:"id"`
	Jurisdiction string     `json:"jurisdiction"`    // UF code, e.g. "SP"
	Value        *float64   `json:"value,omitempty"` // estimated value (BRL); nil when the registry omits it
	Description  string     `json:"description"`
	PublishedAt  time.Time  `json:"publishedAt"`
	Deadline     *time.Time `json:"deadline,omitempty"`    // nil when missing or unparseable
	DeadlineRaw  string     `json:"deadlineRaw,omitempty"` // original text, kept for unparseable values
	Status       string     `json:"status"`
	SourceURL    string     `json:"sourceUrl"`
}

// Mode selects which notices a search is interested in.
type Mode string

const (
	// ModePublished returns everything published in the date range.
	ModePublished Mode = "published"
	// ModeOpen additionally requires the proposal window to still be open.
	ModeOpen Mode = "open"
)

// ParseMode converts a raw string to a Mode. An empty string defaults to
// ModePublished.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModePublished, nil
	case ModePublished, ModeOpen:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown search mode %q", s)
}

// DateRange is an inclusive publication-date window.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Validate checks that both ends are set and ordered.
func (r DateRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("date range requires both from and to")
	}
	if r.To.Before(r.From) {
		return fmt.Errorf("date range end %s is before start %s",
			r.To.Format(time.DateOnly), r.From.Format(time.DateOnly))
	}
	return nil
}

// NormalizeJurisdiction upper-cases and trims a UF code.
func NormalizeJurisdiction(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// SearchCriteria is everything the filter chain needs besides the mode.
type SearchCriteria struct {
	Jurisdictions    []string
	ValueMin         *float64
	ValueMax         *float64
	KeepMissingValue bool // default policy rejects bids with no estimated value
	Keywords         []string
	Exclusions       []string
}
