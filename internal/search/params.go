package search

import (
	"fmt"
	"time"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
)

// Params is the wire form of a search shared by the HTTP and gRPC
// transports. Dates are YYYY-MM-DD.
type Params struct {
	Jurisdictions    []string `json:"jurisdictions"`
	DateFrom         string   `json:"dateFrom"`
	DateTo           string   `json:"dateTo"`
	Mode             string   `json:"mode"`
	Sector           string   `json:"sector"`
	Keywords         []string `json:"keywords"`
	Exclusions       []string `json:"exclusions"`
	ValueMin         *float64 `json:"valueMin"`
	ValueMax         *float64 `json:"valueMax"`
	KeepMissingValue bool     `json:"keepMissingValue"`
}

// Request converts p into a Request for userID. Malformed fields are
// reported as *ValidationError.
func (p Params) Request(userID string) (Request, error) {
	mode, err := model.ParseMode(p.Mode)
	if err != nil {
		return Request{}, &ValidationError{Msg: err.Error()}
	}
	from, err := parseDate("dateFrom", p.DateFrom)
	if err != nil {
		return Request{}, err
	}
	to, err := parseDate("dateTo", p.DateTo)
	if err != nil {
		return Request{}, err
	}
	return Request{
		UserID:           userID,
		Jurisdictions:    p.Jurisdictions,
		Range:            model.DateRange{From: from, To: to},
		Mode:             mode,
		Sector:           p.Sector,
		Keywords:         p.Keywords,
		Exclusions:       p.Exclusions,
		ValueMin:         p.ValueMin,
		ValueMax:         p.ValueMax,
		KeepMissingValue: p.KeepMissingValue,
	}, nil
}

func parseDate(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, &ValidationError{Msg: field + " is required"}
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, &ValidationError{Msg: fmt.Sprintf("%s must be YYYY-MM-DD, got %q", field, v)}
	}
	return t, nil
}
