package registry

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
)

// pageResponse mirrors one page of the registry listing endpoint.
type pageResponse struct {
	Data       []json.RawMessage `json:"data"`
	NextCursor string            `json:"nextCursor"`
}

// rawNotice mirrors a single PNCP procurement record. Only the fields the
// pipeline reads are declared.
type rawNotice struct {
	ControlNumber string         `json:"numeroControlePNCP"`
	ID            string         `json:"id"`
	UF            string         `json:"uf"`
	Unit          *rawUnit       `json:"unidadeOrgao"`
	Value         optionalNumber `json:"valorTotalEstimado"`
	Object        string         `json:"objetoCompra"`
	PublishedAt   string         `json:"dataPublicacaoPncp"`
	Deadline      *string        `json:"dataEncerramentoProposta"`
	Status        string         `json:"situacaoCompraNome"`
	StatusCode    string         `json:"situacao"`
	Link          string         `json:"linkSistemaOrigem"`
}

type rawUnit struct {
	UFSigla string `json:"ufSigla"`
}

// optionalNumber accepts a JSON number, a numeric string or null.
type optionalNumber struct {
	v *float64
}

func (n *optionalNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		n.v = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			n.v = nil
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("value %q is not numeric", s)
		}
		n.v = &f
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	n.v = &f
	return nil
}

// timestampLayouts are tried in order. Layouts without a zone are read in
// the registry's local zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

func parseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// normalize converts one raw record into a Bid. queried is the jurisdiction
// the page was requested for; it is used only when the record omits its own.
func normalize(raw json.RawMessage, queried string, loc *time.Location) (model.Bid, error) {
	var r rawNotice
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Bid{}, &MalformedRecordError{Jurisdiction: queried, Reason: err.Error()}
	}

	id := strings.TrimSpace(r.ControlNumber)
	if id == "" {
		id = strings.TrimSpace(r.ID)
	}
	if id == "" {
		return model.Bid{}, &MalformedRecordError{Jurisdiction: queried, Reason: "missing identifier"}
	}

	uf := r.UF
	if uf == "" && r.Unit != nil {
		uf = r.Unit.UFSigla
	}
	if uf == "" {
		uf = queried
	}

	bid := model.Bid{
		ID:           id,
		Jurisdiction: model.NormalizeJurisdiction(uf),
		Value:        r.Value.v,
		Description:  strings.TrimSpace(r.Object),
		Status:       cmp.Or(strings.TrimSpace(r.Status), strings.TrimSpace(r.StatusCode)),
		SourceURL:    strings.TrimSpace(r.Link),
	}
	if t, ok := parseTimestamp(r.PublishedAt, loc); ok {
		bid.PublishedAt = t
	}
	if r.Deadline != nil {
		bid.DeadlineRaw = *r.Deadline
		if t, ok := parseTimestamp(*r.Deadline, loc); ok {
			bid.Deadline = &t
		}
	}
	return bid, nil
}
