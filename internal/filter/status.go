package filter

import (
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
)

// StatusClass groups registry status texts by what they mean for a bidder.
type StatusClass int

const (
	StatusActive StatusClass = iota // also used for statuses we don't recognise
	StatusClosed
	StatusCancelled
)

// statusWords maps normalized status words to their class. PNCP reports
// statuses as free text ("Revogada", "Encerrada por deserção", ...).
var statusWords = map[string]StatusClass{
	"revogada":   StatusCancelled,
	"revogado":   StatusCancelled,
	"anulada":    StatusCancelled,
	"anulado":    StatusCancelled,
	"cancelada":  StatusCancelled,
	"cancelado":  StatusCancelled,
	"encerrada":  StatusClosed,
	"encerrado":  StatusClosed,
	"homologada": StatusClosed,
	"homologado": StatusClosed,
	"adjudicada": StatusClosed,
	"adjudicado": StatusClosed,
	"deserta":    StatusClosed,
	"deserto":    StatusClosed,
	"fracassada": StatusClosed,
	"fracassado": StatusClosed,
	"suspensa":   StatusClosed,
	"suspenso":   StatusClosed,
	"concluida":  StatusClosed,
	"concluido":  StatusClosed,
}

// ClassifyStatus returns the strongest class any word of status maps to.
func ClassifyStatus(status string) StatusClass {
	class := StatusActive
	for _, w := range tokenize(Normalize(status)) {
		if c, ok := statusWords[w]; ok && c > class {
			class = c
		}
	}
	return class
}

// StatusCompatible rejects cancelled notices in every mode, and closed ones
// as well in ModeOpen.
func StatusCompatible(mode model.Mode) func(model.Bid) bool {
	return func(b model.Bid) bool {
		switch ClassifyStatus(b.Status) {
		case StatusCancelled:
			return false
		case StatusClosed:
			return mode != model.ModeOpen
		}
		return true
	}
}
