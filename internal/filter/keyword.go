package filter

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/model"
)

// Normalize case-folds s, strips diacritics and collapses every run of
// non-alphanumeric characters into a single space.
//
//	Normalize("Confecção de UNIFORMES/Jalecos") == "confeccao de uniformes jalecos"
func Normalize(s string) string {
	// transformers carry state, so a fresh chain is built per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = strings.ToLower(s)
	}
	return strings.Join(tokenize(folded), " ")
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Matcher tests descriptions against inclusion and exclusion terms. Terms
// match on whole words: "saia" matches "saia social" but not "saiamos".
// Multi-word terms must appear as a contiguous word sequence.
type Matcher struct {
	include [][]string
	exclude [][]string
}

// NewMatcher compiles the term lists. Terms that normalize to nothing are
// ignored.
func NewMatcher(include, exclude []string) *Matcher {
	return &Matcher{include: compileTerms(include), exclude: compileTerms(exclude)}
}

func compileTerms(terms []string) [][]string {
	out := make([][]string, 0, len(terms))
	for _, t := range terms {
		if words := tokenize(Normalize(t)); len(words) > 0 {
			out = append(out, words)
		}
	}
	return out
}

// Match reports whether text passes: it contains an inclusion term (or no
// inclusion terms were given) and contains no exclusion term. Exclusion
// wins over inclusion.
func (m *Matcher) Match(text string) bool {
	if len(m.include) == 0 && len(m.exclude) == 0 {
		return true
	}
	words := tokenize(Normalize(text))
	if len(m.include) > 0 && !containsAny(words, m.include) {
		return false
	}
	return !containsAny(words, m.exclude)
}

// Keep adapts Match to a stage predicate over the bid description.
func (m *Matcher) Keep(b model.Bid) bool {
	return m.Match(b.Description)
}

func containsAny(words []string, terms [][]string) bool {
	for _, term := range terms {
		if containsSeq(words, term) {
			return true
		}
	}
	return false
}

func containsSeq(words, seq []string) bool {
	if len(seq) > len(words) {
		return false
	}
outer:
	for i := 0; i+len(seq) <= len(words); i++ {
		for j, w := range seq {
			if words[i+j] != w {
				continue outer
			}
		}
		return true
	}
	return false
}
