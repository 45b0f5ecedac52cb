// Package tokens normalizes text into comparable terms for lexical scoring,
// snippet selection and near-duplicate detection.
package tokens

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const minTokenLen = 2

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "how": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "who": {}, "with": {},
	"de": {}, "del": {}, "el": {}, "la": {}, "las": {}, "los": {}, "en": {}, "un": {},
	"una": {}, "y": {}, "que": {}, "por": {}, "para": {}, "con": {}, "se": {}, "al": {},
}

// Fold lowercases s and strips combining marks, so "Certificación" and
// "certificacion" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// Tokenize splits folded text on anything that is not a letter or digit and
// drops stopwords and one-character tokens.
func Tokenize(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 24)
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		tok := b.String()
		b.Reset()
		if len([]rune(tok)) < minTokenLen {
			return
		}
		if _, stop := stopwords[tok]; stop {
			return
		}
		out = append(out, tok)
	}
	for _, r := range Fold(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return out
}

type Set map[string]struct{}

func NewSet(s string) Set {
	toks := Tokenize(s)
	out := make(Set, len(toks))
	for _, tok := range toks {
		out[tok] = struct{}{}
	}
	return out
}

// Jaccard returns |a∩b| / |a∪b|; two empty sets are identical.
func Jaccard(a, b Set) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Overlap returns the share of query terms present in the passage set.
func Overlap(query, passage Set) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for tok := range query {
		if _, ok := passage[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
