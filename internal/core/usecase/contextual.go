package usecase

import (
	"strings"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// contextScorer turns the query classification and the caller's home scope
// into a per-document score.
type contextScorer struct {
	partialFactor     float64
	highPriorityBoost float64
	scopeBoost        float64
	related           map[string]map[string]struct{}
}

func newContextScorer(partialFactor, highPriorityBoost, scopeBoost float64, related map[string][]string) contextScorer {
	table := make(map[string]map[string]struct{}, len(related))
	link := func(a, b string) {
		a, b = normalizeCategory(a), normalizeCategory(b)
		if a == "" || b == "" || a == b {
			return
		}
		if table[a] == nil {
			table[a] = map[string]struct{}{}
		}
		table[a][b] = struct{}{}
	}
	for category, others := range related {
		for _, other := range others {
			link(category, other)
			link(other, category)
		}
	}
	return contextScorer{
		partialFactor:     partialFactor,
		highPriorityBoost: highPriorityBoost,
		scopeBoost:        scopeBoost,
		related:           table,
	}
}

func (s contextScorer) score(doc *domain.Document, cls domain.Classification, scope string) float64 {
	score := 0.0
	if predicted := normalizeCategory(cls.Category); predicted != "" {
		docCategory := normalizeCategory(doc.Category)
		switch {
		case docCategory == predicted:
			score = clamp01(cls.Confidence)
		case s.isRelated(predicted, docCategory):
			score = clamp01(cls.Confidence) * s.partialFactor
		}
	}
	if doc.Priority == domain.PriorityHigh {
		score += s.highPriorityBoost
	}
	if scope != "" && doc.HasTag(scope) {
		score += s.scopeBoost
	}
	return clamp01(score)
}

// isRelated holds for configured pairs and for siblings under one parent
// ("academic/grades" and "academic/enrollment").
func (s contextScorer) isRelated(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if _, ok := s.related[a][b]; ok {
		return true
	}
	pa, pb := parentCategory(a), parentCategory(b)
	return pa != "" && pa == pb
}

func parentCategory(category string) string {
	i := strings.LastIndex(category, "/")
	if i <= 0 {
		return ""
	}
	return category[:i]
}

func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}
