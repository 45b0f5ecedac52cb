package usecase

import (
	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/tokens"
)

// Diversify picks up to topK candidates: first the best candidate of every
// category with a positive score, then the best remaining ones. A candidate
// whose token-set Jaccard similarity to an accepted one exceeds
// dedupThreshold is dropped. Input must be sorted; output is re-sorted.
func Diversify(candidates []domain.RetrievedCandidate, topK int, dedupThreshold float64) []domain.RetrievedCandidate {
	if topK <= 0 || len(candidates) == 0 {
		return nil
	}
	if dedupThreshold <= 0 || dedupThreshold > 1 {
		dedupThreshold = 0.85
	}

	sets := make([]tokens.Set, len(candidates))
	setOf := func(i int) tokens.Set {
		if sets[i] == nil {
			sets[i] = tokens.NewSet(candidates[i].Document.Text)
		}
		return sets[i]
	}

	accepted := make([]int, 0, topK)
	taken := make([]bool, len(candidates))
	duplicate := func(i int) bool {
		for _, j := range accepted {
			if tokens.Jaccard(setOf(i), setOf(j)) > dedupThreshold {
				return true
			}
		}
		return false
	}
	accept := func(i int) {
		taken[i] = true
		accepted = append(accepted, i)
	}

	categories := make(map[string]struct{})
	for i, c := range candidates {
		if len(accepted) == topK {
			break
		}
		if c.FinalScore <= 0 {
			continue
		}
		category := normalizeCategory(c.Document.Category)
		if _, ok := categories[category]; ok {
			continue
		}
		if duplicate(i) {
			taken[i] = true
			continue
		}
		categories[category] = struct{}{}
		accept(i)
	}

	for i := range candidates {
		if len(accepted) == topK {
			break
		}
		if taken[i] {
			continue
		}
		if duplicate(i) {
			taken[i] = true
			continue
		}
		accept(i)
	}

	out := make([]domain.RetrievedCandidate, 0, len(accepted))
	for _, i := range accepted {
		out = append(out, candidates[i])
	}
	domain.SortCandidates(out)
	return out
}
