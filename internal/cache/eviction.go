package cache

import (
	"math"
	"sort"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

const minAgeHours = 1.0 / 60.0

// evictionScore ranks an entry for eviction; lower scores go first.
// The base score is ((access_count+1) / age_hours) × importance; the key
// type's current strategy then biases it toward recency, frequency or
// semantic membership.
func evictionScore(entry *domain.CacheEntry, strategy domain.Strategy, now time.Time) float64 {
	ageHours := math.Max(now.Sub(entry.CreatedAt).Hours(), minAgeHours)
	importance := entry.Importance
	if importance <= 0 {
		importance = 1
	}
	score := (float64(entry.AccessCount) + 1) / ageHours * importance

	switch strategy {
	case domain.StrategyRecency:
		idleHours := math.Max(now.Sub(entry.LastAccessed).Hours(), 0)
		score /= 1 + idleHours
	case domain.StrategyFrequency:
		score *= 1 + math.Log1p(float64(entry.AccessCount))
	case domain.StrategySimilarity:
		if entry.ClusterID != "" {
			score *= 1.5
		}
	}
	return score
}

// selectVictims returns the lowest-scoring keys that must go for size to
// drop to target.
func selectVictims(candidates []evictionCandidate, size, target int) []string {
	excess := size - target
	if excess <= 0 || len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].score < candidates[j].score
	})
	if excess > len(candidates) {
		excess = len(candidates)
	}
	out := make([]string, 0, excess)
	for _, c := range candidates[:excess] {
		out = append(out, c.key)
	}
	return out
}

// evictionTarget is the size eviction drains down to once size reaches capacity.
func evictionTarget(capacity int, ratio float64) int {
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.8
	}
	return int(math.Floor(float64(capacity) * ratio))
}
