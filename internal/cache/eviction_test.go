package cache

import (
	"testing"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

func TestEvictionScoreFavorsFrequentImportantEntries(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cold := &domain.CacheEntry{CreatedAt: now.Add(-2 * time.Hour), LastAccessed: now.Add(-2 * time.Hour), Importance: 1}
	hot := &domain.CacheEntry{CreatedAt: now.Add(-2 * time.Hour), LastAccessed: now, AccessCount: 9, Importance: 1}
	important := &domain.CacheEntry{CreatedAt: now.Add(-2 * time.Hour), LastAccessed: now.Add(-2 * time.Hour), Importance: 3}

	if got := evictionScore(cold, "", now); got != 0.5 {
		t.Fatalf("expected base score (0+1)/2h = 0.5, got %v", got)
	}
	if evictionScore(hot, domain.StrategyFrequency, now) <= evictionScore(cold, domain.StrategyFrequency, now) {
		t.Fatalf("expected hot entry to outscore cold entry")
	}
	if evictionScore(important, "", now) <= evictionScore(cold, "", now) {
		t.Fatalf("expected importance to raise the score")
	}
}

func TestSelectVictimsTakesLowestScores(t *testing.T) {
	candidates := []evictionCandidate{
		{key: "a", score: 3},
		{key: "b", score: 1},
		{key: "c", score: 2},
		{key: "d", score: 1},
	}
	victims := selectVictims(candidates, 4, 2)
	if len(victims) != 2 || victims[0] != "b" || victims[1] != "d" {
		t.Fatalf("unexpected victims: %v", victims)
	}
	if got := selectVictims(candidates, 2, 2); got != nil {
		t.Fatalf("expected no victims at target, got %v", got)
	}
}

func TestEvictionTarget(t *testing.T) {
	if got := evictionTarget(10, 0.8); got != 8 {
		t.Fatalf("expected 8, got %d", got)
	}
	if got := evictionTarget(10, 0); got != 8 {
		t.Fatalf("expected default ratio, got %d", got)
	}
}
