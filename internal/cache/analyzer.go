package cache

import (
	"sync"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

const (
	similarityShareThreshold = 0.3
	frequencyHitRate         = 0.5
	ttlGrowHitRate           = 0.6
	ttlShrinkHitRate         = 0.2
	minWindowSamples         = 10
)

type window struct {
	hits         uint64
	misses       uint64
	semanticHits uint64
}

type typePolicy struct {
	strategy domain.Strategy
	ttl      time.Duration
}

// Analyzer observes per-key-type access outcomes and, once per maintenance
// window, picks a caching strategy and default TTL for each key type.
// Its output only tunes eviction scoring and default TTLs.
type Analyzer struct {
	minTTL, maxTTL time.Duration

	mu       sync.Mutex
	windows  map[domain.KeyType]*window
	policies map[domain.KeyType]typePolicy
}

func NewAnalyzer(defaultTTLs map[domain.KeyType]time.Duration, minTTL, maxTTL time.Duration) *Analyzer {
	a := &Analyzer{
		minTTL:   minTTL,
		maxTTL:   maxTTL,
		windows:  make(map[domain.KeyType]*window),
		policies: make(map[domain.KeyType]typePolicy),
	}
	for _, kt := range []domain.KeyType{domain.KeyTypeRetrieval, domain.KeyTypeEmbedding, domain.KeyTypeGeneric} {
		a.policies[kt] = typePolicy{strategy: domain.StrategyRecency, ttl: a.clamp(defaultTTLs[kt])}
	}
	return a
}

func (a *Analyzer) RecordHit(kt domain.KeyType, semantic bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.windowLocked(kt)
	w.hits++
	if semantic {
		w.semanticHits++
	}
}

func (a *Analyzer) RecordMiss(kt domain.KeyType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windowLocked(kt).misses++
}

func (a *Analyzer) windowLocked(kt domain.KeyType) *window {
	w := a.windows[kt]
	if w == nil {
		w = &window{}
		a.windows[kt] = w
	}
	return w
}

// Strategy returns the current strategy for kt.
func (a *Analyzer) Strategy(kt domain.KeyType) domain.Strategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.policies[kt]; ok {
		return p.strategy
	}
	return domain.StrategyRecency
}

// TTL returns the current default TTL for kt; zero means no expiry.
func (a *Analyzer) TTL(kt domain.KeyType) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policies[kt].ttl
}

func (a *Analyzer) Strategies() map[domain.KeyType]domain.Strategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[domain.KeyType]domain.Strategy, len(a.policies))
	for kt, p := range a.policies {
		out[kt] = p.strategy
	}
	return out
}

// Rebalance closes the current window. Key types with fewer than
// minWindowSamples lookups keep their policy and carry their counts forward.
func (a *Analyzer) Rebalance() map[domain.KeyType]domain.Strategy {
	a.mu.Lock()
	defer a.mu.Unlock()

	changed := make(map[domain.KeyType]domain.Strategy)
	for kt, w := range a.windows {
		total := w.hits + w.misses
		if total < minWindowSamples {
			continue
		}
		hitRate := float64(w.hits) / float64(total)

		policy := a.policies[kt]
		next := domain.StrategyRecency
		switch {
		case w.hits > 0 && float64(w.semanticHits)/float64(w.hits) > similarityShareThreshold:
			next = domain.StrategySimilarity
		case hitRate >= frequencyHitRate:
			next = domain.StrategyFrequency
		}
		if next != policy.strategy {
			changed[kt] = next
		}
		policy.strategy = next

		if policy.ttl > 0 {
			switch {
			case hitRate > ttlGrowHitRate:
				policy.ttl = a.clamp(policy.ttl * 5 / 4)
			case hitRate < ttlShrinkHitRate:
				policy.ttl = a.clamp(policy.ttl * 4 / 5)
			}
		}
		a.policies[kt] = policy
		delete(a.windows, kt)
	}
	return changed
}

func (a *Analyzer) clamp(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	if a.minTTL > 0 && ttl < a.minTTL {
		return a.minTTL
	}
	if a.maxTTL > 0 && ttl > a.maxTTL {
		return a.maxTTL
	}
	return ttl
}
