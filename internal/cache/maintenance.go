package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// evictL1 drains L1 to the target ratio once it reaches capacity. Only one
// eviction pass runs at a time; concurrent callers skip.
func (c *TieredCache) evictL1() int {
	if !c.evicting.CompareAndSwap(false, true) {
		return 0
	}
	defer c.evicting.Store(false)

	size := c.l1.len()
	if size < c.cfg.L1Capacity {
		return 0
	}
	target := evictionTarget(c.cfg.L1Capacity, c.cfg.EvictTargetRatio)

	now := c.now()
	strategies := c.analyzer.Strategies()
	candidates := make([]evictionCandidate, 0, size)
	c.l1.visit(func(entry *domain.CacheEntry) {
		candidates = append(candidates, evictionCandidate{
			key:   entry.Key,
			score: evictionScore(entry, strategies[entry.KeyType], now),
		})
	})

	evicted := 0
	for _, key := range selectVictims(candidates, size, target) {
		if c.l1.remove(key) {
			evicted++
		}
	}
	if evicted > 0 {
		c.counters[domain.TierL1].evictions.Add(uint64(evicted))
		c.recorder.CacheEvictions(domain.TierL1, evicted)
		c.logger.Debug("cache_evicted", "tier", domain.TierL1, "count", evicted, "target", target)
	}
	return evicted
}

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	L1Expired  int
	L3Expired  int
	L1Evicted  int
	L3Evicted  int
	L3Size     int
	Strategies map[domain.KeyType]domain.Strategy
}

// SweepExpired removes expired entries from L1 and L3.
func (c *TieredCache) SweepExpired(ctx context.Context) (l1, l3 int, err error) {
	now := c.now()
	removed := c.l1.removeWhere(func(entry *domain.CacheEntry) bool { return entry.Expired(now) })
	for _, key := range removed {
		c.semantic.Unregister(key)
	}
	if c.l3 == nil {
		return len(removed), 0, nil
	}
	l3Removed, _, err := c.scanL3(ctx, now)
	return len(removed), l3Removed, err
}

// EnforceCapacity evicts from L1 and L3 when either is at capacity.
func (c *TieredCache) EnforceCapacity(ctx context.Context) (l1, l3 int, err error) {
	l1 = c.evictL1()
	if c.l3 == nil || c.cfg.L3Capacity <= 0 {
		return l1, 0, nil
	}
	_, l3, err = c.scanL3(ctx, c.now())
	return l1, l3, err
}

// scanL3 walks L3 once, deleting expired and unreadable entries and, when the
// tier is at capacity, the lowest-scoring survivors. Deletes happen after the
// scan so no store iteration is held open while writing.
func (c *TieredCache) scanL3(ctx context.Context, now time.Time) (expired, evicted int, err error) {
	strategies := c.analyzer.Strategies()
	var doomed []string
	var candidates []evictionCandidate
	scanErr := c.l3.Scan(ctx, "", func(key string, value []byte) error {
		entry, err := decodeEntry(key, value)
		if err != nil || entry.Expired(now) {
			doomed = append(doomed, key)
			return nil
		}
		candidates = append(candidates, evictionCandidate{
			key:   key,
			score: evictionScore(entry, strategies[entry.KeyType], now),
		})
		return nil
	})
	if scanErr != nil {
		return 0, 0, fmt.Errorf("scan l3: %w", scanErr)
	}

	size := len(candidates)
	var victims []string
	if c.cfg.L3Capacity > 0 && size >= c.cfg.L3Capacity {
		victims = selectVictims(candidates, size, evictionTarget(c.cfg.L3Capacity, c.cfg.EvictTargetRatio))
	}

	var errs []error
	for _, key := range doomed {
		if err := c.l3.Delete(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		c.semantic.Unregister(key)
		expired++
	}
	for _, key := range victims {
		if err := c.l3.Delete(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		evicted++
	}
	if evicted > 0 {
		c.counters[domain.TierL3].evictions.Add(uint64(evicted))
		c.recorder.CacheEvictions(domain.TierL3, evicted)
	}
	c.l3Size.Store(int64(size - evicted))
	return expired, evicted, errors.Join(errs...)
}

// Rebalance closes the analyzer window and applies the new per-type policies.
func (c *TieredCache) Rebalance() map[domain.KeyType]domain.Strategy {
	changed := c.analyzer.Rebalance()
	for kt, strategy := range changed {
		c.logger.Info("cache_strategy_changed", "key_type", string(kt), "strategy", string(strategy), "ttl", c.analyzer.TTL(kt).String())
	}
	c.recorder.CacheClusters(c.semantic.ClusterCounts())
	return changed
}

// RunMaintenance performs one full pass: TTL sweep, capacity enforcement and
// pattern analysis. It is safe to call concurrently with Get and Set.
func (c *TieredCache) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	var errs []error

	l1Expired, l3Expired, err := c.SweepExpired(ctx)
	report.L1Expired, report.L3Expired = l1Expired, l3Expired
	if err != nil {
		errs = append(errs, err)
	}

	l1Evicted, l3Evicted, err := c.EnforceCapacity(ctx)
	report.L1Evicted, report.L3Evicted = l1Evicted, l3Evicted
	if err != nil {
		errs = append(errs, err)
	}

	c.Rebalance()
	report.Strategies = c.analyzer.Strategies()
	report.L3Size = int(c.l3Size.Load())
	return report, errors.Join(errs...)
}

// Warm re-registers embeddings of persisted entries in the semantic index so
// paraphrase lookups work after a restart.
func (c *TieredCache) Warm(ctx context.Context) (int, error) {
	if c.l3 == nil {
		return 0, nil
	}
	now := c.now()
	registered, size := 0, 0
	err := c.l3.Scan(ctx, "", func(key string, value []byte) error {
		size++
		entry, err := decodeEntry(key, value)
		if err != nil || entry.Expired(now) || len(entry.Embedding) == 0 {
			return nil
		}
		if c.semantic.Register(key, entry.Embedding, entry.Category) != "" {
			registered++
		}
		return nil
	})
	c.l3Size.Store(int64(size))
	if err != nil {
		return registered, fmt.Errorf("warm semantic index: %w", err)
	}
	return registered, nil
}
