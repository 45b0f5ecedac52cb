package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// shard holds long-lived entries in an LRU. Entries whose TTL fits within
// the short-lived window go to one self-expiring map shared by all shards;
// a key lives in at most one of the two, guarded by its shard lock.
type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *domain.CacheEntry]
}

// memoryTier is the L1 tier. Each shard enforces a hard bound of twice its
// share of the capacity; score-based eviction keeps the total below capacity.
//
// The short-lived map runs a cleanup goroutine that golang-lru never stops,
// so there is one per memoryTier for the life of the process.
type memoryTier struct {
	shards   []*shard
	short    *expirable.LRU[string, *domain.CacheEntry]
	shortTTL time.Duration
}

type evictionCandidate struct {
	key   string
	score float64
}

func newMemoryTier(shardCount, capacity int, shortTTL time.Duration) (*memoryTier, error) {
	if shardCount <= 0 {
		shardCount = 16
	}
	if capacity < shardCount {
		capacity = shardCount
	}
	perShard := 2 * ((capacity + shardCount - 1) / shardCount)

	m := &memoryTier{shards: make([]*shard, shardCount), shortTTL: shortTTL}
	for i := range m.shards {
		lru, err := simplelru.NewLRU[string, *domain.CacheEntry](perShard, nil)
		if err != nil {
			return nil, fmt.Errorf("create l1 shard: %w", err)
		}
		m.shards[i] = &shard{lru: lru}
	}
	if shortTTL > 0 {
		m.short = expirable.NewLRU[string, *domain.CacheEntry](max(capacity/2, 1), nil, shortTTL)
	}
	return m, nil
}

func (m *memoryTier) shardFor(key string) *shard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *memoryTier) isShortLived(entry *domain.CacheEntry) bool {
	return m.shortTTL > 0 && entry.TTL > 0 && entry.TTL <= m.shortTTL
}

// get returns the value and whether it was present; expired entries are
// removed and reported through the expired flag.
func (m *memoryTier) get(key string, now time.Time) (value []byte, ok bool, expired bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found := s.lru.Get(key)
	if !found && m.short != nil {
		entry, found = m.short.Get(key)
	}
	if !found {
		return nil, false, false
	}
	if entry.Expired(now) {
		m.removeLocked(s, key)
		return nil, false, true
	}
	entry.Touch(now)
	return entry.Value, true, false
}

// put stores entry and reports how many entries the hard bound pushed out.
func (m *memoryTier) put(entry *domain.CacheEntry) int {
	s := m.shardFor(entry.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Tier = domain.TierL1
	if m.isShortLived(entry) {
		s.lru.Remove(entry.Key)
		if m.short.Add(entry.Key, entry) {
			return 1
		}
		return 0
	}
	if m.short != nil {
		m.short.Remove(entry.Key)
	}
	if s.lru.Add(entry.Key, entry) {
		return 1
	}
	return 0
}

func (m *memoryTier) remove(key string) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.removeLocked(s, key)
}

func (m *memoryTier) removeLocked(s *shard, key string) bool {
	removed := s.lru.Remove(key)
	if m.short != nil && m.short.Remove(key) {
		removed = true
	}
	return removed
}

func (m *memoryTier) len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.Lock()
		total += s.lru.Len()
		s.mu.Unlock()
	}
	if m.short != nil {
		total += m.short.Len()
	}
	return total
}

// visit calls fn for every live entry without changing recency order.
// fn runs with a shard lock held and must not call back into the tier.
func (m *memoryTier) visit(fn func(entry *domain.CacheEntry)) {
	for _, s := range m.shards {
		s.mu.Lock()
		for _, key := range s.lru.Keys() {
			if entry, ok := s.lru.Peek(key); ok {
				fn(entry)
			}
		}
		s.mu.Unlock()
	}
	if m.short == nil {
		return
	}
	for _, key := range m.short.Keys() {
		s := m.shardFor(key)
		s.mu.Lock()
		if entry, ok := m.short.Peek(key); ok {
			fn(entry)
		}
		s.mu.Unlock()
	}
}

// removeWhere deletes every entry matching pred and returns the removed keys.
func (m *memoryTier) removeWhere(pred func(entry *domain.CacheEntry) bool) []string {
	var removed []string
	for _, s := range m.shards {
		s.mu.Lock()
		var doomed []string
		for _, key := range s.lru.Keys() {
			if entry, ok := s.lru.Peek(key); ok && pred(entry) {
				doomed = append(doomed, key)
			}
		}
		for _, key := range doomed {
			s.lru.Remove(key)
		}
		s.mu.Unlock()
		removed = append(removed, doomed...)
	}
	if m.short == nil {
		return removed
	}
	for _, key := range m.short.Keys() {
		s := m.shardFor(key)
		s.mu.Lock()
		if entry, ok := m.short.Peek(key); ok && pred(entry) {
			m.short.Remove(key)
			removed = append(removed, key)
		}
		s.mu.Unlock()
	}
	return removed
}
