package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	fail error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	v, ok := s.data[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return v, nil
}

func (s *memStore) SetEX(_ context.Context, key string, _ time.Duration, value []byte) error {
	return s.Put(context.Background(), key, value)
}

func (s *memStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.data[key] = value
	return nil
}

func (s *memStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	delete(s.data, key)
	return nil
}

func (s *memStore) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	keys, err := s.Keys(ctx, prefix+"*")
	if err != nil {
		return err
	}
	for _, key := range keys {
		s.mu.Lock()
		v, ok := s.data[key]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := fn(key, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

func (s *memStore) raw(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func testConfig() Config {
	return Config{
		Shards:           2,
		L1Capacity:       10,
		L3Capacity:       100,
		ShortLivedTTL:    5 * time.Minute,
		EvictTargetRatio: 0.8,
		DefaultTTLs: map[domain.KeyType]time.Duration{
			domain.KeyTypeRetrieval: time.Hour,
			domain.KeyTypeEmbedding: 24 * time.Hour,
			domain.KeyTypeGeneric:   30 * time.Minute,
		},
		ClusterCreationThreshold: 1.0,
		SimilarityThreshold:      0.78,
		L2Timeout:                time.Second,
		L3Timeout:                time.Second,
		AsyncWorkers:             64,
	}
}

func newTestCache(t *testing.T, l2, l3 *memStore, clock *fakeClock) *TieredCache {
	t.Helper()
	opts := []Option{}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	var (
		dist ports.DistributedStore
		disk ports.DiskStore
	)
	if l2 != nil {
		dist = l2
	}
	if l3 != nil {
		disk = l3
	}
	c, err := New(testConfig(), dist, disk, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func drain(t *testing.T, c *TieredCache) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

// slowStore delays writes, optionally until gate is closed.
type slowStore struct {
	*memStore
	delay time.Duration
	gate  chan struct{}
}

func (s *slowStore) wait() {
	if s.gate != nil {
		<-s.gate
	}
	time.Sleep(s.delay)
}

func (s *slowStore) SetEX(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	s.wait()
	return s.memStore.SetEX(ctx, key, ttl, value)
}

func (s *slowStore) Put(ctx context.Context, key string, value []byte) error {
	s.wait()
	return s.memStore.Put(ctx, key, value)
}
