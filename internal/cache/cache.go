// Package cache implements the three-tier adaptive cache: a sharded
// in-process L1, a shared L2 behind ports.DistributedStore and a persistent
// L3 behind ports.DiskStore, plus the semantic index and access analyzer
// that sit on top of them.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
)

const l2Operation = "cache.l2"

type Config struct {
	Shards           int
	L1Capacity       int
	L3Capacity       int
	ShortLivedTTL    time.Duration
	DefaultTTLs      map[domain.KeyType]time.Duration
	ImportanceByType map[domain.KeyType]float64
	EvictTargetRatio float64
	MinTTL           time.Duration
	MaxTTL           time.Duration

	ClusterCreationThreshold float64
	SimilarityThreshold      float64
	SimilarityByType         map[domain.KeyType]float64

	L2Timeout    time.Duration
	L3Timeout    time.Duration
	AsyncWorkers int
	// AsyncQueue bounds the writes waiting for a worker. Set drops a write
	// only when this queue is full.
	AsyncQueue int
}

// Recorder receives cache events for metrics.
type Recorder interface {
	CacheHit(tier domain.Tier)
	CacheMiss(tier domain.Tier)
	CacheEvictions(tier domain.Tier, n int)
	CacheAsyncFailure(tier domain.Tier)
	CacheSemanticHit()
	CacheClusters(counts map[string]int)
}

type noopRecorder struct{}

func (noopRecorder) CacheHit(domain.Tier)            {}
func (noopRecorder) CacheMiss(domain.Tier)           {}
func (noopRecorder) CacheEvictions(domain.Tier, int) {}
func (noopRecorder) CacheAsyncFailure(domain.Tier)   {}
func (noopRecorder) CacheSemanticHit()               {}
func (noopRecorder) CacheClusters(map[string]int)    {}

type tierCounters struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type Option func(*TieredCache)

func WithLogger(logger *slog.Logger) Option {
	return func(c *TieredCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(c *TieredCache) {
		if recorder != nil {
			c.recorder = recorder
		}
	}
}

// WithExecutor routes L2 calls through a circuit breaker so an unreachable
// store is skipped instead of waited on.
func WithExecutor(executor *resilience.Executor) Option {
	return func(c *TieredCache) { c.executor = executor }
}

func WithClock(now func() time.Time) Option {
	return func(c *TieredCache) {
		if now != nil {
			c.now = now
		}
	}
}

type TieredCache struct {
	cfg      Config
	l1       *memoryTier
	l2       ports.DistributedStore
	l3       ports.DiskStore
	semantic *SemanticIndex
	analyzer *Analyzer

	executor *resilience.Executor
	pool     *ants.Pool
	queue    chan asyncJob
	stop     chan struct{}
	inflight sync.WaitGroup
	closed   atomic.Bool

	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	counters      map[domain.Tier]*tierCounters
	gets          atomic.Uint64
	getHits       atomic.Uint64
	semanticHits  atomic.Uint64
	asyncFailures atomic.Uint64
	l2Available   atomic.Bool
	l3Size        atomic.Int64
	evicting      atomic.Bool
}

// New builds the cache. l2 and l3 may be nil to disable those tiers.
func New(cfg Config, l2 ports.DistributedStore, l3 ports.DiskStore, opts ...Option) (*TieredCache, error) {
	cfg = cfg.normalize()
	l1, err := newMemoryTier(cfg.Shards, cfg.L1Capacity, cfg.ShortLivedTTL)
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(cfg.AsyncWorkers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create cache write pool: %w", err)
	}

	c := &TieredCache{
		cfg:      cfg,
		l1:       l1,
		l2:       l2,
		l3:       l3,
		semantic: NewSemanticIndex(cfg.ClusterCreationThreshold),
		analyzer: NewAnalyzer(cfg.DefaultTTLs, cfg.MinTTL, cfg.MaxTTL),
		pool:     pool,
		queue:    make(chan asyncJob, cfg.AsyncQueue),
		stop:     make(chan struct{}),
		logger:   slog.Default(),
		recorder: noopRecorder{},
		now:      time.Now,
		counters: map[domain.Tier]*tierCounters{
			domain.TierL1: {},
			domain.TierL2: {},
			domain.TierL3: {},
		},
	}
	c.l2Available.Store(l2 != nil)
	for _, opt := range opts {
		opt(c)
	}
	for i := 0; i < cfg.AsyncWorkers; i++ {
		if err := pool.Submit(c.runWorker); err != nil {
			close(c.stop)
			pool.Release()
			return nil, fmt.Errorf("start cache writer: %w", err)
		}
	}
	return c, nil
}

func (cfg Config) normalize() Config {
	out := cfg
	if out.Shards <= 0 {
		out.Shards = 16
	}
	if out.L1Capacity <= 0 {
		out.L1Capacity = 2000
	}
	if out.EvictTargetRatio <= 0 || out.EvictTargetRatio >= 1 {
		out.EvictTargetRatio = 0.8
	}
	if out.ClusterCreationThreshold <= 0 {
		out.ClusterCreationThreshold = 1.0
	}
	if out.SimilarityThreshold <= 0 {
		out.SimilarityThreshold = 0.78
	}
	if out.L2Timeout <= 0 {
		out.L2Timeout = 250 * time.Millisecond
	}
	if out.L3Timeout <= 0 {
		out.L3Timeout = 500 * time.Millisecond
	}
	if out.AsyncWorkers <= 0 {
		out.AsyncWorkers = 8
	}
	if out.AsyncQueue <= 0 {
		out.AsyncQueue = 1024
	}
	return out
}

// SimilarityThreshold returns the semantic lookup threshold for kt.
func (c *TieredCache) SimilarityThreshold(kt domain.KeyType) float64 {
	if v, ok := c.cfg.SimilarityByType[kt]; ok && v > 0 {
		return v
	}
	return c.cfg.SimilarityThreshold
}

// Get reads L1, then L2, then L3. A hit in a slower tier is promoted into
// every faster tier. The returned slice must not be modified.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	return c.get(ctx, key, false)
}

func (c *TieredCache) get(ctx context.Context, key string, semantic bool) ([]byte, bool) {
	kt := domain.KeyTypeOf(key)
	now := c.now()
	c.gets.Add(1)

	value, ok, expired := c.l1.get(key, now)
	if ok {
		c.hit(domain.TierL1, kt, semantic)
		return value, true
	}
	if expired {
		c.semantic.Unregister(key)
	}
	c.miss(domain.TierL1)

	l2Missed := false
	if c.l2 != nil {
		entry, err := c.readL2(ctx, key)
		switch {
		case err == nil && !entry.Expired(now):
			entry.Touch(now)
			c.promote(entry)
			c.hit(domain.TierL2, kt, semantic)
			return entry.Value, true
		case err == nil:
			c.deleteL2Async(key)
		case domain.IsKind(err, domain.ErrMalformedCacheEntry):
			c.logger.Warn("cache_malformed_entry", "tier", domain.TierL2, "key", key, "error", err)
			c.deleteL2Async(key)
		case !domain.IsKind(err, domain.ErrCacheMiss):
			c.logger.Debug("cache_tier_unavailable", "tier", domain.TierL2, "error", err)
		}
		c.miss(domain.TierL2)
		l2Missed = c.l2Available.Load()
	}

	if c.l3 != nil {
		entry, err := c.readL3(ctx, key)
		switch {
		case err == nil && !entry.Expired(now):
			entry.Touch(now)
			c.promote(entry)
			c.hit(domain.TierL3, kt, semantic)
			c.backfill(entry, l2Missed)
			return entry.Value, true
		case err == nil:
			c.deleteL3Async(key)
		case domain.IsKind(err, domain.ErrMalformedCacheEntry):
			c.logger.Warn("cache_malformed_entry", "tier", domain.TierL3, "key", key, "error", err)
			c.deleteL3Async(key)
		case !domain.IsKind(err, domain.ErrCacheMiss):
			c.logger.Debug("cache_tier_unavailable", "tier", domain.TierL3, "error", err)
		}
		c.miss(domain.TierL3)
	}

	c.analyzer.RecordMiss(kt)
	return nil, false
}

// Set writes L1 synchronously and L2/L3 in the background. Background
// failures are logged and counted, never returned.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, opts ...ports.SetOption) {
	if key == "" {
		return
	}
	var o ports.SetOptions
	for _, opt := range opts {
		opt(&o)
	}

	kt := domain.KeyTypeOf(key)
	now := c.now()
	entry := &domain.CacheEntry{
		Key:          key,
		Value:        bytes.Clone(value),
		KeyType:      kt,
		CreatedAt:    now,
		LastAccessed: now,
		Importance:   c.importance(kt, o.Importance),
		TTL:          c.ttl(kt, o),
		Category:     o.Category,
		Tags:         o.Tags,
		Tier:         domain.TierL1,
	}
	if len(o.Embedding) > 0 {
		entry.Embedding = append([]float32(nil), o.Embedding...)
		entry.ClusterID = c.semantic.Register(key, entry.Embedding, o.Category)
		c.recorder.CacheClusters(c.semantic.ClusterCounts())
	}

	persisted := *entry
	c.storeL1(entry)

	if c.l2 == nil && c.l3 == nil {
		return
	}
	payload, err := encodeEntry(&persisted)
	if err != nil {
		c.logger.Error("cache_encode_failed", "key", key, "error", err)
		return
	}
	if c.l2 != nil {
		c.submit(domain.TierL2, "set", func(ctx context.Context) error {
			return c.l2Call(ctx, func(callCtx context.Context) error {
				return c.l2.SetEX(callCtx, key, persisted.TTL, payload)
			})
		})
	}
	if c.l3 != nil {
		c.submit(domain.TierL3, "set", func(ctx context.Context) error {
			return c.l3.Put(ctx, key, payload)
		})
	}
}

// Clear removes every entry of the given key type from all tiers;
// domain.KeyTypeAll clears everything.
func (c *TieredCache) Clear(ctx context.Context, scope domain.KeyType) error {
	matches := func(key string) bool {
		return scope == domain.KeyTypeAll || domain.KeyTypeOf(key) == scope
	}

	removed := c.l1.removeWhere(func(entry *domain.CacheEntry) bool { return matches(entry.Key) })
	c.semantic.UnregisterWhere(matches)
	c.recorder.CacheClusters(c.semantic.ClusterCounts())

	var errs []error
	if c.l2 != nil {
		if err := c.clearL2(ctx, scope, matches); err != nil {
			errs = append(errs, domain.WrapError(domain.ErrDependencyUnavailable, "cache.clear.l2", err))
		}
	}
	if c.l3 != nil {
		if err := c.clearL3(ctx, scope, matches); err != nil {
			errs = append(errs, domain.WrapError(domain.ErrDependencyUnavailable, "cache.clear.l3", err))
		}
	}
	c.logger.Info("cache_cleared", "scope", string(scope), "l1_removed", len(removed))
	return errors.Join(errs...)
}

func (c *TieredCache) clearL2(ctx context.Context, scope domain.KeyType, matches func(string) bool) error {
	pattern := "*"
	if scope == domain.KeyTypeRetrieval || scope == domain.KeyTypeEmbedding {
		pattern = string(scope) + ":*"
	}
	var keys []string
	err := c.l2Call(ctx, func(callCtx context.Context) error {
		var err error
		keys, err = c.l2.Keys(callCtx, pattern)
		return err
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		if !matches(key) {
			continue
		}
		if err := c.l2Call(ctx, func(callCtx context.Context) error {
			return c.l2.Delete(callCtx, key)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *TieredCache) clearL3(ctx context.Context, scope domain.KeyType, matches func(string) bool) error {
	prefix := ""
	if scope == domain.KeyTypeRetrieval || scope == domain.KeyTypeEmbedding {
		prefix = string(scope) + ":"
	}
	var keys []string
	err := c.l3.Scan(ctx, prefix, func(key string, _ []byte) error {
		if matches(key) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		if err := c.l3.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	c.l3Size.Add(-int64(len(keys) - len(errs)))
	if c.l3Size.Load() < 0 {
		c.l3Size.Store(0)
	}
	return errors.Join(errs...)
}

// LookupSimilar serves a value cached under a different key whose embedding
// is close enough to embedding. Members whose value is gone are dropped.
func (c *TieredCache) LookupSimilar(ctx context.Context, embedding []float32, category string, threshold float64) (string, []byte, bool) {
	if threshold <= 0 {
		threshold = c.cfg.SimilarityThreshold
	}
	key, score, ok := c.semantic.Nearest(embedding, category, threshold)
	if !ok {
		return "", nil, false
	}
	value, hit := c.get(ctx, key, true)
	if !hit {
		c.semantic.Unregister(key)
		return "", nil, false
	}
	c.semanticHits.Add(1)
	c.recorder.CacheSemanticHit()
	c.logger.Debug("cache_semantic_hit", "key", key, "category", category, "similarity", score)
	return key, value, true
}

func (c *TieredCache) Stats() domain.CacheStats {
	tiers := make(map[domain.Tier]domain.TierStats, len(c.counters))
	for tier, counter := range c.counters {
		hits, misses := counter.hits.Load(), counter.misses.Load()
		st := domain.TierStats{
			Hits:      hits,
			Misses:    misses,
			Evictions: counter.evictions.Load(),
		}
		if hits+misses > 0 {
			st.HitRate = float64(hits) / float64(hits+misses)
		}
		switch tier {
		case domain.TierL1:
			st.Size = c.l1.len()
			st.Available = true
		case domain.TierL2:
			st.Available = c.l2 != nil && c.l2Available.Load()
		case domain.TierL3:
			st.Size = int(c.l3Size.Load())
			st.Available = c.l3 != nil
		}
		tiers[tier] = st
	}

	stats := domain.CacheStats{
		Tiers:         tiers,
		SemanticHits:  c.semanticHits.Load(),
		ClusterCounts: c.semantic.ClusterCounts(),
		Strategies:    c.analyzer.Strategies(),
		AsyncFailures: c.asyncFailures.Load(),
	}
	if gets := c.gets.Load(); gets > 0 {
		stats.HitRate = float64(c.getHits.Load()) / float64(gets)
	}
	return stats
}

// Drain blocks until every queued background write has finished or ctx ends.
func (c *TieredCache) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains background writes and releases the worker pool.
func (c *TieredCache) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.Drain(ctx)
	close(c.stop)
	c.pool.Release()
	return err
}

func (c *TieredCache) hit(tier domain.Tier, kt domain.KeyType, semantic bool) {
	c.counters[tier].hits.Add(1)
	c.getHits.Add(1)
	c.recorder.CacheHit(tier)
	c.analyzer.RecordHit(kt, semantic)
}

func (c *TieredCache) miss(tier domain.Tier) {
	c.counters[tier].misses.Add(1)
	c.recorder.CacheMiss(tier)
}

func (c *TieredCache) importance(kt domain.KeyType, requested float64) float64 {
	if requested > 0 {
		return requested
	}
	if v, ok := c.cfg.ImportanceByType[kt]; ok && v > 0 {
		return v
	}
	return 1
}

func (c *TieredCache) ttl(kt domain.KeyType, o ports.SetOptions) time.Duration {
	if o.HasTTL {
		if o.TTL < 0 {
			return 0
		}
		return o.TTL
	}
	return c.analyzer.TTL(kt)
}

func (c *TieredCache) storeL1(entry *domain.CacheEntry) {
	if n := c.l1.put(entry); n > 0 {
		c.counters[domain.TierL1].evictions.Add(uint64(n))
		c.recorder.CacheEvictions(domain.TierL1, n)
	}
	if c.l1.len() >= c.cfg.L1Capacity {
		c.evictL1()
	}
}

// promote copies a lower-tier entry into L1 and re-registers its embedding,
// which a fresh process would otherwise not know about.
func (c *TieredCache) promote(entry *domain.CacheEntry) {
	if len(entry.Embedding) > 0 {
		entry.ClusterID = c.semantic.Register(entry.Key, entry.Embedding, entry.Category)
	}
	promoted := *entry
	c.storeL1(&promoted)
}

// backfill refreshes L3 counters and, when L2 missed, copies the entry up.
func (c *TieredCache) backfill(entry *domain.CacheEntry, toL2 bool) {
	snapshot := *entry
	payload, err := encodeEntry(&snapshot)
	if err != nil {
		c.logger.Error("cache_encode_failed", "key", entry.Key, "error", err)
		return
	}
	if toL2 {
		ttl := remainingTTL(&snapshot, c.now())
		c.submit(domain.TierL2, "backfill", func(ctx context.Context) error {
			return c.l2Call(ctx, func(callCtx context.Context) error {
				return c.l2.SetEX(callCtx, snapshot.Key, ttl, payload)
			})
		})
	}
	c.submit(domain.TierL3, "touch", func(ctx context.Context) error {
		return c.l3.Put(ctx, snapshot.Key, payload)
	})
}

func remainingTTL(entry *domain.CacheEntry, now time.Time) time.Duration {
	if entry.TTL <= 0 {
		return 0
	}
	left := entry.CreatedAt.Add(entry.TTL).Sub(now)
	if left <= 0 {
		return time.Millisecond
	}
	return left
}

func (c *TieredCache) readL2(ctx context.Context, key string) (*domain.CacheEntry, error) {
	var raw []byte
	err := c.l2Call(ctx, func(callCtx context.Context) error {
		var err error
		raw, err = c.l2.Get(callCtx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	entry, err := decodeEntry(key, raw)
	if err != nil {
		return nil, err
	}
	entry.Tier = domain.TierL2
	return entry, nil
}

func (c *TieredCache) readL3(ctx context.Context, key string) (*domain.CacheEntry, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.L3Timeout)
	defer cancel()
	raw, err := c.l3.Get(callCtx, key)
	if err != nil {
		if domain.IsKind(err, domain.ErrCacheMiss) {
			return nil, err
		}
		return nil, resilience.MapError("cache.l3.get", err)
	}
	entry, err := decodeEntry(key, raw)
	if err != nil {
		return nil, err
	}
	entry.Tier = domain.TierL3
	return entry, nil
}

// l2Call bounds fn by the L2 timeout and the shared L2 circuit breaker and
// tracks whether the tier is reachable.
func (c *TieredCache) l2Call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.L2Timeout)
	defer cancel()

	var err error
	if c.executor != nil {
		err = c.executor.Execute(callCtx, l2Operation, fn, classifyL2Error)
	} else {
		err = fn(callCtx)
	}

	switch {
	case err == nil, domain.IsKind(err, domain.ErrCacheMiss):
		if !c.l2Available.Swap(true) {
			c.logger.Info("cache_tier_recovered", "tier", domain.TierL2)
		}
		return err
	default:
		if c.l2Available.Swap(false) {
			c.logger.Warn("cache_tier_unavailable", "tier", domain.TierL2, "error", err)
		}
		return resilience.MapError(l2Operation, err)
	}
}

func classifyL2Error(err error) resilience.ErrorClassification {
	if domain.IsKind(err, domain.ErrCacheMiss) || errors.Is(err, context.Canceled) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func (c *TieredCache) deleteL2Async(key string) {
	c.submit(domain.TierL2, "delete", func(ctx context.Context) error {
		return c.l2Call(ctx, func(callCtx context.Context) error {
			return c.l2.Delete(callCtx, key)
		})
	})
}

func (c *TieredCache) deleteL3Async(key string) {
	c.submit(domain.TierL3, "delete", func(ctx context.Context) error {
		return c.l3.Delete(ctx, key)
	})
}

var errWriteQueueFull = errors.New("cache write queue full")

type asyncJob struct {
	tier domain.Tier
	op   string
	fn   func(context.Context) error
}

// submit queues fn for the writer pool. The caller never blocks: when the
// queue is full the write is dropped and counted as a failure.
func (c *TieredCache) submit(tier domain.Tier, op string, fn func(context.Context) error) {
	if c.closed.Load() {
		return
	}
	c.inflight.Add(1)
	select {
	case c.queue <- asyncJob{tier: tier, op: op, fn: fn}:
	default:
		c.inflight.Done()
		c.asyncFailed(tier, op, errWriteQueueFull)
	}
}

// runWorker occupies one pool slot for the cache lifetime and drains the
// write queue.
func (c *TieredCache) runWorker() {
	for {
		select {
		case job := <-c.queue:
			c.runJob(job)
		case <-c.stop:
			return
		}
	}
}

func (c *TieredCache) runJob(job asyncJob) {
	defer c.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			c.asyncFailed(job.tier, job.op, fmt.Errorf("panic: %v", r))
		}
	}()
	timeout := c.cfg.L3Timeout
	if job.tier == domain.TierL2 {
		timeout = c.cfg.L2Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := job.fn(ctx); err != nil && !domain.IsKind(err, domain.ErrCacheMiss) {
		c.asyncFailed(job.tier, job.op, err)
	}
}

func (c *TieredCache) asyncFailed(tier domain.Tier, op string, err error) {
	c.asyncFailures.Add(1)
	c.recorder.CacheAsyncFailure(tier)
	c.logger.Warn("cache_async_write_failed", "tier", tier, "op", op, "error", err)
}
