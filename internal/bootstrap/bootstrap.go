package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	natsgo "github.com/nats-io/nats.go"

	"github.com/kirillkom/knowledge-retrieval/internal/cache"
	"github.com/kirillkom/knowledge-retrieval/internal/config"
	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
	"github.com/kirillkom/knowledge-retrieval/internal/core/usecase"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/cachestore/natskv"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/chunking"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/storage/badger"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/vector/memory"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/knowledge-retrieval/internal/maintenance"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/metrics"
)

const serviceName = "knowledge-worker"

// App owns every long-lived component of the worker process.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.WorkerMetrics

	Cache   *cache.TieredCache
	QueryUC *usecase.QueryUseCase
	// Source is nil when the corpus is fed through QueryUC.Index directly.
	Source ports.DocumentSource
	// Queue is nil when NATS is not configured.
	Queue ports.ReindexQueue

	scheduler *maintenance.Scheduler
	reindexMu sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closers   []func() error
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewWorkerMetrics(serviceName),
	}
	defer func() {
		if err != nil {
			_ = app.close()
		}
	}()

	executor := resilience.NewExecutor(resilienceConfig(cfg.Resilience)).
		WithLogger(logger).
		WithStateListener(app.Metrics.BreakerStateChanged)
	// L2 calls fail fast: one attempt, the breaker decides when to try again.
	l2Cfg := resilienceConfig(cfg.Resilience)
	l2Cfg.RetryMaxAttempts = 1
	l2Executor := resilience.NewExecutor(l2Cfg).
		WithLogger(logger).
		WithStateListener(app.Metrics.BreakerStateChanged)

	if cfg.DocumentSource == "postgres" {
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		app.closers = append(app.closers, db.Close)
		repo := postgres.NewDocumentRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		app.Source = repo
	}

	var conn *natsgo.Conn
	if cfg.NATSURL != "" {
		conn, err = nats.Connect(cfg.NATSURL, nats.Options{Name: serviceName, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		app.closers = append(app.closers, func() error {
			if err := conn.Drain(); err != nil {
				conn.Close()
				return err
			}
			return nil
		})
		app.Queue = nats.NewQueue(conn, cfg.NATSReindexSubject, executor, logger)
	}

	var l2 ports.DistributedStore
	if cfg.L2Enabled && conn != nil {
		maxAge := cfg.Cache.MaxTTL
		store, err := natskv.Open(conn, cfg.NATSKVBucket, maxAge, cfg.Cache.L2Timeout)
		if err != nil {
			logger.Warn("cache_tier_disabled", "tier", domain.TierL2, "error", err)
		} else {
			l2 = store
		}
	}

	var l3 ports.DiskStore
	var gc maintenance.GarbageCollector
	switch cfg.L3Backend {
	case "badger":
		store, err := badger.Open(cfg.L3Path, false, logger)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		app.closers = append(app.closers, store.Close)
		l3, gc = store, store
	case "localfs":
		store, err := localfs.New(cfg.L3Path)
		if err != nil {
			return nil, fmt.Errorf("open l3 directory: %w", err)
		}
		l3 = store
	}

	tiered, err := cache.New(cacheConfig(cfg.Cache), l2, l3,
		cache.WithLogger(logger),
		cache.WithRecorder(app.Metrics),
		cache.WithExecutor(l2Executor),
	)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	app.Cache = tiered

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel,
		ollama.WithResilience(executor),
		ollama.WithRateLimit(cfg.OllamaRateLimitRPS, cfg.OllamaRateLimitBurst),
	)
	embedder := ollama.NewEmbedder(ollamaClient)
	classifier := ollama.NewClassifier(ollamaClient, cfg.Retrieval.Categories)

	var vectors ports.VectorIndex
	switch cfg.VectorBackend {
	case "qdrant":
		vectors = qdrant.New(cfg.QdrantURL, cfg.QdrantCollection).WithResilience(executor)
	default:
		vectors = memory.New()
	}

	var reranker ports.Reranker
	switch cfg.RerankerMode {
	case "ollama":
		reranker = ollama.NewReranker(ollamaClient)
	case "lexical":
		reranker = usecase.LexicalReranker{}
	}

	r := cfg.Retrieval
	retriever := usecase.NewHybridRetriever(usecase.RetrieverConfig{
		SemanticWeight:     r.SemanticWeight,
		LexicalWeight:      r.LexicalWeight,
		ContextWeight:      r.ContextWeight,
		PartialMatchFactor: r.PartialMatchFactor,
		HighPriorityBoost:  r.HighPriorityBoost,
		ScopeBoost:         r.ScopeBoost,
		ScorerTimeout:      r.ScorerTimeout,
		RelatedCategories:  r.RelatedCategories,
	}, vectors, embedder, classifier, logger)

	var rerankStage *usecase.RerankStage
	if reranker != nil {
		rerankStage = usecase.NewRerankStage(reranker, chunking.NewSplitter(r.PassageSize, r.PassageOverlap), usecase.RerankConfig{
			TopN:    r.RerankTopN,
			Blend:   r.RerankBlend,
			Timeout: r.RerankTimeout,
		}, logger)
	}

	app.QueryUC = usecase.NewQueryUseCase(retriever, rerankStage, embedder, tiered, tiered, usecase.QueryConfig{
		DefaultTopK:       r.DefaultTopK,
		QueryTimeout:      r.QueryTimeout,
		EmbedTimeout:      r.ScorerTimeout,
		Diversify:         r.Diversify,
		DedupThreshold:    r.DedupThreshold,
		SemanticThreshold: tiered.SimilarityThreshold(domain.KeyTypeRetrieval),
	}, usecase.WithQueryLogger(logger), usecase.WithQueryRecorder(app.Metrics))

	jobs := []maintenance.Job{maintenance.CacheJob(tiered, cfg.Cache.MaintenanceInterval, logger)}
	if gc != nil {
		jobs = append(jobs, maintenance.GarbageCollectionJob(gc, 10*cfg.Cache.MaintenanceInterval))
	}
	app.scheduler = maintenance.New(logger, jobs...)
	return app, nil
}

// Start loads the corpus, warms the semantic index from L3, starts the
// maintenance scheduler and listens for reindex requests.
func (a *App) Start(ctx context.Context) error {
	if a.Source != nil {
		if err := a.Reindex(ctx, "startup"); err != nil {
			return err
		}
	}
	warmed, err := a.Cache.Warm(ctx)
	if err != nil {
		a.Logger.Warn("cache_warm_failed", "error", err)
	} else {
		a.Logger.Info("cache_warmed", "entries", warmed)
	}
	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}

	if a.Queue == nil || a.Source == nil {
		return nil
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		err := a.Queue.SubscribeReindexRequested(listenCtx, func(handlerCtx context.Context, reason string) error {
			return a.Reindex(handlerCtx, reason)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("reindex_subscription_failed", "error", err)
		}
	}()
	return nil
}

// Reindex reloads every document from the source and swaps the index.
// Concurrent calls are serialized.
func (a *App) Reindex(ctx context.Context, reason string) error {
	if a.Source == nil {
		return domain.WrapError(domain.ErrInvalidInput, "reindex", errors.New("no document source configured"))
	}
	a.reindexMu.Lock()
	defer a.reindexMu.Unlock()

	docs, err := a.Source.BulkLoad(ctx)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	if err := a.QueryUC.Index(ctx, docs); err != nil {
		return fmt.Errorf("index documents: %w", err)
	}
	a.Logger.Info("reindex_completed", "reason", reason, "documents", len(docs))
	return nil
}

// Shutdown stops background work, drains pending cache writes and closes
// every connection. It is safe to call once after New.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop maintenance: %w", err))
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// close releases connections in reverse order of acquisition.
func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func resilienceConfig(rc config.ResilienceConfig) resilience.Config {
	cfg := resilience.DefaultConfig()
	if rc.RetryMaxAttempts > 0 {
		cfg.RetryMaxAttempts = rc.RetryMaxAttempts
	}
	if rc.RetryInitialBackoff > 0 {
		cfg.RetryInitialBackoff = rc.RetryInitialBackoff
	}
	if rc.RetryMaxBackoff > 0 {
		cfg.RetryMaxBackoff = rc.RetryMaxBackoff
	}
	if rc.BreakerMinRequests > 0 {
		cfg.BreakerMinRequests = uint32(rc.BreakerMinRequests)
	}
	if rc.BreakerFailureRatio > 0 {
		cfg.BreakerFailureRatio = rc.BreakerFailureRatio
	}
	if rc.BreakerOpenTimeout > 0 {
		cfg.BreakerOpenTimeout = rc.BreakerOpenTimeout
	}
	if rc.BreakerHalfOpenMaxCalls > 0 {
		cfg.BreakerHalfOpenMaxCalls = uint32(rc.BreakerHalfOpenMaxCalls)
	}
	return cfg
}

func cacheConfig(cc config.CacheConfig) cache.Config {
	return cache.Config{
		Shards:                   cc.Shards,
		L1Capacity:               cc.Capacities.L1,
		L3Capacity:               cc.Capacities.L3,
		ShortLivedTTL:            cc.ShortLivedTTL,
		DefaultTTLs:              byKeyType(cc.DefaultTTLs),
		ImportanceByType:         byKeyType(cc.ImportanceByType),
		EvictTargetRatio:         cc.EvictTargetRatio,
		MinTTL:                   cc.MinTTL,
		MaxTTL:                   cc.MaxTTL,
		ClusterCreationThreshold: cc.ClusterCreationThreshold,
		SimilarityThreshold:      cc.SimilarityThreshold,
		SimilarityByType:         byKeyType(cc.SimilarityByType),
		L2Timeout:                cc.L2Timeout,
		L3Timeout:                cc.L3Timeout,
		AsyncWorkers:             cc.AsyncWorkers,
		AsyncQueue:               cc.AsyncQueue,
	}
}

func byKeyType[V any](in map[string]V) map[domain.KeyType]V {
	if len(in) == 0 {
		return nil
	}
	out := make(map[domain.KeyType]V, len(in))
	for k, v := range in {
		out[domain.KeyType(strings.ToLower(strings.TrimSpace(k)))] = v
	}
	return out
}
