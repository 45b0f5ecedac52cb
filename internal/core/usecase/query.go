package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
	"github.com/kirillkom/knowledge-retrieval/internal/core/tokens"
)

const (
	outcomeExactHit    = "exact_hit"
	outcomeSemanticHit = "semantic_hit"
	outcomeOK          = "ok"
	outcomeEmpty       = "empty"
	outcomeDegraded    = "degraded"
	outcomePartial     = "partial"

	embedBatchSize = 32
)

// Recorder receives retrieval metrics.
type Recorder interface {
	RetrievalObserved(outcome string, duration time.Duration, results int)
	RerankSkipped(reason string)
}

type noopRecorder struct{}

func (noopRecorder) RetrievalObserved(string, time.Duration, int) {}
func (noopRecorder) RerankSkipped(string)                         {}

type QueryConfig struct {
	DefaultTopK       int
	QueryTimeout      time.Duration
	EmbedTimeout      time.Duration
	Diversify         bool
	DedupThreshold    float64
	SemanticThreshold float64
}

type QueryOption func(*QueryUseCase)

func WithQueryLogger(logger *slog.Logger) QueryOption {
	return func(uc *QueryUseCase) {
		if logger != nil {
			uc.logger = logger
		}
	}
}

func WithQueryRecorder(recorder Recorder) QueryOption {
	return func(uc *QueryUseCase) {
		if recorder != nil {
			uc.recorder = recorder
		}
	}
}

func WithQueryClock(now func() time.Time) QueryOption {
	return func(uc *QueryUseCase) {
		if now != nil {
			uc.now = now
		}
	}
}

// QueryUseCase orchestrates exact cache, semantic cache, hybrid retrieval,
// reranking and diversification, then writes complete answers back.
type QueryUseCase struct {
	retriever *HybridRetriever
	reranker  *RerankStage
	embedder  ports.EmbeddingProvider
	cache     ports.Cache
	semantic  ports.SemanticCache
	cfg       QueryConfig

	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

func NewQueryUseCase(
	retriever *HybridRetriever,
	reranker *RerankStage,
	embedder ports.EmbeddingProvider,
	cache ports.Cache,
	semantic ports.SemanticCache,
	cfg QueryConfig,
	opts ...QueryOption,
) *QueryUseCase {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.SemanticThreshold <= 0 {
		cfg.SemanticThreshold = 0.78
	}
	uc := &QueryUseCase{
		retriever: retriever,
		reranker:  reranker,
		embedder:  embedder,
		cache:     cache,
		semantic:  semantic,
		cfg:       cfg,
		logger:    slog.Default(),
		recorder:  noopRecorder{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Retrieve never fails: dependency problems surface as Degraded and an
// exhausted deadline as Partial.
func (uc *QueryUseCase) Retrieve(ctx context.Context, text string, topK int, opts domain.RetrieveOptions) domain.RetrievalResponse {
	started := uc.now()
	text = strings.TrimSpace(text)
	if topK <= 0 {
		topK = uc.cfg.DefaultTopK
	}
	if text == "" {
		uc.recorder.RetrievalObserved(outcomeEmpty, 0, 0)
		return domain.RetrievalResponse{Results: []domain.RankedResult{}}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = uc.cfg.QueryTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	version := uc.retriever.Version()
	key := retrievalKey(text, topK, opts, version)
	if resp, ok := uc.cachedResponse(ctx, key); ok {
		resp.Cache = domain.CacheSourceExact
		uc.observe(outcomeExactHit, started, len(resp.Results))
		return resp
	}

	embedding := uc.queryEmbedding(ctx, text)
	bucket := semanticBucket(opts, topK, version)
	if resp, ok := uc.similarResponse(ctx, embedding, bucket); ok {
		resp.Cache = domain.CacheSourceSemantic
		uc.observe(outcomeSemanticHit, started, len(resp.Results))
		return resp
	}

	set := uc.retriever.Retrieve(ctx, domain.Query{
		Text:              text,
		CategoryHint:      opts.CategoryHint,
		UserID:            opts.UserID,
		Scope:             opts.Scope,
		Embedding:         embedding,
		EmbeddingResolved: true,
	}, topK)

	candidates := set.Candidates
	degraded, partial := set.Degraded, false
	if ctx.Err() != nil {
		partial = true
		uc.recorder.RerankSkipped("deadline")
	} else {
		reranked, err := uc.reranker.Rerank(ctx, text, candidates)
		if err != nil {
			degraded = true
			uc.logger.Warn("rerank_skipped", "error", err)
			uc.recorder.RerankSkipped("error")
		}
		candidates = reranked
	}

	switch {
	case !uc.cfg.Diversify:
		candidates = truncate(candidates, topK)
	case ctx.Err() != nil && len(candidates) >= topK:
		partial = true
		candidates = truncate(candidates, topK)
	default:
		candidates = Diversify(candidates, topK, uc.cfg.DedupThreshold)
	}

	resp := buildResponse(candidates, degraded, partial)
	outcome := outcomeOK
	switch {
	case partial:
		outcome = outcomePartial
	case degraded:
		outcome = outcomeDegraded
	case len(resp.Results) == 0:
		outcome = outcomeEmpty
	}
	if outcome == outcomeOK {
		// Key by the snapshot that produced the answer; a reindex may have
		// swapped it since the lookup.
		if set.Version != version {
			key = retrievalKey(text, topK, opts, set.Version)
			bucket = semanticBucket(opts, topK, set.Version)
		}
		uc.store(ctx, key, resp, embedding, bucket)
	}
	uc.observe(outcome, started, len(resp.Results))
	return resp
}

// Index embeds documents that arrive without a vector and rebuilds the
// retriever. Cached answers are keyed by corpus version, so answers for an
// older corpus stop matching; when a live corpus changes they are also
// cleared to free space.
func (uc *QueryUseCase) Index(ctx context.Context, docs []domain.Document) error {
	ptrs := make([]*domain.Document, 0, len(docs))
	for i := range docs {
		doc := docs[i]
		ptrs = append(ptrs, &doc)
	}
	uc.embedMissing(ctx, ptrs)

	previous := uc.retriever.Version()
	if err := uc.retriever.Index(ctx, ptrs); err != nil {
		return fmt.Errorf("index documents: %w", err)
	}
	if uc.cache != nil && previous != 0 && previous != uc.retriever.Version() {
		if err := uc.cache.Clear(ctx, domain.KeyTypeRetrieval); err != nil {
			uc.logger.Warn("retrieval_cache_clear_failed", "error", err)
		}
	}
	return nil
}

func (uc *QueryUseCase) embedMissing(ctx context.Context, docs []*domain.Document) {
	if uc.embedder == nil {
		return
	}
	var pending []*domain.Document
	for _, doc := range docs {
		if len(doc.Embedding) == 0 && strings.TrimSpace(doc.Text) != "" {
			pending = append(pending, doc)
		}
	}
	embedded := 0
	for start := 0; start < len(pending); start += embedBatchSize {
		batch := pending[start:min(start+embedBatchSize, len(pending))]
		texts := make([]string, len(batch))
		for i, doc := range batch {
			texts[i] = doc.Text
		}
		vectors, err := uc.embedder.Embed(ctx, texts)
		if err == nil && len(vectors) != len(batch) {
			err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
		}
		if err != nil {
			uc.logger.Warn("document_embedding_failed", "documents", len(pending)-start, "error", err)
			return
		}
		for i, doc := range batch {
			doc.Embedding = vectors[i]
		}
		embedded += len(batch)
	}
	if embedded > 0 {
		uc.logger.Info("documents_embedded", "count", embedded)
	}
}

func (uc *QueryUseCase) cachedResponse(ctx context.Context, key string) (domain.RetrievalResponse, bool) {
	if uc.cache == nil {
		return domain.RetrievalResponse{}, false
	}
	raw, ok := uc.cache.Get(ctx, key)
	if !ok {
		return domain.RetrievalResponse{}, false
	}
	var resp domain.RetrievalResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		uc.logger.Warn("retrieval_cache_decode_failed", "key", key, "error", err)
		return domain.RetrievalResponse{}, false
	}
	return resp, true
}

func (uc *QueryUseCase) similarResponse(ctx context.Context, embedding []float32, bucket string) (domain.RetrievalResponse, bool) {
	if uc.semantic == nil || len(embedding) == 0 {
		return domain.RetrievalResponse{}, false
	}
	key, raw, ok := uc.semantic.LookupSimilar(ctx, embedding, bucket, uc.cfg.SemanticThreshold)
	if !ok {
		return domain.RetrievalResponse{}, false
	}
	var resp domain.RetrievalResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		uc.logger.Warn("retrieval_cache_decode_failed", "key", key, "error", err)
		return domain.RetrievalResponse{}, false
	}
	return resp, true
}

// queryEmbedding returns nil when the provider fails; the retriever then
// drops the semantic signal.
func (uc *QueryUseCase) queryEmbedding(ctx context.Context, text string) []float32 {
	if uc.embedder == nil {
		return nil
	}
	key := embeddingKey(text)
	if uc.cache != nil {
		if raw, ok := uc.cache.Get(ctx, key); ok {
			var vec []float32
			if err := json.Unmarshal(raw, &vec); err == nil && len(vec) > 0 {
				return vec
			}
		}
	}

	embedCtx := ctx
	if uc.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		embedCtx, cancel = context.WithTimeout(ctx, uc.cfg.EmbedTimeout)
		defer cancel()
	}
	vec, err := uc.embedder.EmbedQuery(embedCtx, text)
	if err != nil || len(vec) == 0 {
		uc.logger.Warn("query_embedding_failed", "error", err)
		return nil
	}
	if uc.cache != nil {
		if raw, err := json.Marshal(vec); err == nil {
			uc.cache.Set(ctx, key, raw)
		}
	}
	return vec
}

func (uc *QueryUseCase) store(ctx context.Context, key string, resp domain.RetrievalResponse, embedding []float32, bucket string) {
	if uc.cache == nil || len(resp.Results) == 0 {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		uc.logger.Warn("retrieval_cache_encode_failed", "error", err)
		return
	}
	var opts []ports.SetOption
	if len(embedding) > 0 {
		opts = append(opts, ports.WithEmbedding(embedding, bucket))
	}
	uc.cache.Set(ctx, key, raw, opts...)
}

func (uc *QueryUseCase) observe(outcome string, started time.Time, results int) {
	uc.recorder.RetrievalObserved(outcome, uc.now().Sub(started), results)
}

func buildResponse(candidates []domain.RetrievedCandidate, degraded, partial bool) domain.RetrievalResponse {
	resp := domain.RetrievalResponse{
		Results:  make([]domain.RankedResult, 0, len(candidates)),
		Degraded: degraded,
		Partial:  partial,
	}
	total := 0.0
	for _, c := range candidates {
		doc := c.Document
		metadata := map[string]any{
			"category":       doc.Category,
			"priority":       doc.Priority.String(),
			"quality_score":  doc.QualityScore,
			"semantic_score": c.SemanticScore,
			"lexical_score":  c.LexicalScore,
			"context_score":  c.ContextScore,
		}
		if len(doc.SourceTags) > 0 {
			metadata["source_tags"] = doc.SourceTags
		}
		resp.Results = append(resp.Results, domain.RankedResult{
			DocumentID:  doc.ID,
			Content:     doc.Text,
			Metadata:    metadata,
			Score:       c.FinalScore,
			Confidence:  c.Confidence,
			Explanation: c.Explanation,
		})
		total += c.Confidence
	}
	if len(candidates) > 0 {
		resp.Confidence = total / float64(len(candidates))
	}
	return resp
}

func truncate(candidates []domain.RetrievedCandidate, topK int) []domain.RetrievedCandidate {
	if len(candidates) > topK {
		return candidates[:topK]
	}
	return candidates
}

func normalizeQueryText(text string) string {
	return tokens.Fold(strings.Join(strings.Fields(text), " "))
}

func retrievalKey(text string, topK int, opts domain.RetrieveOptions, version uint64) string {
	raw := fmt.Sprintf("%s|%d|%s|%s|%x", normalizeQueryText(text), topK, normalizeCategory(opts.CategoryHint), opts.Scope, version)
	return fmt.Sprintf("%s:%016x", domain.KeyTypeRetrieval, xxhash.Sum64String(raw))
}

func embeddingKey(text string) string {
	return fmt.Sprintf("%s:%016x", domain.KeyTypeEmbedding, xxhash.Sum64String(normalizeQueryText(text)))
}

// semanticBucket partitions the semantic index so a paraphrase only matches
// answers computed for the same category, scope, result size and corpus.
func semanticBucket(opts domain.RetrieveOptions, topK int, version uint64) string {
	category := normalizeCategory(opts.CategoryHint)
	if category == "" {
		category = "general"
	}
	if opts.Scope != "" {
		category += "@" + opts.Scope
	}
	return fmt.Sprintf("%s#%d/%x", category, topK, version)
}
