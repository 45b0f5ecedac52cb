package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/lexical"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

type RetrieverConfig struct {
	SemanticWeight     float64
	LexicalWeight      float64
	ContextWeight      float64
	PartialMatchFactor float64
	HighPriorityBoost  float64
	ScopeBoost         float64
	ScorerTimeout      time.Duration
	RelatedCategories  map[string][]string
}

// snapshot is an immutable view of the indexed corpus.
type snapshot struct {
	version    uint64
	docs       map[string]*domain.Document
	byCategory map[string][]*domain.Document
	lexical    *lexical.Index
}

// HybridRetriever fuses lexical, semantic and contextual scores over an
// atomically swapped snapshot. Retrieve never blocks on Index.
type HybridRetriever struct {
	weights       fusionWeights
	contextual    contextScorer
	scorerTimeout time.Duration

	vectors    ports.VectorIndex
	embedder   ports.EmbeddingProvider
	classifier ports.CategoryClassifier
	logger     *slog.Logger

	snap    atomic.Pointer[snapshot]
	indexMu sync.Mutex
}

func NewHybridRetriever(
	cfg RetrieverConfig,
	vectors ports.VectorIndex,
	embedder ports.EmbeddingProvider,
	classifier ports.CategoryClassifier,
	logger *slog.Logger,
) *HybridRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	partial := cfg.PartialMatchFactor
	if partial <= 0 {
		partial = 0.75
	}
	return &HybridRetriever{
		weights:       newFusionWeights(cfg.SemanticWeight, cfg.LexicalWeight, cfg.ContextWeight),
		contextual:    newContextScorer(partial, cfg.HighPriorityBoost, cfg.ScopeBoost, cfg.RelatedCategories),
		scorerTimeout: cfg.ScorerTimeout,
		vectors:       vectors,
		embedder:      embedder,
		classifier:    classifier,
		logger:        logger,
	}
}

// Index replaces the corpus. Documents with an empty id are skipped; on
// duplicate ids the last one wins. The previous snapshot keeps serving until
// the vector index has been rebuilt.
func (r *HybridRetriever) Index(ctx context.Context, docs []*domain.Document) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	byID := make(map[string]*domain.Document, len(docs))
	for _, doc := range docs {
		if doc == nil || doc.ID == "" {
			continue
		}
		byID[doc.ID] = doc
	}
	ordered := make([]*domain.Document, 0, len(byID))
	for _, doc := range byID {
		ordered = append(ordered, doc)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	byCategory := make(map[string][]*domain.Document)
	for _, doc := range ordered {
		category := normalizeCategory(doc.Category)
		byCategory[category] = append(byCategory[category], doc)
	}

	next := &snapshot{
		version:    corpusVersion(ordered),
		docs:       byID,
		byCategory: byCategory,
		lexical:    lexical.Build(ordered),
	}
	if r.vectors != nil {
		if err := r.vectors.Rebuild(ctx, ordered); err != nil {
			return fmt.Errorf("rebuild vector index: %w", err)
		}
	}
	r.snap.Store(next)
	r.logger.Info("retrieval_index_rebuilt", "documents", len(ordered), "categories", len(byCategory))
	return nil
}

// Version fingerprints the served corpus; 0 means nothing is indexed.
// Identical corpora share a version across processes.
func (r *HybridRetriever) Version() uint64 {
	snap := r.snap.Load()
	if snap == nil {
		return 0
	}
	return snap.version
}

func corpusVersion(ordered []*domain.Document) uint64 {
	if len(ordered) == 0 {
		return 0
	}
	d := xxhash.New()
	for _, doc := range ordered {
		fmt.Fprintf(d, "%s\x00%s\x00%s\x00%s\x00%g\x00%s\x1e",
			doc.ID, doc.Category, doc.Priority.String(), doc.Text, doc.QualityScore, strings.Join(doc.SourceTags, ","))
	}
	if v := d.Sum64(); v != 0 {
		return v
	}
	return 1
}

// Len returns the number of indexed documents.
func (r *HybridRetriever) Len() int {
	snap := r.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.docs)
}

// Retrieve returns up to 2*topK candidates ordered by domain.CandidateLess so
// later stages have room to rerank and diversify. Dependency failures drop
// the affected signal and mark the set degraded; they are never returned.
// An empty vector index over a non-empty corpus is such a failure: the
// lexical and contextual candidates are still returned, marked degraded.
func (r *HybridRetriever) Retrieve(ctx context.Context, q domain.Query, topK int) domain.CandidateSet {
	snap := r.snap.Load()
	if snap == nil || len(snap.docs) == 0 {
		return domain.CandidateSet{}
	}
	if topK <= 0 {
		topK = 5
	}
	limit := 2 * topK

	var (
		lexHits     []lexical.Hit
		semHits     []ports.IndexHit
		semErr      error
		cls         domain.Classification
		clsErr      error
		semanticRan bool
	)

	var g errgroup.Group
	g.Go(func() error {
		lexHits = snap.lexical.Search(q.Text, 0)
		return nil
	})
	g.Go(func() error {
		semHits, semanticRan, semErr = r.semanticHits(ctx, q, limit)
		return nil
	})
	g.Go(func() error {
		cls, clsErr = r.classify(ctx, q)
		return nil
	})
	_ = g.Wait()

	set := domain.CandidateSet{Version: snap.version}
	weights := r.weights
	if !semanticRan {
		weights = weights.withoutSemantic()
		set.Degraded = true
		set.Dropped = append(set.Dropped, signalSemantic)
		r.logger.Warn("retrieval_degraded", "signal", signalSemantic, "error", semErr)
	}
	if clsErr != nil {
		set.Degraded = true
		set.Dropped = append(set.Dropped, signalCategory)
		r.logger.Warn("retrieval_degraded", "signal", signalCategory, "error", clsErr)
	}

	lexScores := make(map[string]float64, len(lexHits))
	for _, hit := range lexHits {
		lexScores[hit.DocumentID] = hit.Score
	}
	semScores := make(map[string]float64, len(semHits))
	for _, hit := range semHits {
		semScores[hit.DocumentID] = clamp01(hit.Score)
	}

	pool := candidatePool(snap, lexHits, semHits, cls, limit)
	candidates := make([]domain.RetrievedCandidate, 0, len(pool))
	for _, doc := range pool {
		sem, lex := semScores[doc.ID], lexScores[doc.ID]
		ctxScore := r.contextual.score(doc, cls, q.Scope)

		active := []float64{lex, ctxScore}
		if semanticRan {
			active = append(active, sem)
		}
		candidates = append(candidates, domain.RetrievedCandidate{
			Document:      doc,
			SemanticScore: sem,
			LexicalScore:  lex,
			ContextScore:  ctxScore,
			FinalScore:    weights.fuse(sem, lex, ctxScore),
			Confidence:    signalConfidence(active, doc.QualityScore, set.Degraded),
			Explanation:   explainFusion(weights, sem, lex, ctxScore, set.Dropped),
		})
	}

	domain.SortCandidates(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	set.Candidates = candidates
	return set
}

// semanticHits reports ran=false when the semantic signal could not be computed.
func (r *HybridRetriever) semanticHits(ctx context.Context, q domain.Query, limit int) ([]ports.IndexHit, bool, error) {
	if r.vectors == nil || r.vectors.Len() == 0 {
		return nil, false, domain.ErrIndexEmpty
	}

	embedding := q.Embedding
	if !q.EmbeddingResolved {
		if r.embedder == nil {
			return nil, false, domain.ErrDependencyUnavailable
		}
		embedCtx, cancel := r.scorerContext(ctx)
		vec, err := r.embedder.EmbedQuery(embedCtx, q.Text)
		cancel()
		if err != nil {
			return nil, false, err
		}
		embedding = vec
	}
	if len(embedding) == 0 {
		return nil, false, domain.ErrDependencyUnavailable
	}

	searchCtx, cancel := r.scorerContext(ctx)
	defer cancel()
	hits, err := r.vectors.Search(searchCtx, embedding, limit)
	if err != nil {
		return nil, false, err
	}
	return hits, true, nil
}

// classify prefers the caller's category hint over the classifier.
func (r *HybridRetriever) classify(ctx context.Context, q domain.Query) (domain.Classification, error) {
	if q.CategoryHint != "" {
		return domain.Classification{Category: q.CategoryHint, Confidence: 1}, nil
	}
	if r.classifier == nil {
		return domain.Classification{}, nil
	}
	clsCtx, cancel := r.scorerContext(ctx)
	defer cancel()
	cls, err := r.classifier.Classify(clsCtx, q.Text)
	if err != nil {
		return domain.Classification{}, err
	}
	return cls, nil
}

func (r *HybridRetriever) scorerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.scorerTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.scorerTimeout)
}

// candidatePool unions the top lexical and semantic hits. When neither signal
// matched anything the documents of the predicted category stand in.
func candidatePool(snap *snapshot, lexHits []lexical.Hit, semHits []ports.IndexHit, cls domain.Classification, limit int) []*domain.Document {
	seen := make(map[string]struct{}, 2*limit)
	pool := make([]*domain.Document, 0, 2*limit)
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		doc, ok := snap.docs[id]
		if !ok {
			return
		}
		seen[id] = struct{}{}
		pool = append(pool, doc)
	}

	for i, hit := range lexHits {
		if i >= limit {
			break
		}
		add(hit.DocumentID)
	}
	for _, hit := range semHits {
		if hit.Score > 0 {
			add(hit.DocumentID)
		}
	}
	if len(pool) > 0 || cls.Category == "" {
		return pool
	}

	fallback := append([]*domain.Document(nil), snap.byCategory[normalizeCategory(cls.Category)]...)
	sort.SliceStable(fallback, func(i, j int) bool {
		if fallback[i].Priority != fallback[j].Priority {
			return fallback[i].Priority > fallback[j].Priority
		}
		if fallback[i].QualityScore != fallback[j].QualityScore {
			return fallback[i].QualityScore > fallback[j].QualityScore
		}
		return fallback[i].ID < fallback[j].ID
	})
	if len(fallback) > limit {
		fallback = fallback[:limit]
	}
	return fallback
}
