package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/cache"
	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/vector/memory"
)

var errProviderDown = errors.New("provider down")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEmbedder maps texts to vectors by the first configured phrase they contain.
type fakeEmbedder struct {
	mu      sync.Mutex
	phrases map[string][]float32
	err     error
	queries atomic.Int32
	batches atomic.Int32
}

func (f *fakeEmbedder) vector(text string) []float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	lower := strings.ToLower(text)
	best := ""
	for phrase := range f.phrases {
		if strings.Contains(lower, phrase) && len(phrase) > len(best) {
			best = phrase
		}
	}
	if best == "" {
		return []float32{0.1, 0.1, 0.1, 0.1}
	}
	return append([]float32(nil), f.phrases[best]...)
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.batches.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = f.vector(text)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.queries.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.vector(text), nil
}

type fakeClassifier struct {
	result domain.Classification
	err    error
	calls  atomic.Int32
}

func (f *fakeClassifier) Classify(context.Context, string) (domain.Classification, error) {
	f.calls.Add(1)
	return f.result, f.err
}

// fakeReranker scores passages containing a keyword with the mapped value.
type fakeReranker struct {
	scores map[string]float64
	err    error
	block  bool
	calls  atomic.Int32
	// before runs once, on the first Score call.
	before     func()
	beforeOnce sync.Once
}

func (f *fakeReranker) Score(ctx context.Context, _ string, passage string) (float64, error) {
	f.calls.Add(1)
	if f.before != nil {
		f.beforeOnce.Do(f.before)
	}
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if f.err != nil {
		return 0, f.err
	}
	lower := strings.ToLower(passage)
	for keyword, score := range f.scores {
		if strings.Contains(lower, keyword) {
			return score, nil
		}
	}
	return 0, nil
}

type fakeChunker struct{}

func (fakeChunker) Split(text string) []string {
	first, _, _ := strings.Cut(text, ".")
	if first == "" {
		return nil
	}
	return []string{first}
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	skips    []string
}

func (r *fakeRecorder) RetrievalObserved(outcome string, _ time.Duration, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *fakeRecorder) RerankSkipped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skips = append(r.skips, reason)
}

func (r *fakeRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return ""
	}
	return r.outcomes[len(r.outcomes)-1]
}

func corpus() []domain.Document {
	return []domain.Document{
		{
			ID:           "cert-1",
			Text:         "Certificados de estudio se solicitan en la secretaria academica",
			Category:     "academic/certificates",
			Priority:     domain.PriorityHigh,
			QualityScore: 0.9,
			SourceTags:   []string{"campus-norte"},
		},
		{
			ID:           "cert-2",
			Text:         "Solicitud de certificados de notas en linea",
			Category:     "academic/certificates",
			Priority:     domain.PriorityNormal,
			QualityScore: 0.7,
		},
		{
			ID:           "enroll-1",
			Text:         "Inscripcion de asignaturas y calendario academico",
			Category:     "academic/enrollment",
			Priority:     domain.PriorityNormal,
			QualityScore: 0.8,
		},
		{
			ID:           "fin-1",
			Text:         "Pago de matricula y aranceles en tesoreria",
			Category:     "finance",
			Priority:     domain.PriorityNormal,
			QualityScore: 0.6,
		},
		{
			ID:           "lib-1",
			Text:         "Horario de la biblioteca central y prestamo de libros",
			Category:     "library",
			Priority:     domain.PriorityLow,
			QualityScore: 0.5,
		},
	}
}

// revisedCorpus differs from corpus only in the library document.
func revisedCorpus() []domain.Document {
	docs := corpus()
	for i := range docs {
		if docs[i].ID == "lib-1" {
			docs[i].Text = "Horario extendido de la biblioteca central y prestamo de libros"
		}
	}
	return docs
}

func corpusEmbedder() *fakeEmbedder {
	return &fakeEmbedder{phrases: map[string][]float32{
		"certificad":  {1, 0, 0, 0},
		"constancia":  {0.97, 0.1, 0, 0},
		"inscripcion": {0.3, 0.9, 0, 0},
		"matricula":   {0, 0.2, 1, 0},
		"biblioteca":  {0, 0, 0, 1},
	}}
}

func retrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		SemanticWeight:     0.5,
		LexicalWeight:      0.3,
		ContextWeight:      0.2,
		PartialMatchFactor: 0.75,
		HighPriorityBoost:  0.1,
		ScopeBoost:         0.15,
		RelatedCategories:  map[string][]string{"finance": {"academic/enrollment"}},
	}
}

func newTestRetriever(t *testing.T, embedder *fakeEmbedder, classifier *fakeClassifier) *HybridRetriever {
	t.Helper()
	var emb ports.EmbeddingProvider
	if embedder != nil {
		emb = embedder
	}
	var cls ports.CategoryClassifier
	if classifier != nil {
		cls = classifier
	}
	return NewHybridRetriever(retrieverConfig(), memory.New(), emb, cls, discardLogger())
}

func indexCorpus(t *testing.T, r *HybridRetriever, embedder *fakeEmbedder) {
	t.Helper()
	docs := corpus()
	ptrs := make([]*domain.Document, 0, len(docs))
	for i := range docs {
		doc := docs[i]
		if embedder != nil {
			doc.Embedding = embedder.vector(doc.Text)
		}
		ptrs = append(ptrs, &doc)
	}
	if err := r.Index(context.Background(), ptrs); err != nil {
		t.Fatalf("Index() error = %v", err)
	}
}

func newTestCache(t *testing.T) *cache.TieredCache {
	t.Helper()
	c, err := cache.New(cache.Config{Shards: 2, L1Capacity: 100, AsyncWorkers: 4}, nil, nil, cache.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}
