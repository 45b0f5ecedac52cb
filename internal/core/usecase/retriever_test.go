package usecase

import (
	"context"
	"math"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/vector/memory"
)

func assertOrdered(t *testing.T, candidates []domain.RetrievedCandidate) {
	t.Helper()
	for i := 1; i < len(candidates); i++ {
		if !domain.CandidateLess(candidates[i-1], candidates[i]) {
			t.Fatalf("candidates %s and %s out of order", candidates[i-1].Document.ID, candidates[i].Document.ID)
		}
	}
}

func TestRetrieveReturnsOrderedHybridCandidates(t *testing.T) {
	embedder := corpusEmbedder()
	r := newTestRetriever(t, embedder, nil)
	indexCorpus(t, r, embedder)

	set := r.Retrieve(context.Background(), domain.Query{Text: "certificados"}, 3)
	if set.Degraded {
		t.Fatalf("expected healthy retrieval, dropped=%v", set.Dropped)
	}
	if len(set.Candidates) < 2 {
		t.Fatalf("expected at least 2 candidates, got %d", len(set.Candidates))
	}
	assertOrdered(t, set.Candidates)
	for _, c := range set.Candidates[:2] {
		if !strings.HasPrefix(c.Document.ID, "cert-") {
			t.Fatalf("expected certificate documents first, got %s", c.Document.ID)
		}
		if c.SemanticScore <= 0 || c.LexicalScore <= 0 {
			t.Fatalf("expected both signals for %s, got %+v", c.Document.ID, c)
		}
		if c.FinalScore < 0 || c.FinalScore > 1 || c.Confidence < 0 || c.Confidence > 1 {
			t.Fatalf("scores out of range: %+v", c)
		}
	}
}

func TestRetrieveBreaksTiesByPriorityThenID(t *testing.T) {
	cfg := retrieverConfig()
	cfg.HighPriorityBoost = 0
	r := NewHybridRetriever(cfg, memory.New(), nil, nil, discardLogger())
	docs := []*domain.Document{
		{ID: "doc-c", Text: "beca de alimentacion", Priority: domain.PriorityLow},
		{ID: "doc-b", Text: "beca de alimentacion", Priority: domain.PriorityHigh},
		{ID: "doc-a", Text: "beca de alimentacion", Priority: domain.PriorityLow},
	}
	if err := r.Index(context.Background(), docs); err != nil {
		t.Fatalf("Index() error = %v", err)
	}

	set := r.Retrieve(context.Background(), domain.Query{Text: "beca alimentacion"}, 3)
	got := make([]string, 0, len(set.Candidates))
	for _, c := range set.Candidates {
		got = append(got, c.Document.ID)
	}
	if want := []string{"doc-b", "doc-a", "doc-c"}; !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestIndexIsIdempotent(t *testing.T) {
	embedder := corpusEmbedder()
	once := newTestRetriever(t, embedder, nil)
	indexCorpus(t, once, embedder)

	twice := newTestRetriever(t, embedder, nil)
	indexCorpus(t, twice, embedder)
	indexCorpus(t, twice, embedder)

	for _, text := range []string{"certificados de notas", "matricula", "biblioteca central"} {
		a := once.Retrieve(context.Background(), domain.Query{Text: text}, 3)
		b := twice.Retrieve(context.Background(), domain.Query{Text: text}, 3)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("results differ for %q:\n%+v\n%+v", text, a, b)
		}
	}
	if twice.Len() != len(corpus()) {
		t.Fatalf("expected %d documents, got %d", len(corpus()), twice.Len())
	}
}

func TestRetrieveDegradesWhenEmbedderFails(t *testing.T) {
	embedder := corpusEmbedder()
	r := newTestRetriever(t, embedder, nil)
	indexCorpus(t, r, embedder)
	embedder.err = errProviderDown

	set := r.Retrieve(context.Background(), domain.Query{Text: "certificados"}, 3)
	if !set.Degraded || !slices.Contains(set.Dropped, signalSemantic) {
		t.Fatalf("expected degraded set without semantic signal, got %+v", set)
	}
	if len(set.Candidates) == 0 {
		t.Fatalf("expected lexical results while embedder is down")
	}
	assertOrdered(t, set.Candidates)
	for _, c := range set.Candidates {
		if c.SemanticScore != 0 {
			t.Fatalf("expected zero semantic score, got %+v", c)
		}
		if !strings.Contains(c.Explanation, "unavailable: semantic") {
			t.Fatalf("expected explanation to name the dropped signal, got %q", c.Explanation)
		}
	}
}

func TestRetrieveOnEmptyIndexReturnsNothing(t *testing.T) {
	r := newTestRetriever(t, corpusEmbedder(), nil)
	set := r.Retrieve(context.Background(), domain.Query{Text: "certificados"}, 3)
	if len(set.Candidates) != 0 || set.Degraded {
		t.Fatalf("expected empty healthy set, got %+v", set)
	}
}

func TestRetrieveWithEmptyVectorIndexIsDegradedNotEmpty(t *testing.T) {
	r := newTestRetriever(t, corpusEmbedder(), nil)
	indexCorpus(t, r, nil)

	set := r.Retrieve(context.Background(), domain.Query{Text: "certificados"}, 3)
	if !set.Degraded || len(set.Candidates) == 0 {
		t.Fatalf("expected degraded lexical candidates, got %+v", set)
	}
	if !slices.Contains(set.Dropped, signalSemantic) {
		t.Fatalf("expected semantic signal dropped, got %v", set.Dropped)
	}
}

func TestRetrieveFallsBackToCategoryDocuments(t *testing.T) {
	r := newTestRetriever(t, nil, nil)
	indexCorpus(t, r, nil)

	set := r.Retrieve(context.Background(), domain.Query{Text: "zzzz", CategoryHint: "Finance"}, 3)
	if len(set.Candidates) != 1 || set.Candidates[0].Document.ID != "fin-1" {
		t.Fatalf("expected finance fallback, got %+v", set.Candidates)
	}
	if set.Candidates[0].ContextScore != 1 {
		t.Fatalf("expected full category match, got %v", set.Candidates[0].ContextScore)
	}
}

func TestRetrievePrefersCategoryHintOverClassifier(t *testing.T) {
	embedder := corpusEmbedder()
	classifier := &fakeClassifier{result: domain.Classification{Category: "library", Confidence: 0.9}}
	r := newTestRetriever(t, embedder, classifier)
	indexCorpus(t, r, embedder)

	set := r.Retrieve(context.Background(), domain.Query{Text: "matricula", CategoryHint: "finance"}, 3)
	if classifier.calls.Load() != 0 {
		t.Fatalf("expected classifier to be skipped when a hint is given")
	}
	scores := map[string]float64{}
	for _, c := range set.Candidates {
		scores[c.Document.ID] = c.ContextScore
	}
	if scores["fin-1"] != 1 {
		t.Fatalf("expected full match for fin-1, got %v", scores)
	}
	if math.Abs(scores["enroll-1"]-0.75) > 1e-9 {
		t.Fatalf("expected related match for enroll-1, got %v", scores)
	}
}

func TestRetrieveMarksClassifierFailureDegraded(t *testing.T) {
	embedder := corpusEmbedder()
	classifier := &fakeClassifier{err: errProviderDown}
	r := newTestRetriever(t, embedder, classifier)
	indexCorpus(t, r, embedder)

	set := r.Retrieve(context.Background(), domain.Query{Text: "certificados"}, 3)
	if !set.Degraded || !slices.Contains(set.Dropped, signalCategory) {
		t.Fatalf("expected classifier drop, got %+v", set)
	}
	if len(set.Candidates) == 0 {
		t.Fatalf("expected results without classifier")
	}
}

func TestContextScorer(t *testing.T) {
	s := newContextScorer(0.75, 0.1, 0.15, map[string][]string{"finance": {"scholarships"}})
	cls := domain.Classification{Category: "academic/certificates", Confidence: 0.8}

	cases := []struct {
		name string
		doc  domain.Document
		cls  domain.Classification
		want float64
	}{
		{"full match", domain.Document{Category: "Academic/Certificates"}, cls, 0.8},
		{"sibling category", domain.Document{Category: "academic/enrollment"}, cls, 0.6},
		{"configured relation", domain.Document{Category: "scholarships"}, domain.Classification{Category: "finance", Confidence: 1}, 0.75},
		{"unrelated", domain.Document{Category: "library"}, cls, 0},
		{"high priority", domain.Document{Category: "library", Priority: domain.PriorityHigh}, cls, 0.1},
		{"home scope", domain.Document{Category: "library", SourceTags: []string{"Campus-Norte"}}, cls, 0.15},
		{"clamped", domain.Document{Category: "academic/certificates", Priority: domain.PriorityHigh, SourceTags: []string{"campus-norte"}}, cls, 1},
	}
	for _, tc := range cases {
		doc := tc.doc
		if got := s.score(&doc, tc.cls, "campus-norte"); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: score = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestVersionTracksCorpusContent(t *testing.T) {
	embedder := corpusEmbedder()
	r := newTestRetriever(t, embedder, nil)
	if r.Version() != 0 {
		t.Fatalf("expected version 0 before indexing, got %x", r.Version())
	}
	indexCorpus(t, r, embedder)
	first := r.Version()

	other := newTestRetriever(t, embedder, nil)
	indexCorpus(t, other, embedder)
	if other.Version() != first {
		t.Fatalf("expected identical corpora to share a version")
	}

	revised := revisedCorpus()
	ptrs := make([]*domain.Document, 0, len(revised))
	for i := range revised {
		ptrs = append(ptrs, &revised[i])
	}
	if err := r.Index(context.Background(), ptrs); err != nil {
		t.Fatalf("Index() error = %v", err)
	}
	if r.Version() == first {
		t.Fatalf("expected a new version after the corpus changed")
	}
	set := r.Retrieve(context.Background(), domain.Query{Text: "biblioteca"}, 3)
	if set.Version != r.Version() {
		t.Fatalf("expected candidate set to carry the served version")
	}
}

func TestRetrieveDuringIndexNeverSeesPartialCorpus(t *testing.T) {
	embedder := corpusEmbedder()
	r := newTestRetriever(t, embedder, nil)
	indexCorpus(t, r, embedder)

	embedded := func(docs []domain.Document) []*domain.Document {
		out := make([]*domain.Document, 0, len(docs))
		for i := range docs {
			doc := docs[i]
			doc.Embedding = embedder.vector(doc.Text)
			out = append(out, &doc)
		}
		return out
	}
	corpora := [][]*domain.Document{embedded(corpus()), embedded(revisedCorpus())}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := r.Index(context.Background(), corpora[i%2]); err != nil {
				t.Errorf("Index() error = %v", err)
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		set := r.Retrieve(context.Background(), domain.Query{Text: "biblioteca central"}, 3)
		if set.Degraded || len(set.Candidates) == 0 || set.Candidates[0].Document.ID != "lib-1" {
			close(stop)
			wg.Wait()
			t.Fatalf("query %d saw a partial index: %+v", i, set)
		}
	}
	close(stop)
	wg.Wait()
}
