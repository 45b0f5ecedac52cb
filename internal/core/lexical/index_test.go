package lexical

import (
	"testing"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

func corpus() []*domain.Document {
	return []*domain.Document{
		{ID: "cert", Text: "Cómo solicitar certificados de notas en secretaría", Category: "academic"},
		{ID: "fees", Text: "Payment of tuition fees and installment plans", Category: "finance"},
		{ID: "lib", Text: "Library opening hours during exams", Category: "campus", SourceTags: []string{"library"}},
	}
}

func TestSearchRanksMatchingDocumentFirst(t *testing.T) {
	idx := Build(corpus())
	hits := idx.Search("certificados", 0)
	if len(hits) != 1 {
		t.Fatalf("expected one hit, got %+v", hits)
	}
	if hits[0].DocumentID != "cert" {
		t.Fatalf("expected cert, got %s", hits[0].DocumentID)
	}
	if hits[0].Score <= 0 || hits[0].Score > 1 {
		t.Fatalf("score out of range: %v", hits[0].Score)
	}
}

func TestSearchFoldsAccents(t *testing.T) {
	idx := Build(corpus())
	hits := idx.Search("COMO solicitar", 1)
	if len(hits) != 1 || hits[0].DocumentID != "cert" {
		t.Fatalf("expected accent-folded match, got %+v", hits)
	}
}

func TestSearchUnknownTermsReturnNothing(t *testing.T) {
	idx := Build(corpus())
	if hits := idx.Search("quantum chromodynamics", 5); len(hits) != 0 {
		t.Fatalf("expected no hits, got %+v", hits)
	}
}

func TestIdenticalTextScoresOne(t *testing.T) {
	idx := Build([]*domain.Document{{ID: "only", Text: "exam schedule"}})
	hits := idx.Search("exam schedule", 1)
	if len(hits) != 1 {
		t.Fatalf("expected a hit")
	}
	if hits[0].Score < 0.999 {
		t.Fatalf("expected cosine ~1, got %v", hits[0].Score)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	a := Build(corpus()).Search("library hours exams", 0)
	b := Build(corpus()).Search("library hours exams", 0)
	if len(a) != len(b) {
		t.Fatalf("length mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("hit %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestEmptyIndex(t *testing.T) {
	idx := Build(nil)
	if idx.Len() != 0 {
		t.Fatalf("expected empty index")
	}
	if hits := idx.Search("anything", 3); hits != nil {
		t.Fatalf("expected nil hits, got %+v", hits)
	}
}
