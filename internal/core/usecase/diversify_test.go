package usecase

import (
	"fmt"
	"slices"
	"testing"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

func ids(candidates []domain.RetrievedCandidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Document.ID)
	}
	return out
}

func TestDiversifyPrefersOneCandidatePerCategory(t *testing.T) {
	in := []domain.RetrievedCandidate{
		candidate("A", "X", "becas de excelencia academica", 0.9),
		candidate("C", "Y", "horario de atencion de tesoreria", 0.8),
		candidate("B", "X", "calendario de pagos de matricula", 0.5),
	}
	if got := ids(Diversify(in, 2, 0.85)); !slices.Equal(got, []string{"A", "C"}) {
		t.Fatalf("expected [A C], got %v", got)
	}

	near := []domain.RetrievedCandidate{
		candidate("A", "X", "becas de excelencia academica", 0.9),
		candidate("B", "X", "calendario de pagos de matricula", 0.85),
		candidate("C", "Y", "horario de atencion de tesoreria", 0.4),
	}
	if got := ids(Diversify(near, 2, 0.85)); !slices.Equal(got, []string{"A", "C"}) {
		t.Fatalf("expected category representative over higher score, got %v", got)
	}
}

func TestDiversifyBackfillsByScore(t *testing.T) {
	in := []domain.RetrievedCandidate{
		candidate("A", "X", "uno dos tres", 0.9),
		candidate("B", "X", "cuatro cinco seis", 0.7),
		candidate("C", "Y", "siete ocho nueve", 0.6),
		candidate("D", "X", "diez once doce", 0.5),
	}
	got := ids(Diversify(in, 3, 0.85))
	if !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Fatalf("expected [A B C], got %v", got)
	}
}

func TestDiversifyDropsNearDuplicates(t *testing.T) {
	in := []domain.RetrievedCandidate{
		candidate("A", "X", "solicitud de certificado de notas en linea", 0.9),
		candidate("A-copy", "Y", "Solicitud de certificado de notas en línea", 0.85),
		candidate("B", "Z", "pago de aranceles", 0.3),
	}
	got := ids(Diversify(in, 3, 0.85))
	if !slices.Equal(got, []string{"A", "B"}) {
		t.Fatalf("expected duplicate suppressed, got %v", got)
	}
}

func TestDiversifyCoversEveryPositiveCategory(t *testing.T) {
	var in []domain.RetrievedCandidate
	for i, topic := range []string{"becas", "pagos", "horarios", "tramites", "practicas", "titulos"} {
		in = append(in, candidate(fmt.Sprintf("x-%d", i), "X", "documento sobre "+topic, 0.9-float64(i)*0.01))
	}
	in = append(in,
		candidate("y-0", "Y", "biblioteca", 0.2),
		candidate("z-0", "Z", "tesoreria", 0.1),
		candidate("w-0", "W", "comedor", 0),
	)
	domain.SortCandidates(in)

	out := Diversify(in, 4, 0.85)
	assertOrdered(t, out)
	categories := map[string]bool{}
	for _, c := range out {
		categories[c.Document.Category] = true
	}
	for _, want := range []string{"X", "Y", "Z"} {
		if !categories[want] {
			t.Fatalf("expected category %s in %v", want, ids(out))
		}
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 results, got %d", len(out))
	}
}

func TestDiversifyHandlesEmptyInput(t *testing.T) {
	if out := Diversify(nil, 5, 0.85); len(out) != 0 {
		t.Fatalf("expected empty output, got %v", out)
	}
	if out := Diversify([]domain.RetrievedCandidate{candidate("A", "X", "a", 1)}, 0, 0.85); len(out) != 0 {
		t.Fatalf("expected empty output for topK=0, got %v", out)
	}
}
