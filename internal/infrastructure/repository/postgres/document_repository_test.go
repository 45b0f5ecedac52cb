package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

func newRepoWithMock(t *testing.T) (*DocumentRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &DocumentRepository{db: db}, mock, func() { _ = db.Close() }
}

var documentColumns = []string{"id", "body", "category", "priority", "quality_score", "embedding", "source_tags"}

func TestBulkLoadMapsRows(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, body, category, priority").
		WillReturnRows(sqlmock.NewRows(documentColumns).
			AddRow("doc-1", "certificados", "academic", "high", 0.9, []byte(`[0.5,0.25]`), []byte(`["campus-norte"]`)).
			AddRow("doc-2", "biblioteca", "library", "bogus", 0.4, nil, []byte(`[]`)))

	docs, err := repo.BulkLoad(context.Background())
	if err != nil {
		t.Fatalf("BulkLoad() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	first := docs[0]
	if first.Priority != domain.PriorityHigh || len(first.Embedding) != 2 || first.Embedding[1] != 0.25 || !first.HasTag("campus-norte") {
		t.Fatalf("unexpected first document %+v", first)
	}
	if docs[1].Priority != domain.PriorityNormal || docs[1].Embedding != nil {
		t.Fatalf("unexpected second document %+v", docs[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestBulkLoadRejectsCorruptEmbedding(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, body, category, priority").
		WillReturnRows(sqlmock.NewRows(documentColumns).
			AddRow("doc-1", "x", "general", "normal", 0.1, []byte(`not-json`), []byte(`[]`)))

	if _, err := repo.BulkLoad(context.Background()); err == nil {
		t.Fatalf("expected error for corrupt embedding")
	}
}

func TestBulkLoadWrapsQueryError(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	boom := errors.New("connection reset")
	mock.ExpectQuery("SELECT id, body").WillReturnError(boom)

	_, err := repo.BulkLoad(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped query error, got %v", err)
	}
}

func TestUpsertWritesAllColumns(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO knowledge_documents").
		WithArgs("doc-1", "text", "finance", "high", 0.8, []byte(`[1,0]`), []byte(`["a"]`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), domain.Document{
		ID:           "doc-1",
		Text:         "text",
		Category:     "finance",
		Priority:     domain.PriorityHigh,
		QualityScore: 0.8,
		Embedding:    []float32{1, 0},
		SourceTags:   []string{"a"},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	repo, _, done := newRepoWithMock(t)
	defer done()

	err := repo.Upsert(context.Background(), domain.Document{Text: "x"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(int64(2026101901)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS knowledge_documents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
