package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// DocumentRepository is the ports.DocumentSource backed by Postgres.
type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS knowledge_documents (
	id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'normal',
	quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	embedding JSONB,
	source_tags JSONB NOT NULL DEFAULT '[]'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_knowledge_documents_category ON knowledge_documents(category);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Upsert inserts doc or replaces the stored row with the same id.
func (r *DocumentRepository) Upsert(ctx context.Context, doc domain.Document) error {
	if doc.ID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "upsert document", fmt.Errorf("empty id"))
	}
	tags := doc.SourceTags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal source tags: %w", err)
	}
	var embeddingJSON []byte
	if len(doc.Embedding) > 0 {
		if embeddingJSON, err = json.Marshal(doc.Embedding); err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO knowledge_documents (id, body, category, priority, quality_score, embedding, source_tags, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
	body = EXCLUDED.body,
	category = EXCLUDED.category,
	priority = EXCLUDED.priority,
	quality_score = EXCLUDED.quality_score,
	embedding = EXCLUDED.embedding,
	source_tags = EXCLUDED.source_tags,
	updated_at = EXCLUDED.updated_at
`,
		doc.ID, doc.Text, doc.Category, doc.Priority.String(), doc.QualityScore, embeddingJSON, tagsJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// BulkLoad reads the whole corpus ordered by id. Unknown priorities load as normal.
func (r *DocumentRepository) BulkLoad(ctx context.Context) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, body, category, priority, quality_score, embedding, source_tags
FROM knowledge_documents
ORDER BY id
`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]domain.Document, 0, 256)
	for rows.Next() {
		var (
			doc          domain.Document
			priority     string
			embeddingRaw []byte
			tagsRaw      []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Text, &doc.Category, &priority, &doc.QualityScore, &embeddingRaw, &tagsRaw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.Priority, _ = domain.ParsePriority(priority)
		if len(embeddingRaw) > 0 {
			if err := json.Unmarshal(embeddingRaw, &doc.Embedding); err != nil {
				return nil, fmt.Errorf("unmarshal embedding of %s: %w", doc.ID, err)
			}
		}
		if len(tagsRaw) > 0 {
			if err := json.Unmarshal(tagsRaw, &doc.SourceTags); err != nil {
				return nil, fmt.Errorf("unmarshal source tags of %s: %w", doc.ID, err)
			}
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}
