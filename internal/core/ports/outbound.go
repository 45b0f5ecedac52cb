package ports

import (
	"context"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// EmbeddingProvider encodes text into dense vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// CategoryClassifier predicts the category of free text.
type CategoryClassifier interface {
	Classify(ctx context.Context, text string) (domain.Classification, error)
}

// Reranker scores a (query, passage) pair; higher is more relevant.
type Reranker interface {
	Score(ctx context.Context, query, passage string) (float64, error)
}

// Chunker splits document text into passages.
type Chunker interface {
	Split(text string) []string
}

// DocumentSource bulk-loads the corpus at startup and on reindex.
type DocumentSource interface {
	BulkLoad(ctx context.Context) ([]domain.Document, error)
}

// IndexHit is a scored document reference returned by an index.
type IndexHit struct {
	DocumentID string
	Score      float64
}

// VectorIndex performs nearest-neighbor search over document embeddings.
type VectorIndex interface {
	Rebuild(ctx context.Context, docs []*domain.Document) error
	Search(ctx context.Context, queryVector []float32, limit int) ([]IndexHit, error)
	Len() int
}

// DistributedStore backs the shared L2 cache tier.
// Get returns domain.ErrCacheMiss for absent keys.
type DistributedStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetEX(ctx context.Context, key string, ttl time.Duration, value []byte) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// DiskStore backs the persistent L3 cache tier.
// Get returns domain.ErrCacheMiss for absent keys.
type DiskStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Scan visits every stored key with the given prefix; value slices are only valid during fn.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
}

// ReindexQueue carries reindex requests between processes.
type ReindexQueue interface {
	PublishReindexRequested(ctx context.Context, reason string) error
	SubscribeReindexRequested(ctx context.Context, handler func(context.Context, string) error) error
}
