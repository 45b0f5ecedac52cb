package ports

import (
	"context"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// RetrievalService is the inbound contract for ranked knowledge retrieval.
type RetrievalService interface {
	Retrieve(ctx context.Context, text string, topK int, opts domain.RetrieveOptions) domain.RetrievalResponse
}

// Indexer rebuilds the searchable corpus.
type Indexer interface {
	Index(ctx context.Context, docs []domain.Document) error
}

// Cache is the inbound contract of the multi-tier cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, opts ...SetOption)
	Clear(ctx context.Context, scope domain.KeyType) error
	Stats() domain.CacheStats
}

// SemanticCache serves near-duplicate queries by embedding similarity.
type SemanticCache interface {
	LookupSimilar(ctx context.Context, embedding []float32, category string, threshold float64) (string, []byte, bool)
}

type SetOptions struct {
	TTL        time.Duration
	HasTTL     bool
	Importance float64
	Embedding  []float32
	Category   string
	Tags       []string
}

type SetOption func(*SetOptions)

func WithTTL(ttl time.Duration) SetOption {
	return func(o *SetOptions) {
		o.TTL = ttl
		o.HasTTL = true
	}
}

func WithImportance(importance float64) SetOption {
	return func(o *SetOptions) { o.Importance = importance }
}

// WithEmbedding registers the entry in the semantic index under category.
func WithEmbedding(embedding []float32, category string) SetOption {
	return func(o *SetOptions) {
		o.Embedding = embedding
		o.Category = category
	}
}

func WithTags(tags ...string) SetOption {
	return func(o *SetOptions) { o.Tags = append(o.Tags, tags...) }
}
