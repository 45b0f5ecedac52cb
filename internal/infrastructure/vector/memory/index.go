// Package memory is an exact in-process cosine index over document embeddings.
package memory

import (
	"context"
	"math"
	"sort"
	"sync/atomic"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

type entry struct {
	id     string
	vector []float32
	norm   float64
}

type Index struct {
	entries atomic.Pointer[[]entry]
}

func New() *Index {
	idx := &Index{}
	empty := []entry{}
	idx.entries.Store(&empty)
	return idx
}

// Rebuild replaces the whole index; documents without an embedding are skipped.
func (i *Index) Rebuild(_ context.Context, docs []*domain.Document) error {
	next := make([]entry, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || len(doc.Embedding) == 0 {
			continue
		}
		n := vectorNorm(doc.Embedding)
		if n == 0 {
			continue
		}
		next = append(next, entry{id: doc.ID, vector: doc.Embedding, norm: n})
	}
	i.entries.Store(&next)
	return nil
}

func (i *Index) Len() int {
	return len(*i.entries.Load())
}

// Search returns up to limit hits with cosine scores clamped to [0,1].
func (i *Index) Search(ctx context.Context, queryVector []float32, limit int) ([]ports.IndexHit, error) {
	entries := *i.entries.Load()
	if len(entries) == 0 || len(queryVector) == 0 {
		return nil, nil
	}
	qn := vectorNorm(queryVector)
	if qn == 0 {
		return nil, nil
	}

	out := make([]ports.IndexHit, 0, len(entries))
	for n, e := range entries {
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(e.vector) != len(queryVector) {
			continue
		}
		score := dot(queryVector, e.vector) / (qn * e.norm)
		if score <= 0 {
			continue
		}
		if score > 1 {
			score = 1
		}
		out = append(out, ports.IndexHit{DocumentID: e.id, Score: score})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Score == out[b].Score {
			return out[a].DocumentID < out[b].DocumentID
		}
		return out[a].Score > out[b].Score
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func vectorNorm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
