// Package lexical implements an immutable TF-IDF term index scored by cosine
// similarity over saturated term weights.
package lexical

import (
	"math"
	"sort"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/tokens"
)

const (
	// saturation constant for term frequency, as in BM25's k1.
	termSaturationK = 1.2
	tagBoost        = 1.5
)

type Hit struct {
	DocumentID string
	Score      float64
}

type docVector struct {
	id      string
	weights map[string]float64
}

// Index is safe for concurrent reads; build a new one to change the corpus.
type Index struct {
	docs     []docVector
	idf      map[string]float64
	postings map[string][]int
}

func Build(docs []*domain.Document) *Index {
	idx := &Index{
		docs:     make([]docVector, 0, len(docs)),
		idf:      make(map[string]float64),
		postings: make(map[string][]int),
	}
	if len(docs) == 0 {
		return idx
	}

	rawTF := make([]map[string]float64, 0, len(docs))
	df := make(map[string]int)
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		tf := make(map[string]float64, 64)
		appendTermFreq(tf, tokens.Tokenize(doc.Text), 1.0)
		for _, tag := range doc.SourceTags {
			appendTermFreq(tf, tokens.Tokenize(tag), tagBoost)
		}
		for term := range tf {
			df[term]++
		}
		rawTF = append(rawTF, tf)
		idx.docs = append(idx.docs, docVector{id: doc.ID})
	}

	n := float64(len(idx.docs))
	for term, count := range df {
		idx.idf[term] = math.Log((n+1)/(float64(count)+1)) + 1
	}

	for i, tf := range rawTF {
		weights := weigh(tf, idx.idf)
		idx.docs[i].weights = weights
		for term := range weights {
			idx.postings[term] = append(idx.postings[term], i)
		}
	}
	return idx
}

func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.docs)
}

// Search returns documents sharing at least one term with query, best first.
// Scores are in [0,1]. limit <= 0 returns every match.
func (idx *Index) Search(query string, limit int) []Hit {
	if idx.Len() == 0 {
		return nil
	}
	tf := make(map[string]float64, 16)
	appendTermFreq(tf, tokens.Tokenize(query), 1.0)
	q := weigh(tf, idx.idf)
	if len(q) == 0 {
		return nil
	}

	scores := make(map[int]float64)
	for _, term := range sortedTerms(q) {
		qw := q[term]
		for _, pos := range idx.postings[term] {
			scores[pos] += qw * idx.docs[pos].weights[term]
		}
	}

	out := make([]Hit, 0, len(scores))
	for pos, score := range scores {
		if score <= 0 {
			continue
		}
		if score > 1 {
			score = 1
		}
		out = append(out, Hit{DocumentID: idx.docs[pos].id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].Score > out[j].Score
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func appendTermFreq(dst map[string]float64, toks []string, weight float64) {
	for _, tok := range toks {
		dst[tok] += weight
	}
}

// weigh turns raw term frequencies into an L2-normalized tf-idf vector.
// Terms unknown to the corpus are dropped. Terms are visited in sorted order
// so repeated builds produce bit-identical weights.
func weigh(tf map[string]float64, idf map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(tf))
	var norm float64
	for _, term := range sortedTerms(tf) {
		freq := tf[term]
		termIDF, ok := idf[term]
		if !ok {
			continue
		}
		w := (freq * (termSaturationK + 1.0)) / (freq + termSaturationK) * termIDF
		if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
			continue
		}
		out[term] = w
		norm += w * w
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	for term := range out {
		out[term] /= norm
	}
	return out
}

func sortedTerms(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for term := range m {
		out = append(out, term)
	}
	sort.Strings(out)
	return out
}
