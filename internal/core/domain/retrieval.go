package domain

import (
	"sort"
	"time"
)

type Query struct {
	Text         string
	CategoryHint string
	UserID       string
	// Scope is the querying entity's home unit; documents tagged with it get a boost.
	Scope string

	// Embedding is set when the caller already encoded the text.
	// EmbeddingResolved with a nil Embedding means encoding was attempted and failed.
	Embedding         []float32
	EmbeddingResolved bool
}

type RetrievedCandidate struct {
	Document      *Document `json:"-"`
	SemanticScore float64   `json:"semantic_score"`
	LexicalScore  float64   `json:"lexical_score"`
	ContextScore  float64   `json:"context_score"`
	FinalScore    float64   `json:"final_score"`
	Confidence    float64   `json:"confidence"`
	Explanation   string    `json:"explanation"`
}

// CandidateSet is the retriever output before result shaping.
type CandidateSet struct {
	Candidates []RetrievedCandidate
	Degraded   bool
	// Dropped lists the signals that did not contribute (e.g. "semantic").
	Dropped []string
	// Version identifies the corpus snapshot the candidates came from.
	Version uint64
}

type RetrieveOptions struct {
	CategoryHint string
	Scope        string
	UserID       string
	Timeout      time.Duration
}

type RankedResult struct {
	DocumentID  string         `json:"document_id"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata"`
	Score       float64        `json:"score"`
	Confidence  float64        `json:"confidence"`
	Explanation string         `json:"explanation"`
}

type CacheSource string

const (
	CacheSourceNone     CacheSource = ""
	CacheSourceExact    CacheSource = "exact"
	CacheSourceSemantic CacheSource = "semantic"
)

type RetrievalResponse struct {
	Results    []RankedResult `json:"results"`
	Confidence float64        `json:"confidence"`
	Degraded   bool           `json:"degraded"`
	Partial    bool           `json:"partial"`
	Cache      CacheSource    `json:"cache,omitempty"`
}

// CandidateLess is the ordering every retrieval list follows:
// final score desc, priority desc, document id asc.
func CandidateLess(a, b RetrievedCandidate) bool {
	if a.FinalScore != b.FinalScore {
		return a.FinalScore > b.FinalScore
	}
	if a.Document.Priority != b.Document.Priority {
		return a.Document.Priority > b.Document.Priority
	}
	return a.Document.ID < b.Document.ID
}

func SortCandidates(candidates []RetrievedCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return CandidateLess(candidates[i], candidates[j])
	})
}
