package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
	"github.com/kirillkom/knowledge-retrieval/internal/core/tokens"
)

const (
	rerankConfidenceStep = 0.05
	rerankParallelism    = 4
	snippetRunes         = 600
)

type RerankConfig struct {
	TopN    int
	Blend   float64
	Timeout time.Duration
}

// RerankStage refines the head of a fused list with a pairwise scorer. It is
// a soft dependency: any failure leaves the input untouched.
type RerankStage struct {
	reranker ports.Reranker
	chunker  ports.Chunker
	cfg      RerankConfig
	logger   *slog.Logger
}

func NewRerankStage(reranker ports.Reranker, chunker ports.Chunker, cfg RerankConfig, logger *slog.Logger) *RerankStage {
	if cfg.TopN <= 0 {
		cfg.TopN = 15
	}
	if cfg.Blend < 0 || cfg.Blend > 1 {
		cfg.Blend = 0.7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RerankStage{
		reranker: reranker,
		chunker:  chunker,
		cfg:      cfg,
		logger:   logger,
	}
}

// Rerank rescores the top N candidates. On error the original slice is
// returned together with the error.
func (s *RerankStage) Rerank(ctx context.Context, query string, candidates []domain.RetrievedCandidate) ([]domain.RetrievedCandidate, error) {
	if s == nil || s.reranker == nil || len(candidates) == 0 {
		return candidates, nil
	}
	topN := min(s.cfg.TopN, len(candidates))

	rerankCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		rerankCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	scores := make([]float64, topN)
	g, gctx := errgroup.WithContext(rerankCtx)
	g.SetLimit(rerankParallelism)
	for i := 0; i < topN; i++ {
		passage := s.snippet(candidates[i].Document.Text)
		g.Go(func() error {
			score, err := s.reranker.Score(gctx, query, passage)
			if err != nil {
				return err
			}
			scores[i] = normalizeRerankScore(score)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return candidates, fmt.Errorf("rerank: %w", err)
	}

	out := make([]domain.RetrievedCandidate, len(candidates))
	copy(out, candidates)
	for i := 0; i < topN; i++ {
		c := &out[i]
		c.FinalScore = clamp01(s.cfg.Blend*scores[i] + (1-s.cfg.Blend)*c.FinalScore)
		c.Confidence = math.Min(1, c.Confidence+rerankConfidenceStep)
		c.Explanation = fmt.Sprintf("%s; rerank %.2f", c.Explanation, scores[i])
	}
	domain.SortCandidates(out)
	return out, nil
}

func (s *RerankStage) snippet(text string) string {
	if s.chunker != nil {
		if passages := s.chunker.Split(text); len(passages) > 0 {
			return passages[0]
		}
		return ""
	}
	runes := []rune(text)
	if len(runes) > snippetRunes {
		return string(runes[:snippetRunes])
	}
	return text
}

// normalizeRerankScore maps raw logits into [0,1]; in-range scores pass through.
func normalizeRerankScore(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	if score < 0 || score > 1 {
		return 1 / (1 + math.Exp(-score))
	}
	return score
}

// LexicalReranker is the model-free ports.Reranker: query term coverage of
// the passage blended with token-set Jaccard similarity.
type LexicalReranker struct{}

func (LexicalReranker) Score(ctx context.Context, query, passage string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q, p := tokens.NewSet(query), tokens.NewSet(passage)
	if len(q) == 0 || len(p) == 0 {
		return 0, nil
	}
	return 0.8*tokens.Overlap(q, p) + 0.2*tokens.Jaccard(q, p), nil
}
