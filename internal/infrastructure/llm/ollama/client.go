package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
	limiter    *rate.Limiter
}

type Option func(*Client)

func WithResilience(executor *resilience.Executor) Option {
	return func(c *Client) { c.executor = executor }
}

// WithRateLimit caps outgoing requests; rps <= 0 disables the limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func New(baseURL, genModel, embedModel string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classifier predicts the category of a query with a generation model.
type Classifier struct {
	client     *Client
	categories []string
}

// NewClassifier restricts predictions to categories when the list is non-empty.
func NewClassifier(client *Client, categories []string) *Classifier {
	return &Classifier{client: client, categories: categories}
}

func (c *Classifier) Classify(ctx context.Context, text string) (domain.Classification, error) {
	respText, err := c.client.generateJSON(ctx, buildClassificationPrompt(text, c.categories), "classify")
	if err != nil {
		return domain.Classification{}, err
	}

	var result domain.Classification
	if err := json.Unmarshal([]byte(extractJSONObject(respText)), &result); err != nil {
		return domain.Classification{}, fmt.Errorf("parse classification json: %w", err)
	}
	result.Category = strings.TrimSpace(result.Category)
	result.Confidence = math.Min(math.Max(result.Confidence, 0), 1)
	if len(c.categories) > 0 && !containsFold(c.categories, result.Category) {
		return domain.Classification{}, nil
	}
	return result, nil
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.postJSON(ctx, "/api/embed", request, &response, "embed"); err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed returned %d vectors for %d inputs", len(response.Embeddings), len(texts))
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Reranker asks a generation model to grade passage relevance.
type Reranker struct {
	client *Client
}

func NewReranker(client *Client) *Reranker {
	return &Reranker{client: client}
}

func (r *Reranker) Score(ctx context.Context, query, passage string) (float64, error) {
	respText, err := r.client.generateJSON(ctx, buildRerankPrompt(query, passage), "rerank")
	if err != nil {
		return 0, err
	}
	var result struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(respText)), &result); err != nil {
		return 0, fmt.Errorf("parse rerank json: %w", err)
	}
	return result.Score, nil
}

func (c *Client) generateJSON(ctx context.Context, prompt, operation string) (string, error) {
	reqBody := map[string]any{
		"model":  c.genModel,
		"prompt": prompt,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": 0,
		},
	}
	var response struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/generate", reqBody, &response, operation); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
