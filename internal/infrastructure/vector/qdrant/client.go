package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
)

const upsertBatchSize = 128

// Client is a ports.VectorIndex backed by Qdrant. Searches go through the
// alias named by collection; every Rebuild fills a fresh collection and
// moves the alias onto it in one request.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor
	now        func() time.Time

	rebuildMu sync.Mutex
	count     atomic.Int64
}

func New(baseURL, collection string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		now:        time.Now,
	}
}

func (c *Client) WithResilience(executor *resilience.Executor) *Client {
	c.executor = executor
	return c
}

// PointID maps a document id to a stable Qdrant point id.
func PointID(documentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("knowledge-doc:"+documentID)).String()
}

// Rebuild upserts every embedded document into a new collection, points the
// alias at it and drops the collections it replaced. Searches keep hitting
// the previous collection until the alias moves.
func (c *Client) Rebuild(ctx context.Context, docs []*domain.Document) error {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	embedded := make([]*domain.Document, 0, len(docs))
	for _, doc := range docs {
		if doc != nil && len(doc.Embedding) > 0 {
			embedded = append(embedded, doc)
		}
	}
	current, err := c.aliasTarget(ctx)
	if err != nil {
		return err
	}
	if len(embedded) == 0 {
		if current != "" {
			if err := c.updateAliases(ctx, deleteAlias(c.collection)); err != nil {
				return err
			}
		}
		c.count.Store(0)
		c.dropStale(ctx, "")
		return nil
	}

	next := fmt.Sprintf("%s_%d", c.collection, c.now().UnixNano())
	if err := c.createCollection(ctx, next, len(embedded[0].Embedding)); err != nil {
		return err
	}
	if err := c.upsert(ctx, next, embedded); err != nil {
		_ = c.dropCollection(ctx, next)
		return err
	}

	var actions []map[string]any
	if current != "" {
		actions = append(actions, deleteAlias(c.collection))
	} else if err := c.dropCollection(ctx, c.collection); err != nil {
		// A plain collection left under the alias name blocks create_alias.
		_ = c.dropCollection(ctx, next)
		return err
	}
	actions = append(actions, map[string]any{
		"create_alias": map[string]any{"collection_name": next, "alias_name": c.collection},
	})
	if err := c.updateAliases(ctx, actions...); err != nil {
		_ = c.dropCollection(ctx, next)
		return err
	}
	c.count.Store(int64(len(embedded)))
	c.dropStale(ctx, next)
	return nil
}

func deleteAlias(alias string) map[string]any {
	return map[string]any{"delete_alias": map[string]any{"alias_name": alias}}
}

func (c *Client) upsert(ctx context.Context, collection string, embedded []*domain.Document) error {
	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, collection)
	for start := 0; start < len(embedded); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(embedded))
		points := make([]point, 0, end-start)
		for _, doc := range embedded[start:end] {
			points = append(points, point{
				ID:     PointID(doc.ID),
				Vector: doc.Embedding,
				Payload: map[string]any{
					"doc_id":   doc.ID,
					"category": doc.Category,
					"priority": doc.Priority.String(),
				},
			})
		}
		if err := c.do(ctx, "qdrant.upsert", http.MethodPut, url, map[string]any{"points": points}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Len() int {
	return int(c.count.Load())
}

func (c *Client) Search(ctx context.Context, queryVector []float32, limit int) ([]ports.IndexHit, error) {
	if len(queryVector) == 0 || c.Len() == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = c.Len()
	}
	reqBody := map[string]any{
		"vector":       queryVector,
		"limit":        limit,
		"with_payload": []string{"doc_id"},
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection)
	if err := c.do(ctx, "qdrant.search", http.MethodPost, url, reqBody, &searchResp); err != nil {
		return nil, err
	}

	out := make([]ports.IndexHit, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		id := getStringPayload(r.Payload, "doc_id")
		if id == "" || r.Score <= 0 {
			continue
		}
		out = append(out, ports.IndexHit{DocumentID: id, Score: min(r.Score, 1)})
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, url string, body any, out any) error {
	call := func(callCtx context.Context) error {
		return c.roundTrip(callCtx, method, url, body, out)
	}
	if c.executor == nil {
		return call(ctx)
	}
	err := c.executor.Execute(ctx, op, call, resilience.TransientClassifier)
	return resilience.MapError(op, err)
}

func (c *Client) roundTrip(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal qdrant body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if trimmed := strings.TrimSpace(string(msg)); trimmed != "" {
			return fmt.Errorf("qdrant status: %s: %s", resp.Status, trimmed)
		}
		return fmt.Errorf("qdrant status: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode qdrant response: %w", err)
	}
	return nil
}

// aliasTarget returns the collection the alias points at, or "".
func (c *Client) aliasTarget(ctx context.Context) (string, error) {
	var resp struct {
		Result struct {
			Aliases []struct {
				AliasName      string `json:"alias_name"`
				CollectionName string `json:"collection_name"`
			} `json:"aliases"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/aliases", c.baseURL)
	if err := c.do(ctx, "qdrant.aliases", http.MethodGet, url, nil, &resp); err != nil {
		return "", err
	}
	for _, a := range resp.Result.Aliases {
		if a.AliasName == c.collection {
			return a.CollectionName, nil
		}
	}
	return "", nil
}

func (c *Client) updateAliases(ctx context.Context, actions ...map[string]any) error {
	url := fmt.Sprintf("%s/collections/aliases", c.baseURL)
	return c.do(ctx, "qdrant.alias", http.MethodPost, url, map[string]any{"actions": actions}, nil)
}

// dropStale removes every generation of the collection except keep. Failures
// only leave garbage that the next rebuild retries.
func (c *Client) dropStale(ctx context.Context, keep string) {
	var resp struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections", c.baseURL)
	if err := c.do(ctx, "qdrant.collections", http.MethodGet, url, nil, &resp); err != nil {
		return
	}
	prefix := c.collection + "_"
	for _, col := range resp.Result.Collections {
		if col.Name != keep && strings.HasPrefix(col.Name, prefix) {
			_ = c.dropCollection(ctx, col.Name)
		}
	}
}

func (c *Client) dropCollection(ctx context.Context, name string) error {
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("create drop collection request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WrapError(domain.ErrDependencyUnavailable, "qdrant.drop", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("qdrant drop collection status: %s", resp.Status)
	}
	return nil
}

func (c *Client) createCollection(ctx context.Context, name string, vectorSize int) error {
	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal create collection body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create collection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant create collection request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if msg := strings.TrimSpace(string(body)); msg != "" {
			return fmt.Errorf("qdrant create collection status: %s: %s", resp.Status, msg)
		}
		return fmt.Errorf("qdrant create collection status: %s", resp.Status)
	}
	return nil
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
