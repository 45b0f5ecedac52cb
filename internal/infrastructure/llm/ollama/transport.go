package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// postJSON waits for the rate limiter, then sends one request through the
// resilience executor when configured.
func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return wrapUnavailableIfNeeded("ollama."+operation, fmt.Errorf("ollama %s rate limit: %w", operation, err))
		}
	}

	call := func(callCtx context.Context) error {
		return c.roundTrip(callCtx, path, body, out, operation)
	}
	if c.executor == nil {
		return wrapUnavailableIfNeeded("ollama."+operation, call(ctx))
	}
	err = c.executor.Execute(ctx, "ollama."+operation, call, classifyOllamaError)
	return wrapUnavailableIfNeeded("ollama."+operation, err)
}

func (c *Client) roundTrip(ctx context.Context, path string, body []byte, out any, operation string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPStatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(msg),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}
