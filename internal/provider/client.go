// Package provider implements the model client: an OpenAI-compatible
// chat completions API with tool calling and SSE streaming.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"homepilot/internal/chat"
)

const (
	defaultMaxTokens = 4096
	minRequestGap    = 100 * time.Millisecond
)

// Client talks to one chat completions endpoint. Concurrency is bounded
// by a semaphore and requests are spaced to stay under burst limits.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	maxRetries int
	sem        chan struct{}
	logger     *zap.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// New creates a client from config.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		logger:     logger.Named("provider"),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// acquire blocks until a request slot is free.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.sem
}

// throttle spaces requests out.
func (c *Client) throttle() {
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < minRequestGap {
		time.Sleep(minRequestGap - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
}

// buildRequest assembles the wire request for a sanitized log.
func (c *Client) buildRequest(msgs []chat.Message, tools []Tool, stream bool) chatRequest {
	req := chatRequest{
		Model:       c.model,
		Messages:    toWireMessages(msgs),
		MaxTokens:   defaultMaxTokens,
		Temperature: 0.1,
		Stream:      stream,
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return req
}

// Chat sends one non-streaming round-trip and returns the assembled
// completion. Transient failures (network errors, 429) are retried with
// exponential backoff; other API errors surface as *APIError.
func (c *Client) Chat(ctx context.Context, msgs []chat.Message, tools []Tool) (*Completion, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	start := time.Now()
	reqBody := c.buildRequest(msgs, tools, false)

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		c.throttle()

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = decodeAPIError(resp.StatusCode, body)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, decodeAPIError(resp.StatusCode, body)
		}

		var parsed chatResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if parsed.Error != nil {
			return nil, parsed.Error
		}
		if len(parsed.Choices) == 0 {
			return nil, fmt.Errorf("no completion returned")
		}

		ch := parsed.Choices[0]
		comp := &Completion{
			FinishReason: ch.FinishReason,
			Usage:        parsed.Usage,
		}
		if ch.Message != nil {
			comp.Content = ch.Message.Content
			comp.ToolCalls = fromWireToolCalls(ch.Message.ToolCalls)
		}
		if comp.FinishReason == "" {
			if len(comp.ToolCalls) > 0 {
				comp.FinishReason = "tool_calls"
			} else {
				comp.FinishReason = "stop"
			}
		}

		c.logger.Debug("completion finished",
			zap.Duration("elapsed", time.Since(start)),
			zap.String("finish_reason", comp.FinishReason),
			zap.Int("tool_calls", len(comp.ToolCalls)))
		return comp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// decodeAPIError turns a non-200 body into *APIError, falling back to
// the raw body when the envelope does not parse.
func decodeAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.StatusCode = status
		return envelope.Error
	}
	return &APIError{
		StatusCode: status,
		Message:    strings.TrimSpace(string(body)),
	}
}
