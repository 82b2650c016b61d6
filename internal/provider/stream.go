package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"homepilot/internal/chat"
)

// StreamEventType tags events on the streaming channel.
type StreamEventType string

const (
	StreamToken    StreamEventType = "token"
	StreamToolCall StreamEventType = "tool_call"
	StreamDone     StreamEventType = "done"
	StreamError    StreamEventType = "error"
)

// StreamEvent is one event of a streamed completion. Tokens arrive as
// the model produces them; assembled tool calls and the final done event
// arrive when the stream ends.
type StreamEvent struct {
	Type         StreamEventType
	Token        string
	ToolCall     chat.ToolCallRequest
	FinishReason string
	Usage        *Usage
	Err          error
}

// toolCallBuilder accumulates fragments of one streamed tool call.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// StreamChat sends one streaming round-trip. Events are delivered on the
// returned channel, which is closed when the stream ends; the last event
// is either StreamDone or StreamError. Cancelling ctx force-closes the
// response body and ends the stream.
func (c *Client) StreamChat(ctx context.Context, msgs []chat.Message, tools []Tool) (<-chan StreamEvent, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	events := make(chan StreamEvent, 100)

	go func() {
		defer close(events)

		if err := c.acquire(ctx); err != nil {
			events <- StreamEvent{Type: StreamError, Err: err}
			return
		}
		defer c.release()

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
			defer cancel()
		}

		start := time.Now()
		reqBody := c.buildRequest(msgs, tools, true)

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			events <- StreamEvent{Type: StreamError, Err: fmt.Errorf("failed to marshal request: %w", err)}
			return
		}

		// Retries cover the initial request only; once bytes stream we
		// never replay.
		var lastErr error
		for attempt := 0; attempt <= c.maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
				case <-ctx.Done():
					events <- StreamEvent{Type: StreamError, Err: ctx.Err()}
					return
				}
			}
			c.throttle()

			req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
			if err != nil {
				events <- StreamEvent{Type: StreamError, Err: fmt.Errorf("failed to create request: %w", err)}
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
			req.Header.Set("Accept", "text/event-stream")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					events <- StreamEvent{Type: StreamError, Err: ctx.Err()}
					return
				}
				lastErr = fmt.Errorf("request failed: %w", err)
				continue
			}

			if resp.StatusCode == http.StatusTooManyRequests {
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				lastErr = decodeAPIError(resp.StatusCode, body)
				continue
			}
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				events <- StreamEvent{Type: StreamError, Err: decodeAPIError(resp.StatusCode, body)}
				return
			}

			c.consumeStream(ctx, resp, events, start)
			return
		}

		events <- StreamEvent{Type: StreamError, Err: fmt.Errorf("max retries exceeded: %w", lastErr)}
	}()

	return events, nil
}

// consumeStream scans the SSE body, forwards tokens, and assembles tool
// call fragments until the stream finishes.
func (c *Client) consumeStream(ctx context.Context, resp *http.Response, events chan<- StreamEvent, start time.Time) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	builders := make(map[int]*toolCallBuilder)
	var order []int
	var finishReason string
	var usage *Usage

	scanDone := make(chan struct{})
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(scanDone)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return
			}

			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				scanErrChan <- chunk.Error
				return
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			ch := chunk.Choices[0]
			if ch.FinishReason != "" {
				finishReason = ch.FinishReason
			}
			if ch.Delta == nil {
				continue
			}

			if ch.Delta.Content != "" {
				select {
				case events <- StreamEvent{Type: StreamToken, Token: ch.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}

			for _, tcd := range ch.Delta.ToolCalls {
				b, ok := builders[tcd.Index]
				if !ok {
					b = &toolCallBuilder{}
					builders[tcd.Index] = b
					order = append(order, tcd.Index)
				}
				if tcd.ID != "" {
					b.id = tcd.ID
				}
				if tcd.Function != nil {
					if tcd.Function.Name != "" {
						b.name = tcd.Function.Name
					}
					b.args.WriteString(tcd.Function.Arguments)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	select {
	case <-scanDone:
		select {
		case err := <-scanErrChan:
			c.logger.Warn("stream failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
			events <- StreamEvent{Type: StreamError, Err: fmt.Errorf("stream error: %w", err)}
			return
		default:
		}
	case <-ctx.Done():
		// Force the scanner loop to exit, then report the cancellation.
		resp.Body.Close()
		<-scanDone
		c.logger.Debug("stream cancelled", zap.Duration("elapsed", time.Since(start)))
		events <- StreamEvent{Type: StreamError, Err: ctx.Err()}
		return
	}

	// Emit assembled tool calls in the order the model opened them.
	calls := make([]chat.ToolCallRequest, 0, len(order))
	for i, idx := range order {
		b := builders[idx]
		id := b.id
		if id == "" {
			id = fmt.Sprintf("%s_%d", b.name, i)
		}
		args := b.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, chat.ToolCallRequest{ID: id, Name: b.name, Arguments: args})
	}
	for _, call := range calls {
		select {
		case events <- StreamEvent{Type: StreamToolCall, ToolCall: call}:
		case <-ctx.Done():
			events <- StreamEvent{Type: StreamError, Err: ctx.Err()}
			return
		}
	}

	if finishReason == "" {
		if len(calls) > 0 {
			finishReason = "tool_calls"
		} else {
			finishReason = "stop"
		}
	}

	c.logger.Debug("stream completed",
		zap.Duration("elapsed", time.Since(start)),
		zap.String("finish_reason", finishReason),
		zap.Int("tool_calls", len(calls)))

	events <- StreamEvent{Type: StreamDone, FinishReason: finishReason, Usage: usage}
}
