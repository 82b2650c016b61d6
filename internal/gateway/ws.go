package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrAuthFailed is returned when the host rejects the access token.
var ErrAuthFailed = errors.New("websocket authentication failed")

// wsMessage is the envelope for every frame on the host websocket.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsClient is a lazily-connected registry client. One command runs at a
// time; message ids increment per connection as the protocol requires.
type wsClient struct {
	url     string
	token   string
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
}

func newWSClient(url, token string, timeout time.Duration, logger *zap.Logger) *wsClient {
	return &wsClient{url: url, token: token, timeout: timeout, logger: logger.Named("ws")}
}

// connect dials and completes the auth handshake. Callers hold c.mu.
func (c *wsClient) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	if c.url == "" {
		return fmt.Errorf("registry websocket not configured: %w", ErrNotSupported)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial registry websocket: %w", err)
	}

	deadline := c.deadline(ctx)
	conn.SetReadDeadline(deadline)

	var hello wsMessage
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("read auth challenge: %w", err)
	}
	if hello.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("unexpected handshake frame %q", hello.Type)
	}

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": c.token}); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	var result wsMessage
	if err := conn.ReadJSON(&result); err != nil {
		conn.Close()
		return fmt.Errorf("read auth result: %w", err)
	}
	if result.Type != "auth_ok" {
		conn.Close()
		return fmt.Errorf("%s: %w", result.Message, ErrAuthFailed)
	}

	c.conn = conn
	c.nextID = 0
	c.logger.Debug("registry websocket connected", zap.String("url", c.url))
	return nil
}

// reset drops the connection so the next command reconnects.
func (c *wsClient) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// roundTrip sends one command and waits for its result frame, skipping
// interleaved event frames. Callers hold c.mu.
func (c *wsClient) roundTrip(ctx context.Context, cmdType string, payload map[string]any) (json.RawMessage, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.nextID++
	id := c.nextID

	msg := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		msg[k] = v
	}
	msg["id"] = id
	msg["type"] = cmdType

	deadline := c.deadline(ctx)
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		c.reset()
		return nil, fmt.Errorf("send %s: %w", cmdType, err)
	}

	c.conn.SetReadDeadline(deadline)
	for {
		var resp wsMessage
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.reset()
			return nil, fmt.Errorf("read %s result: %w", cmdType, err)
		}
		if resp.Type != "result" || resp.ID != id {
			continue
		}
		if resp.Success == nil || !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s failed: %s (%s)", cmdType, resp.Error.Message, resp.Error.Code)
			}
			return nil, fmt.Errorf("%s failed", cmdType)
		}
		return resp.Result, nil
	}
}

// request runs a command whose result is a single object.
func (c *wsClient) request(ctx context.Context, cmdType string, payload map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.roundTrip(ctx, cmdType, payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", cmdType, err)
	}
	return out, nil
}

// requestList runs a command whose result is a list of objects.
func (c *wsClient) requestList(ctx context.Context, cmdType string) ([]map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.roundTrip(ctx, cmdType, nil)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", cmdType, err)
	}
	return out, nil
}

// Close shuts the connection down.
func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}

func (c *wsClient) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(c.timeout)
}
