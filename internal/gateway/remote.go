package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Remote talks to a live Home-Assistant-compatible host: REST for state,
// services, templates, and config checks; a websocket for registry
// objects. File operations run on the mounted config directory through
// the embedded Local gateway.
type Remote struct {
	*Local

	baseURL    string
	token      string
	httpClient *http.Client
	ws         *wsClient
	logger     *zap.Logger
}

// NewRemote wires a Remote gateway. local carries the mounted config
// root; baseURL and wsURL point at the host's REST and websocket APIs.
func NewRemote(local *Local, baseURL, wsURL, token string, timeout time.Duration, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("gateway")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Remote{
		Local:      local,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		ws:         newWSClient(wsURL, token, timeout, logger),
		logger:     logger,
	}
}

// doJSON performs one REST call and decodes the response into out when
// out is non-nil. Returns the raw body for callers that want text.
func (g *Remote) doJSON(ctx context.Context, method, path string, body any, out any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("host request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read host response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrEntityNotFound)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("host returned %d for %s %s: %s",
			resp.StatusCode, method, path, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decode host response for %s: %w", path, err)
		}
	}
	return data, nil
}

// GetState returns one entity's state.
func (g *Remote) GetState(ctx context.Context, entityID string) (*EntityState, error) {
	var st EntityState
	if _, err := g.doJSON(ctx, http.MethodGet, "/api/states/"+entityID, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// States returns every entity state the host reports.
func (g *Remote) States(ctx context.Context) ([]EntityState, error) {
	var states []EntityState
	if _, err := g.doJSON(ctx, http.MethodGet, "/api/states", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// CallService invokes a host service such as light.turn_on.
func (g *Remote) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	if _, err := g.doJSON(ctx, http.MethodPost, path, data, nil); err != nil {
		return err
	}
	g.logger.Debug("service called", zap.String("domain", domain), zap.String("service", service))
	return nil
}

// RenderTemplate evaluates a template on the host and returns the
// rendered text.
func (g *Remote) RenderTemplate(ctx context.Context, template string) (string, error) {
	body, err := g.doJSON(ctx, http.MethodPost, "/api/template", map[string]any{"template": template}, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// checkConfigResponse is the host's config check result.
type checkConfigResponse struct {
	Result string `json:"result"`
	Errors string `json:"errors"`
}

// Validate asks the host to check the full configuration.
func (g *Remote) Validate(ctx context.Context) error {
	var res checkConfigResponse
	if _, err := g.doJSON(ctx, http.MethodPost, "/api/config/core/check_config", map[string]any{}, &res); err != nil {
		return err
	}
	if res.Result != "valid" {
		detail := res.Errors
		if detail == "" {
			detail = "host reported result " + res.Result
		}
		return &ValidationError{Detail: detail}
	}
	return nil
}

// Reload asks the host to reload its configuration.
func (g *Remote) Reload(ctx context.Context) error {
	if err := g.CallService(ctx, "homeassistant", "reload_all", nil); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	g.logger.Info("host configuration reloaded")
	return nil
}

// TailLog returns the last n lines of the host error log.
func (g *Remote) TailLog(ctx context.Context, n int) (string, error) {
	body, err := g.doJSON(ctx, http.MethodGet, "/api/error_log", nil, nil)
	if err != nil {
		return "", err
	}
	if n <= 0 {
		n = 50
	}
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// RegistryObject reads one registry entry over the websocket.
func (g *Remote) RegistryObject(ctx context.Context, kind RegistryKind, id string) (map[string]any, error) {
	switch kind {
	case KindEntity:
		return g.ws.request(ctx, "config/entity_registry/get", map[string]any{"entity_id": id})
	case KindDevice:
		return g.findInList(ctx, "config/device_registry/list", "id", id)
	case KindArea:
		return g.findInList(ctx, "config/area_registry/list", "area_id", id)
	default:
		return nil, fmt.Errorf("unknown registry kind %q", kind)
	}
}

// UpdateRegistryObject updates fields of one registry entry and returns
// the updated object.
func (g *Remote) UpdateRegistryObject(ctx context.Context, kind RegistryKind, id string, fields map[string]any) (map[string]any, error) {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}

	switch kind {
	case KindEntity:
		payload["entity_id"] = id
		res, err := g.ws.request(ctx, "config/entity_registry/update", payload)
		if err != nil {
			return nil, err
		}
		// The entity registry wraps the updated entry.
		if entry, ok := res["entity_entry"].(map[string]any); ok {
			return entry, nil
		}
		return res, nil
	case KindDevice:
		payload["device_id"] = id
		return g.ws.request(ctx, "config/device_registry/update", payload)
	case KindArea:
		payload["area_id"] = id
		return g.ws.request(ctx, "config/area_registry/update", payload)
	default:
		return nil, fmt.Errorf("unknown registry kind %q", kind)
	}
}

// Close releases the registry websocket.
func (g *Remote) Close() error {
	return g.ws.Close()
}

// findInList runs a registry list command and picks the entry whose
// idField matches id. The device and area registries have no direct get.
func (g *Remote) findInList(ctx context.Context, command, idField, id string) (map[string]any, error) {
	res, err := g.ws.requestList(ctx, command)
	if err != nil {
		return nil, err
	}
	for _, entry := range res {
		if entry[idField] == id {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%s %s: %w", command, id, ErrEntityNotFound)
}
