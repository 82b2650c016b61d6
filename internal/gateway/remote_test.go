package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRemote(t *testing.T, handler http.Handler) (*Remote, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	local, err := NewLocal(t.TempDir(), "", nil)
	require.NoError(t, err)

	g := NewRemote(local, srv.URL, "", "test-token", 5*time.Second, nil)
	return g, srv
}

func TestRemoteGetState(t *testing.T) {
	g, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/states/light.kitchen", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"entity_id":  "light.kitchen",
			"state":      "on",
			"attributes": map[string]any{"brightness": 200},
		})
	}))

	st, err := g.GetState(context.Background(), "light.kitchen")
	require.NoError(t, err)
	assert.Equal(t, "light.kitchen", st.EntityID)
	assert.Equal(t, "on", st.State)
	assert.EqualValues(t, 200, st.Attributes["brightness"])
}

func TestRemoteGetStateNotFound(t *testing.T) {
	g, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Entity not found."}`, http.StatusNotFound)
	}))

	_, err := g.GetState(context.Background(), "light.gone")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestRemoteCallService(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	g, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("[]"))
	}))

	err := g.CallService(context.Background(), "light", "turn_on", map[string]any{"entity_id": "light.kitchen"})
	require.NoError(t, err)
	assert.Equal(t, "/api/services/light/turn_on", gotPath)
	assert.Equal(t, "light.kitchen", gotBody["entity_id"])
}

func TestRemoteValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		g, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/config/core/check_config", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]string{"result": "valid"})
		}))
		assert.NoError(t, g.Validate(context.Background()))
	})

	t.Run("invalid carries detail", func(t *testing.T) {
		g, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{
				"result": "invalid",
				"errors": "Integration error: sensor - requires platform",
			})
		}))
		err := g.Validate(context.Background())
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Contains(t, vErr.Detail, "requires platform")
	})
}

func TestRemoteRenderTemplate(t *testing.T) {
	g, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "{{ states('sun.sun') }}", body["template"])
		w.Write([]byte("above_horizon"))
	}))

	out, err := g.RenderTemplate(context.Background(), "{{ states('sun.sun') }}")
	require.NoError(t, err)
	assert.Equal(t, "above_horizon", out)
}

func TestRemoteTailLog(t *testing.T) {
	g, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("line1\nline2\nline3\nline4\n"))
	}))

	out, err := g.TailLog(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "line3\nline4", out)
}

// wsTestServer speaks just enough of the host websocket protocol for the
// registry client: auth handshake, then canned command results.
func wsTestServer(t *testing.T, authOK bool, handle func(cmd map[string]any) (any, bool)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]any{"type": "auth_required"})

		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if !authOK || auth["access_token"] != "test-token" {
			conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "bad token"})
			return
		}
		conn.WriteJSON(map[string]any{"type": "auth_ok"})

		for {
			var cmd map[string]any
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			result, success := handle(cmd)
			conn.WriteJSON(map[string]any{
				"id":      cmd["id"],
				"type":    "result",
				"success": success,
				"result":  result,
			})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRemoteRegistryObject(t *testing.T) {
	srv := wsTestServer(t, true, func(cmd map[string]any) (any, bool) {
		switch cmd["type"] {
		case "config/entity_registry/get":
			return map[string]any{
				"entity_id": cmd["entity_id"],
				"name":      "Kitchen Light",
				"area_id":   "kitchen",
			}, true
		case "config/area_registry/list":
			return []map[string]any{
				{"area_id": "kitchen", "name": "Kitchen"},
				{"area_id": "bedroom", "name": "Bedroom"},
			}, true
		}
		return nil, false
	})

	local, err := NewLocal(t.TempDir(), "", nil)
	require.NoError(t, err)
	g := NewRemote(local, "http://unused", wsURL(srv), "test-token", 5*time.Second, nil)
	defer g.Close()

	obj, err := g.RegistryObject(context.Background(), KindEntity, "light.kitchen")
	require.NoError(t, err)
	assert.Equal(t, "Kitchen Light", obj["name"])

	area, err := g.RegistryObject(context.Background(), KindArea, "bedroom")
	require.NoError(t, err)
	assert.Equal(t, "Bedroom", area["name"])

	_, err = g.RegistryObject(context.Background(), KindArea, "garage")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestRemoteUpdateRegistryObject(t *testing.T) {
	srv := wsTestServer(t, true, func(cmd map[string]any) (any, bool) {
		if cmd["type"] != "config/entity_registry/update" {
			return nil, false
		}
		return map[string]any{
			"entity_entry": map[string]any{
				"entity_id": cmd["entity_id"],
				"name":      cmd["name"],
			},
		}, true
	})

	local, err := NewLocal(t.TempDir(), "", nil)
	require.NoError(t, err)
	g := NewRemote(local, "http://unused", wsURL(srv), "test-token", 5*time.Second, nil)
	defer g.Close()

	obj, err := g.UpdateRegistryObject(context.Background(), KindEntity, "light.kitchen",
		map[string]any{"name": "Ceiling Light"})
	require.NoError(t, err)
	assert.Equal(t, "Ceiling Light", obj["name"])
	assert.Equal(t, "light.kitchen", obj["entity_id"])
}

func TestRemoteRegistryAuthFailure(t *testing.T) {
	srv := wsTestServer(t, false, nil)

	local, err := NewLocal(t.TempDir(), "", nil)
	require.NoError(t, err)
	g := NewRemote(local, "http://unused", wsURL(srv), "wrong", 5*time.Second, nil)
	defer g.Close()

	_, err = g.RegistryObject(context.Background(), KindEntity, "light.kitchen")
	assert.ErrorIs(t, err, ErrAuthFailed)
}
