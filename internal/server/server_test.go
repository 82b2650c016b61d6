package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homepilot/internal/agent"
	"homepilot/internal/backup"
	"homepilot/internal/changeset"
	"homepilot/internal/chat"
	"homepilot/internal/gateway"
	"homepilot/internal/provider"
	"homepilot/internal/store"
	"homepilot/internal/tools"
)

// fakeModel streams a fixed token sequence and finishes.
type fakeModel struct {
	text string
}

func (f *fakeModel) StreamChat(ctx context.Context, _ []chat.Message, _ []provider.Tool) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent, 8)
	go func() {
		defer close(ch)
		for _, word := range strings.Fields(f.text) {
			ch <- provider.StreamEvent{Type: provider.StreamToken, Token: word + " "}
		}
		ch <- provider.StreamEvent{Type: provider.StreamDone, FinishReason: "stop"}
	}()
	return ch, nil
}

type env struct {
	srv  *Server
	mgr  *changeset.Manager
	root string
	gw   gateway.Gateway
}

func newEnv(t *testing.T) *env {
	t.Helper()

	root := t.TempDir()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gw, err := gateway.NewLocal(root, "", nil)
	require.NoError(t, err)

	backups := backup.New(db, nil)
	mgr := changeset.NewManager(db, backups, gw, changeset.Options{}, nil)
	orch := agent.NewOrchestrator(&fakeModel{text: "hello from the model"}, tools.NewRegistry(nil), nil, 0, nil)

	srv := New("127.0.0.1:0", orch, agent.NewSessionManager(), mgr, backups, nil)
	return &env{srv: srv, mgr: mgr, root: root, gw: gw}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatStreamsSSE(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: session\n")
	assert.Contains(t, body, "event: token\n")
	assert.Contains(t, body, `"text":"hello "`)
	assert.Contains(t, body, "event: done\n")
}

func TestChatRequiresMessage(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/chat", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelUnknownSession(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/chat/sess_nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecisionEndpoint(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "a.yaml"), []byte("old\n"), 0644))

	cs, err := e.mgr.Propose(context.Background(), "s1", []changeset.ProposedFile{
		{Path: "a.yaml", Content: "new\n"},
	})
	require.NoError(t, err)

	t.Run("unknown id", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/api/changesets/cs_nope/decision", decisionRequest{Approved: true})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("approve applies", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/api/changesets/"+cs.ID+"/decision", decisionRequest{Approved: true})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Success      bool                 `json:"success"`
			Changeset    *changeset.Changeset `json:"changeset"`
			AppliedFiles []string             `json:"applied_files"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, changeset.StatusApplied, resp.Changeset.Status)
		assert.Equal(t, []string{"a.yaml"}, resp.AppliedFiles)

		data, err := os.ReadFile(filepath.Join(e.root, "a.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "new\n", string(data))
	})

	t.Run("second decision conflicts", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/api/changesets/"+cs.ID+"/decision", decisionRequest{Approved: false})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestDecisionValidationFailure(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "a.yaml"), []byte("ok: 1\n"), 0644))

	// Propose syntactically broken YAML; the Local gateway's validation
	// pass rejects it after the write and the manager rolls back.
	cs, err := e.mgr.Propose(context.Background(), "s1", []changeset.ProposedFile{
		{Path: "a.yaml", Content: "broken: [unclosed\n"},
	})
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/api/changesets/"+cs.ID+"/decision", decisionRequest{Approved: true})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp struct {
		Error            map[string]string    `json:"error"`
		ValidationDetail string               `json:"validation_detail"`
		Changeset        *changeset.Changeset `json:"changeset"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "apply_failed", resp.Error["type"])
	assert.Contains(t, resp.ValidationDetail, "a.yaml")

	data, err := os.ReadFile(filepath.Join(e.root, "a.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ok: 1\n", string(data))
}

func TestBackupsAndRollback(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "a.yaml"), []byte("v1\n"), 0644))

	cs, err := e.mgr.Propose(context.Background(), "s1", []changeset.ProposedFile{
		{Path: "a.yaml", Content: "v2\n"},
	})
	require.NoError(t, err)
	_, err = e.mgr.Decide(context.Background(), cs.ID, true, "")
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/backups?path=a.yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Backups []backup.Record `json:"backups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Backups, 1)

	rec = e.do(t, http.MethodPost, "/api/rollback", rollbackRequest{Paths: []string{"a.yaml"}})
	require.Equal(t, http.StatusOK, rec.Code)

	data, err := os.ReadFile(filepath.Join(e.root, "a.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(data))
}

func TestRollbackNoBackups(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/rollback", rollbackRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
