package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"homepilot/internal/agent"
	"homepilot/internal/backup"
	"homepilot/internal/changeset"
	"homepilot/internal/gateway"
)

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

type decisionRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

type rollbackRequest struct {
	Paths []string `json:"paths,omitempty"`
}

// handleChat runs one turn and streams its events as SSE. The client
// going away cancels the turn.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "message is required")
		return
	}

	sess := s.sessions.GetOrCreate(req.SessionID)
	events, err := s.orch.Run(r.Context(), sess, req.Message)
	if err != nil {
		if errors.Is(err, agent.ErrTurnInProgress) {
			writeError(w, http.StatusConflict, "busy", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	stream, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	stream.send("session", map[string]string{"session_id": sess.ID})

	for ev := range events {
		switch ev.Type {
		case agent.EventToken:
			stream.send("token", map[string]string{"text": ev.Token})
		case agent.EventToolCall:
			stream.send("tool_call", ev.Call)
		case agent.EventToolResult:
			stream.send("tool_result", map[string]string{
				"tool_call_id": ev.Result.ToolCallID,
				"name":         ev.Result.Name,
				"content":      ev.Result.Content,
			})
		case agent.EventError:
			stream.send("error", map[string]string{"message": ev.Err.Error()})
		case agent.EventDone:
			payload := map[string]any{"session_id": sess.ID}
			if ev.Usage != nil {
				payload["usage"] = ev.Usage
			}
			stream.send("done", payload)
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(r.PathValue("session"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown session")
		return
	}
	cancelled := sess.CancelTurn()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleListChangesets(w http.ResponseWriter, r *http.Request) {
	var (
		sets []*changeset.Changeset
		err  error
	)
	if r.URL.Query().Get("pending") != "" {
		sets, err = s.manager.ListPending(r.Context())
	} else {
		sets, err = s.manager.List(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if sets == nil {
		sets = []*changeset.Changeset{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changesets": sets})
}

func (s *Server) handleGetChangeset(w http.ResponseWriter, r *http.Request) {
	cs, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, changeset.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

// handleDecision resolves a pending changeset. Validation failures come
// back as a structured error alongside the rolled-back changeset so the
// client can show what went wrong.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid decision body")
		return
	}

	cs, err := s.manager.Decide(r.Context(), id, req.Approved, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, changeset.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, changeset.ErrAlreadyDecided):
			writeError(w, http.StatusConflict, "already_decided", err.Error())
		default:
			// Apply pipeline failure: the changeset rolled back.
			s.logger.Warn("apply failed", zap.String("id", id), zap.Error(err))
			payload := map[string]any{
				"error": map[string]string{"type": "apply_failed", "message": err.Error()},
			}
			var vErr *gateway.ValidationError
			if errors.As(err, &vErr) {
				payload["validation_detail"] = vErr.Detail
			}
			if cs != nil {
				payload["changeset"] = cs
			}
			writeJSON(w, http.StatusUnprocessableEntity, payload)
		}
		return
	}

	applied := []string{}
	if cs.Status == changeset.StatusApplied {
		applied = cs.Paths()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"changeset":     cs,
		"applied_files": applied,
	})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	recs, err := s.backups.List(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if recs == nil {
		recs = []backup.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": recs})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid rollback body")
			return
		}
	}

	if err := s.manager.Rollback(r.Context(), req.Paths); err != nil {
		switch {
		case errors.Is(err, backup.ErrNoBackup):
			writeError(w, http.StatusNotFound, "no_backup", err.Error())
		case errors.Is(err, gateway.ErrInvalidPath):
			writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"type": errType, "message": msg},
	})
}
