// Package server exposes homepilot over HTTP: a server-sent-events chat
// stream plus JSON endpoints for changeset review, backups, and
// rollback.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"homepilot/internal/agent"
	"homepilot/internal/backup"
	"homepilot/internal/changeset"
)

// Server wires the HTTP surface to the core services.
type Server struct {
	orch     *agent.Orchestrator
	sessions *agent.SessionManager
	manager  *changeset.Manager
	backups  *backup.Store
	logger   *zap.Logger

	httpSrv *http.Server
}

// New builds the server for the given listen address.
func New(listen string, orch *agent.Orchestrator, sessions *agent.SessionManager, manager *changeset.Manager, backups *backup.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:     orch,
		sessions: sessions,
		manager:  manager,
		backups:  backups,
		logger:   logger.Named("server"),
	}
	s.httpSrv = &http.Server{
		Addr:              listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/{session}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/changesets", s.handleListChangesets)
	mux.HandleFunc("GET /api/changesets/{id}", s.handleGetChangeset)
	mux.HandleFunc("POST /api/changesets/{id}/decision", s.handleDecision)
	mux.HandleFunc("GET /api/backups", s.handleListBackups)
	mux.HandleFunc("POST /api/rollback", s.handleRollback)
	return s.logRequests(mux)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully. A
// background ticker expires stale proposals once an hour.
func (s *Server) Run(ctx context.Context) error {
	if n, err := s.manager.ExpireStale(ctx); err != nil {
		s.logger.Warn("startup expiry failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("expired proposals on startup", zap.Int("count", n))
	}

	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.manager.ExpireStale(ctx); err != nil {
					s.logger.Warn("proposal expiry failed", zap.Error(err))
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.httpSrv.Addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		<-tickerDone
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	<-tickerDone
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}

// logRequests wraps the mux with access logging.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
