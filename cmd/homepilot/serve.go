package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"homepilot/internal/changeset"
	"homepilot/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the homepilot HTTP server",
	Long: `Serves the chat SSE stream and the changeset review API on the
configured listen address. Stops cleanly on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		// Staleness watcher over the managed root; losing it degrades
		// the stale flag, nothing else.
		if w, err := changeset.NewWatcher(cfg.Host.ConfigRoot, a.manager, logger); err != nil {
			logger.Warn("staleness watcher unavailable", zap.Error(err))
		} else {
			go func() {
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("staleness watcher stopped", zap.Error(err))
				}
			}()
		}

		srv := server.New(cfg.Server.Listen, a.orch, a.sessions, a.manager, a.backups, logger)
		if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
