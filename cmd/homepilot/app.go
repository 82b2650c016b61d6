package main

import (
	"fmt"

	"go.uber.org/zap"

	"homepilot/internal/agent"
	"homepilot/internal/backup"
	"homepilot/internal/changeset"
	"homepilot/internal/config"
	"homepilot/internal/gateway"
	"homepilot/internal/provider"
	"homepilot/internal/store"
	"homepilot/internal/tools"
	"homepilot/internal/tools/builtin"
)

// app holds the wired process services. Constructed once per command.
type app struct {
	db       *store.Store
	gw       gateway.Gateway
	backups  *backup.Store
	manager  *changeset.Manager
	registry *tools.Registry
	sessions *agent.SessionManager
	orch     *agent.Orchestrator
}

// newApp builds the full service graph from configuration.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}

	local, err := gateway.NewLocal(cfg.Host.ConfigRoot, cfg.Host.ReloadHook, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	var gw gateway.Gateway = local
	if cfg.Host.BaseURL != "" {
		gw = gateway.NewRemote(local, cfg.Host.BaseURL, cfg.Host.WebsocketURL, cfg.Host.Token, cfg.ProviderTimeout(), logger)
	}

	backups := backup.New(db, logger)
	manager := changeset.NewManager(db, backups, gw, changeset.Options{
		BackupKeep:  cfg.Backup.Keep,
		ProposalTTL: cfg.ProposalTTL(),
	}, logger)

	registry := tools.NewRegistry(logger)
	registry.SetLimits(cfg.Provider.MaxConcurrent, cfg.ToolTimeout())
	if err := builtin.RegisterAll(registry, gw, manager); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.Provider.APIKey == "" {
		logger.Warn("no API key configured; set HOMEPILOT_API_KEY or provider.api_key")
	}
	client := provider.New(provider.Config{
		APIKey:        cfg.Provider.APIKey,
		BaseURL:       cfg.Provider.BaseURL,
		Model:         cfg.Provider.Model,
		Timeout:       cfg.ProviderTimeout(),
		MaxRetries:    cfg.Provider.MaxRetries,
		MaxConcurrent: cfg.Provider.MaxConcurrent,
	}, logger)

	orch := agent.NewOrchestrator(
		client,
		registry,
		agent.NewPromptBuilder(gw, cfg.Host.ConfigRoot),
		cfg.Agent.MaxToolRounds,
		logger,
	)

	return &app{
		db:       db,
		gw:       gw,
		backups:  backups,
		manager:  manager,
		registry: registry,
		sessions: agent.NewSessionManager(),
		orch:     orch,
	}, nil
}

// close releases process resources.
func (a *app) close() error {
	var errs []error
	if closer, ok := a.gw.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close: %v", errs)
	}
	return nil
}
