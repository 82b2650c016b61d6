// Package logging builds the process-wide zap logger and owns the
// canonical component names used with Logger.Named.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component names. Every package scopes the root logger with one of these
// so log lines can be filtered by subsystem.
const (
	CategoryAgent     = "agent"
	CategoryProvider  = "provider"
	CategoryTools     = "tools"
	CategoryChangeset = "changeset"
	CategoryBackup    = "backup"
	CategoryGateway   = "gateway"
	CategoryStore     = "store"
	CategoryServer    = "server"
)

// Options controls how the root logger is built.
type Options struct {
	Level string // debug, info, warn, error; empty means info
	File  string // additional log file path; empty means stderr only
	Debug bool   // forces debug level regardless of Level
}

// Build constructs the root logger. Production config with ISO8601
// timestamps; a file sink is appended when configured.
func Build(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}
	if opts.Debug {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	cfg.OutputPaths = []string{"stderr"}
	if opts.File != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, opts.File)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
