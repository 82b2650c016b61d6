// Command homepilot is a conversational copilot for a managed smart-home
// configuration host. The model proposes file edits as changesets; the
// user reviews the diff and approves or rejects; approved changesets are
// applied atomically with validation and automatic rollback.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"homepilot/internal/config"
	"homepilot/internal/logging"
)

var (
	// Global flags.
	configPath string
	debug      bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "homepilot",
	Short: "homepilot - conversational changeset copilot for a managed configuration host",
	Long: `homepilot lets you talk to an AI model about a configuration host
(a managed directory of YAML plus a device/entity/area registry).

Every change the model proposes becomes a changeset: you see the diff,
you approve or reject, and approved changes are applied atomically with
a snapshot taken first, validation after, and automatic rollback when
validation fails.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.Build(logging.Options{
			Level: cfg.Logging.Level,
			File:  cfg.Logging.File,
			Debug: debug,
		})
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.homepilot/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "force debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(changesetCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
