package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Inspect file snapshots",
}

var backupListCmd = &cobra.Command{
	Use:   "list [path]",
	Short: "List snapshots, newest first (all paths when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		recs, err := a.backups.List(cmd.Context(), path)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("no backups")
			return nil
		}
		for _, r := range recs {
			fmt.Printf("%6d  %s  %s  %s\n", r.ID, r.Timestamp.Format("2006-01-02 15:04:05"), r.Path, r.ContentRef[:12])
		}
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [paths...]",
	Short: "Restore files from their most recent snapshot",
	Long: `Safety net for a change that was applied but later found to break
the host: each named file is restored from its newest snapshot. With no
arguments every file that has a snapshot is restored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.manager.Rollback(cmd.Context(), args); err != nil {
			return err
		}
		fmt.Println("rollback complete")
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupListCmd)
}
