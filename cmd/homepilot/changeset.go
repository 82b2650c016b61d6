package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"homepilot/internal/changeset"
	"homepilot/internal/ux"
)

var (
	decideApprove bool
	decideReject  bool
	decideReason  string
	listPending   bool
)

var changesetCmd = &cobra.Command{
	Use:   "changeset",
	Short: "Inspect and decide changesets",
}

var changesetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List changesets, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		var sets []*changeset.Changeset
		if listPending {
			sets, err = a.manager.ListPending(cmd.Context())
		} else {
			sets, err = a.manager.List(cmd.Context())
		}
		if err != nil {
			return err
		}
		if len(sets) == 0 {
			fmt.Println("no changesets")
			return nil
		}

		for _, cs := range sets {
			fmt.Printf("%s  %-12s  %d file(s)  %s", cs.ID, ux.StatusBadge(cs.Status), len(cs.Files), cs.CreatedAt.Format("2006-01-02 15:04:05"))
			if cs.Stale {
				fmt.Printf("  %s", ux.StaleMarker())
			}
			fmt.Println()
		}
		return nil
	},
}

var changesetShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a changeset with its diffs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		cs, err := a.manager.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("changeset %s\nstatus:   %s\ncreated:  %s\n", cs.ID, ux.StatusBadge(cs.Status), cs.CreatedAt.Format("2006-01-02 15:04:05"))
		if cs.SessionID != "" {
			fmt.Printf("session:  %s\n", cs.SessionID)
		}
		if cs.Reason != "" {
			fmt.Printf("reason:   %s\n", cs.Reason)
		}
		if cs.Stale {
			fmt.Printf("%s\n", ux.StaleMarker())
		}
		for _, f := range cs.Files {
			fmt.Println()
			fmt.Print(ux.Diff(f.Preview))
		}
		return nil
	},
}

var changesetDecideCmd = &cobra.Command{
	Use:   "decide [id]",
	Short: "Approve or reject a pending changeset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if decideApprove == decideReject {
			return fmt.Errorf("pass exactly one of --approve or --reject")
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		cs, err := a.manager.Decide(cmd.Context(), args[0], decideApprove, decideReason)
		if err != nil {
			if cs != nil {
				fmt.Printf("changeset %s: %s\n", cs.ID, ux.StatusBadge(cs.Status))
			}
			return err
		}
		fmt.Printf("changeset %s: %s\n", cs.ID, ux.StatusBadge(cs.Status))
		return nil
	},
}

func init() {
	changesetListCmd.Flags().BoolVar(&listPending, "pending", false, "only proposals awaiting a decision")
	changesetDecideCmd.Flags().BoolVar(&decideApprove, "approve", false, "apply the changeset")
	changesetDecideCmd.Flags().BoolVar(&decideReject, "reject", false, "reject the changeset")
	changesetDecideCmd.Flags().StringVar(&decideReason, "reason", "", "decision note")

	changesetCmd.AddCommand(changesetListCmd)
	changesetCmd.AddCommand(changesetShowCmd)
	changesetCmd.AddCommand(changesetDecideCmd)
}
