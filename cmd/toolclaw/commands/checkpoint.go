package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/checkpoint"
)

// newCheckpointCmd builds the `toolclaw checkpoint` command group.
func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and restore pre-call file snapshots",
	}
	cmd.AddCommand(
		newCheckpointListCmd(),
		newCheckpointRestoreCmd(),
		newCheckpointPruneCmd(),
	)
	return cmd
}

func newCheckpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.checkpoints == nil {
				return fmt.Errorf("checkpoints are disabled in the configuration")
			}

			cps := app.checkpoints.List()
			if len(cps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no checkpoints")
				return nil
			}
			for _, cp := range cps {
				state := "in-flight"
				if cp.Committed {
					state = "committed"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %-10s %d file(s)  %s\n",
					cp.ShortID(), cp.ToolName, state, len(cp.Files),
					cp.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newCheckpointRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore the files recorded in a checkpoint",
		Long: `Restores every file in the checkpoint to its snapshotted state.
The id may be a unique prefix. Current file contents are backed up
into a new checkpoint first, so a restore can itself be undone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.checkpoints == nil {
				return fmt.Errorf("checkpoints are disabled in the configuration")
			}

			cp, err := app.checkpoints.FindByPrefix(args[0])
			if err != nil {
				return err
			}
			result, err := app.checkpoints.Restore(cmd.Context(), cp.ID, checkpoint.DefaultRestoreOptions())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d file(s) from checkpoint %s\n",
				result.Count(), cp.ShortID())
			if result.BackupID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "previous state backed up as %s\n", result.BackupID[:8])
			}
			return nil
		},
	}
}

func newCheckpointPruneCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old committed checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.checkpoints == nil {
				return fmt.Errorf("checkpoints are disabled in the configuration")
			}

			if keep <= 0 {
				keep = app.cfg.Checkpoints.KeepLast
			}
			removed, err := app.checkpoints.Prune(keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d checkpoint(s), keeping the last %d\n", removed, keep)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "how many recent checkpoints to keep (default from config)")
	return cmd
}
