package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/config"
)

// newConfigCmd builds the `toolclaw config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the toolclaw configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a commented default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "toolclaw.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			source := cfgPath
			if source == "" {
				source = config.Find()
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if source == "" {
				fmt.Fprintln(out, "config file:     (none, built-in defaults)")
			} else {
				fmt.Fprintf(out, "config file:     %s\n", source)
			}
			fmt.Fprintf(out, "session:         %s\n", cfg.Session)
			fmt.Fprintf(out, "work dir:        %s\n", cfg.WorkDir)
			fmt.Fprintf(out, "permission mode: %s\n", cfg.PermissionMode)
			fmt.Fprintf(out, "sandbox:         %s/%s\n", cfg.Sandbox.Mode, cfg.Sandbox.Strictness)
			fmt.Fprintf(out, "call timeout:    %s\n", cfg.Execution.CallTimeout)
			fmt.Fprintf(out, "checkpoints:     enabled=%t dir=%s keep=%d\n",
				cfg.Checkpoints.Enabled, cfg.Checkpoints.Dir, cfg.Checkpoints.KeepLast)
			fmt.Fprintf(out, "audit:           enabled=%t path=%s\n", cfg.Audit.Enabled, cfg.Audit.Path)
			fmt.Fprintf(out, "hooks:           %d configured\n", len(cfg.Hooks))
			return nil
		},
	}
}
