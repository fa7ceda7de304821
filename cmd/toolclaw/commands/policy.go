package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/config"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/policy"
)

// newPolicyCmd builds the `toolclaw policy` command group.
func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect command policy decisions",
	}
	cmd.AddCommand(newPolicyCheckCmd())
	return cmd
}

func newPolicyCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <command>",
		Short: "Show how the command policy classifies a shell command",
		Long: `Validates a shell command against the configured policy without
executing anything, and prints the decision, risk level and whether
the command is recognized as read-only.

Example:
  toolclaw policy check "rm -rf /tmp/build"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			commands, err := policy.NewCommandPolicy(cfg.CommandPolicyConfig())
			if err != nil {
				return err
			}

			command := strings.Join(args, " ")
			decision := commands.Validate(command)
			risk := policy.CommandRisk(command)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "command:   %s\n", command)
			fmt.Fprintf(out, "base:      %s\n", policy.BaseCommand(command))
			if decision.Allowed {
				fmt.Fprintf(out, "decision:  allowed\n")
			} else {
				fmt.Fprintf(out, "decision:  denied (%s)\n", decision.Reason)
			}
			fmt.Fprintf(out, "risk:      %s\n", risk)
			fmt.Fprintf(out, "read-only: %t\n", policy.IsReadOnly(command))
			if risk.RequiresConfirmation() {
				fmt.Fprintln(out, "this command would require interactive confirmation")
			}
			return nil
		},
	}
}
