// Package commands implements the toolclaw CLI command tree using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolclaw",
		Short: "Sandboxed tool execution engine",
		Long: `toolclaw executes tool calls inside a policy-enforced sandbox with
checkpoints, permission gating, hooks and an audit trail.

Examples:
  toolclaw run call.json
  echo '{"name":"bash","arguments":{"command":"ls"}}' | toolclaw run
  toolclaw shell
  toolclaw checkpoint list
  toolclaw policy check "rm -rf /tmp/build"
  toolclaw config init`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newShellCmd(),
		newCheckpointCmd(),
		newPolicyCmd(),
		newConfigCmd(),
		newAuditCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
