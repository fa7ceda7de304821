package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/audit"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/config"
)

// newAuditCmd builds the `toolclaw audit` command.
func newAuditCmd() *cobra.Command {
	var (
		session string
		tool    string
		evType  string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if !cfg.Audit.Enabled {
				return fmt.Errorf("audit trail is disabled in the configuration")
			}

			log, err := audit.Open(cfg.Audit.Path, nil)
			if err != nil {
				return err
			}
			defer log.Close()

			records, err := log.Recent(cmd.Context(), audit.QueryOptions{
				SessionID: session,
				Tool:      tool,
				Type:      audit.EventType(evType),
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "no audit records")
				return nil
			}
			for _, r := range records {
				verdict := "denied"
				if r.Allowed {
					verdict = "allowed"
				}
				fmt.Fprintf(out, "%s  %-19s %-10s %-12s %-7s %s\n",
					r.Timestamp.Format("2006-01-02 15:04:05"),
					r.Type, r.SessionID, r.Tool, verdict, r.Detail)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "filter by session id")
	cmd.Flags().StringVar(&tool, "tool", "", "filter by tool name")
	cmd.Flags().StringVar(&evType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}
