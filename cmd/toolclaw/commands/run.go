package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/engine"
)

// newRunCmd builds the `toolclaw run` command.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [file]",
		Short: "Execute tool calls from JSON",
		Long: `Reads one tool call (a JSON object) or a batch (a JSON array) from
the given file or stdin, executes it, and prints the results as JSON.

Examples:
  toolclaw run call.json
  echo '{"name":"bash","arguments":{"command":"ls"}}' | toolclaw run
  echo '[{"name":"read_file","arguments":{"file_path":"a.go"}},
         {"name":"read_file","arguments":{"file_path":"b.go"}}]' | toolclaw run`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) > 0 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	calls, batch, err := parseCalls(data)
	if err != nil {
		return err
	}

	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	octx := app.octx()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if batch {
		results := app.batch.Execute(ctx, octx, calls)
		if err := enc.Encode(results); err != nil {
			return err
		}
		for _, r := range results {
			if !r.Success {
				return fmt.Errorf("%d of %d calls failed", countFailed(results), len(results))
			}
		}
		return nil
	}

	result := app.orchestrator.Execute(ctx, octx, calls[0])
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("tool call failed: %s", result.Error.Message)
	}
	return nil
}

// parseCalls accepts either a single tool call object or an array of
// them, filling in missing call IDs.
func parseCalls(data []byte) ([]engine.ToolCall, bool, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, false, fmt.Errorf("empty input, expected a tool call JSON object or array")
	}

	var calls []engine.ToolCall
	batch := strings.HasPrefix(trimmed, "[")
	if batch {
		if err := json.Unmarshal(data, &calls); err != nil {
			return nil, false, fmt.Errorf("parsing tool call array: %w", err)
		}
	} else {
		var call engine.ToolCall
		if err := json.Unmarshal(data, &call); err != nil {
			return nil, false, fmt.Errorf("parsing tool call: %w", err)
		}
		calls = []engine.ToolCall{call}
	}
	if len(calls) == 0 {
		return nil, false, fmt.Errorf("no tool calls in input")
	}
	for i := range calls {
		if calls[i].Name == "" {
			return nil, false, fmt.Errorf("tool call %d has no name", i)
		}
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
	}
	return calls, batch, nil
}

func countFailed(results []engine.ToolResult) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}
