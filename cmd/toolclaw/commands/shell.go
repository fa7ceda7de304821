package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/engine"
)

// newShellCmd builds the `toolclaw shell` interactive REPL.
func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive tool call REPL",
		Long: `Starts an interactive shell. Each line is a tool name followed by
its JSON arguments. Lines starting with ! run as bash commands.

Examples:
  toolclaw> read_file {"file_path": "main.go"}
  toolclaw> !git status
  toolclaw> :tools`,
		Args: cobra.NoArgs,
		RunE: runShell,
	}
}

func runShell(cmd *cobra.Command, _ []string) error {
	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	items := make([]readline.PrefixCompleterInterface, 0, len(app.registry.Names())+4)
	for _, name := range app.registry.Names() {
		items = append(items, readline.PcItem(name))
	}
	items = append(items,
		readline.PcItem(":tools"),
		readline.PcItem(":checkpoints"),
		readline.PcItem(":help"),
		readline.PcItem("exit"),
	)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "toolclaw> ",
		HistoryFile:     filepath.Join(app.cfg.WorkDir, ".toolclaw", "history"),
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "toolclaw shell (session %s). Type :help for commands, exit to quit.\n", app.cfg.Session)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		case line == ":help":
			printShellHelp(out)
			continue
		case line == ":tools":
			for _, name := range app.registry.Names() {
				tool, _ := app.registry.Get(name)
				fmt.Fprintf(out, "  %-12s %s\n", name, tool.Description)
			}
			continue
		case line == ":checkpoints":
			printCheckpoints(out, app)
			continue
		}

		call, err := parseShellLine(line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		result := app.orchestrator.Execute(cmd.Context(), app.octx(), call)
		printResult(out, result)
	}
	return nil
}

// parseShellLine turns a REPL line into a tool call. A leading !
// is shorthand for the bash tool.
func parseShellLine(line string) (engine.ToolCall, error) {
	call := engine.ToolCall{ID: uuid.NewString()}

	if strings.HasPrefix(line, "!") {
		command := strings.TrimSpace(strings.TrimPrefix(line, "!"))
		if command == "" {
			return call, fmt.Errorf("empty command after !")
		}
		args, _ := json.Marshal(map[string]any{"command": command})
		call.Name = "bash"
		call.Arguments = args
		return call, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	call.Name = name
	rest = strings.TrimSpace(rest)
	if rest == "" {
		call.Arguments = json.RawMessage(`{}`)
		return call, nil
	}
	if !json.Valid([]byte(rest)) {
		return call, fmt.Errorf("arguments must be a JSON object, got %q", rest)
	}
	call.Arguments = json.RawMessage(rest)
	return call, nil
}

func printResult(out io.Writer, result engine.ToolResult) {
	if result.Success {
		if result.Output != nil && *result.Output != "" {
			fmt.Fprintln(out, *result.Output)
		} else {
			fmt.Fprintln(out, "ok")
		}
		return
	}
	fmt.Fprintf(out, "error (%s): %s\n", result.Error.Kind, result.Error.Message)
	if result.RolledBack {
		fmt.Fprintln(out, "changes rolled back to the pre-call checkpoint")
	}
}

func printCheckpoints(out io.Writer, a *app) {
	if a.checkpoints == nil {
		fmt.Fprintln(out, "checkpoints are disabled")
		return
	}
	cps := a.checkpoints.List()
	if len(cps) == 0 {
		fmt.Fprintln(out, "no checkpoints")
		return
	}
	for _, cp := range cps {
		state := "in-flight"
		if cp.Committed {
			state = "committed"
		}
		fmt.Fprintf(out, "  %s  %-12s %-10s %d file(s)  %s\n",
			cp.ShortID(), cp.ToolName, state, len(cp.Files),
			cp.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

func printShellHelp(out io.Writer) {
	fmt.Fprint(out, `Commands:
  <tool> {json}   execute a tool call, e.g. read_file {"file_path": "a.go"}
  !<command>      shorthand for bash {"command": "<command>"}
  :tools          list registered tools
  :checkpoints    list checkpoints
  :help           this help
  exit            leave the shell
`)
}
