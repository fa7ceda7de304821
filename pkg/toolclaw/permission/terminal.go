package permission

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// TerminalHandler asks the user at the controlling terminal. When stdin
// is not a TTY there is nobody to ask, so every request is denied.
type TerminalHandler struct{}

func NewTerminalHandler() *TerminalHandler { return &TerminalHandler{} }

// Confirm implements Handler.
func (h *TerminalHandler) Confirm(ctx context.Context, req Request) (Verdict, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return Verdict{
			Decision: Denied,
			Reason:   "confirmation required but no terminal attached",
		}, nil
	}

	options := req.Options
	if len(options) == 0 {
		options = StandardOptions
	}
	opts := make([]huh.Option[int], len(options))
	for i, o := range options {
		opts[i] = huh.NewOption(o, i)
	}

	var choice int
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[int]().
				Title(req.Prompt).
				Description(fmt.Sprintf("tool: %s  risk: %s", req.ToolName, req.Risk)).
				Options(opts...).
				Value(&choice),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return Verdict{Decision: Denied, Reason: "aborted at prompt"}, nil
		}
		return Verdict{}, err
	}

	return verdictForChoice(options, choice), nil
}

// verdictForChoice maps a selected option index onto a verdict. The
// mapping follows StandardOptions ordering: anything but the last
// option approves, and the middle option of a three-way prompt also
// trusts the session.
func verdictForChoice(options []string, choice int) Verdict {
	if choice < 0 || choice >= len(options) || choice == len(options)-1 {
		return Verdict{Decision: Denied, Reason: "user denied"}
	}
	return Verdict{
		Decision:        Approved,
		RememberSession: len(options) == 3 && choice == 1,
	}
}
