// Package hooks – external.go runs externally configured hook
// executables. Each receives the Input payload as JSON on stdin; for
// pre hooks a non-zero exit vetoes the tool call, with stderr as the
// reason.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// ExternalHook describes one configured hook executable.
type ExternalHook struct {
	// Name identifies the hook in logs and config.
	Name string `yaml:"name"`

	// Event selects when the hook fires.
	Event Event `yaml:"event"`

	// Command is the executable and its arguments.
	Command []string `yaml:"command"`

	// Matcher restricts the hook to one tool name. Empty matches all.
	Matcher string `yaml:"matcher"`
}

// RegisterExternal wires configured executables into the manager. The
// hook process runs under the dispatch context plus HookTimeout, in a
// process group that is killed wholesale on cancellation.
func (m *Manager) RegisterExternal(hooks []ExternalHook) error {
	for i, h := range hooks {
		if len(h.Command) == 0 {
			return fmt.Errorf("external hook %q has no command", h.Name)
		}
		switch h.Event {
		case EventPreToolUse, EventPostToolUse, EventPostToolUseFailure:
		default:
			return fmt.Errorf("external hook %q has unknown event %q", h.Name, h.Event)
		}
		hook := h
		// External hooks run after in-process ones, in config order.
		m.RegisterMatched(hook.Name, hook.Event, 1000+i, hook.Matcher, func(ctx context.Context, in Input) Outcome {
			return m.runExternal(ctx, hook, in)
		})
	}
	return nil
}

func (m *Manager) runExternal(ctx context.Context, hook ExternalHook, in Input) Outcome {
	payload, err := json.Marshal(in)
	if err != nil {
		m.logger.Error("marshaling hook payload", "hook", hook.Name, "error", err)
		return Continue()
	}

	runCtx, cancel := context.WithTimeout(ctx, m.HookTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, hook.Command[0], hook.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	if in.Cwd != "" {
		cmd.Dir = in.Cwd
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcessGroup(cmd)

	err = cmd.Run()
	if err == nil {
		return Continue()
	}

	if runCtx.Err() != nil {
		m.logger.Warn("external hook timed out",
			"hook", hook.Name, "timeout", m.HookTimeout)
		// A hung hook must not veto by accident.
		return Continue()
	}

	// Non-zero exit from a pre hook vetoes the call.
	if in.Event == EventPreToolUse {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = fmt.Sprintf("hook %s exited non-zero", hook.Name)
		}
		return Block(reason)
	}

	m.logger.Warn("external post hook failed",
		"hook", hook.Name, "error", err, "stderr", stderr.String())
	return Continue()
}
