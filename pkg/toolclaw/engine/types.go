// Package engine orchestrates tool calls through checkpointing,
// permission gating, supervised sandboxed execution, and rollback.
package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// ToolCall is a single tool invocation from the agent loop.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Args parses the call's arguments into a map. A missing or empty
// arguments object parses to an empty map.
func (c ToolCall) Args() (map[string]any, error) {
	if len(c.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(c.Arguments, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ErrorPayload is the wire form of a failure inside a ToolResult.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ToolResult is the outcome returned to the agent loop. Exactly one is
// produced per call.
type ToolResult struct {
	CallID  string        `json:"call_id"`
	Success bool          `json:"success"`
	Output  *string       `json:"output"`
	Error   *ErrorPayload `json:"error"`

	// SideEffects lists the paths a successful file-affecting call may
	// have touched.
	SideEffects []string `json:"side_effects,omitempty"`

	// RolledBack reports that a checkpoint restore ran after failure.
	RolledBack bool `json:"rolled_back,omitempty"`

	// Attempts counts restarts consumed during supervised execution.
	Attempts int `json:"attempts,omitempty"`
}

// SuccessResult builds a successful result carrying output.
func SuccessResult(callID, output string) ToolResult {
	return ToolResult{CallID: callID, Success: true, Output: &output}
}

// FailureResult builds an error result from any error, classifying it
// through the error taxonomy.
func FailureResult(callID string, err error) ToolResult {
	terr := toolerr.Wrap(toolerr.KindOf(err), err)
	return ToolResult{
		CallID:  callID,
		Success: false,
		Error:   &ErrorPayload{Kind: string(terr.Kind), Message: terr.Message},
	}
}

// OrchestratorContext carries per-call ambient state by value. Nothing
// in the engine reads globals.
type OrchestratorContext struct {
	SessionID  string
	WorkingDir string
	Logger     *slog.Logger
}

func (o OrchestratorContext) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
