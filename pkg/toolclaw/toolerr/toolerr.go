// Package toolerr defines the error taxonomy shared by every layer of
// the execution engine. Components convert their internal failures into
// a *Error at their boundary so callers can branch on Kind without
// losing the originating tool, command, or path.
package toolerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an execution failure.
type Kind string

const (
	// KindPermissionDenied means the permission gate or policy refused
	// the operation. Terminal for the call, non-fatal for the session.
	KindPermissionDenied Kind = "permission_denied"

	// KindSandboxViolation means the command or path violated sandbox
	// policy. Terminal for the call.
	KindSandboxViolation Kind = "sandbox_violation"

	// KindTimeout means the execution exceeded its deadline. Transient.
	KindTimeout Kind = "timeout"

	// KindExecutionFailed means the tool ran and failed.
	KindExecutionFailed Kind = "execution_failed"

	// KindCancelled means the caller cancelled the execution.
	KindCancelled Kind = "cancelled"

	// KindCircuitOpen means a circuit breaker refused the attempt.
	// Transient.
	KindCircuitOpen Kind = "circuit_open"

	// KindRateLimited means a rate limiter refused the attempt.
	// Transient.
	KindRateLimited Kind = "rate_limited"

	// KindCheckpointFailure means a snapshot or restore failed. Fatal
	// for the current call; never swallowed.
	KindCheckpointFailure Kind = "checkpoint_failure"
)

// Transient reports whether a failure of this kind may succeed on
// retry. Permission and sandbox refusals are deliberate decisions, not
// flakes, so retrying them is pointless.
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindCircuitOpen:
		return true
	}
	return false
}

// Error is the unified error carried across component boundaries.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// Tool is the tool name the failure belongs to, when known.
	Tool string `json:"tool,omitempty"`

	// Command is the offending command for policy denials.
	Command string `json:"command,omitempty"`

	// Path is the offending path for path policy denials.
	Path string `json:"path,omitempty"`

	wrapped error
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap converts err into a *Error of the given kind, preserving the
// original for errors.Is/As chains. A nil err returns nil.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: kind, Message: err.Error(), wrapped: err}
}

// WithTool returns a copy annotated with the tool name.
func (e *Error) WithTool(tool string) *Error {
	c := *e
	c.Tool = tool
	return &c
}

// WithCommand returns a copy annotated with the offending command.
func (e *Error) WithCommand(cmd string) *Error {
	c := *e
	c.Command = cmd
	return &c
}

// WithPath returns a copy annotated with the offending path.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

func (e *Error) Error() string {
	switch {
	case e.Command != "":
		return fmt.Sprintf("%s: %s (command: %s)", e.Kind, e.Message, e.Command)
	case e.Path != "":
		return fmt.Sprintf("%s: %s (path: %s)", e.Kind, e.Message, e.Path)
	case e.Tool != "":
		return fmt.Sprintf("%s: %s (tool: %s)", e.Kind, e.Message, e.Tool)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches on Kind so callers can use errors.Is with a sentinel
// like &Error{Kind: KindTimeout}.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind
}

// KindOf extracts the Kind from an arbitrary error chain. Context
// cancellation and deadline errors map to their taxonomy kinds;
// anything unrecognized is an execution failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindExecutionFailed
}

// Transient reports whether err classifies as retryable.
func Transient(err error) bool {
	return KindOf(err).Transient()
}
