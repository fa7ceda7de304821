//go:build !windows

// Package sandbox – exec_host.go implements the host executor used by
// the disabled and permissive modes. Runs commands via os/exec without
// isolation; environment filtering and output caps still apply.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// HostExecutor runs commands directly on the host.
type HostExecutor struct {
	cfg    Config
	filter *EnvFilter
	logger *slog.Logger
}

// NewHostExecutor creates a host executor.
func NewHostExecutor(cfg Config, logger *slog.Logger) *HostExecutor {
	return &HostExecutor{cfg: cfg, filter: NewEnvFilter(cfg), logger: logger}
}

// Execute runs the command without isolation.
func (e *HostExecutor) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	cmd, err := e.buildCommand(ctx, req)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	err = cmd.Run()

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return result, fmt.Errorf("executing command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			result.Killed = true
			result.KillReason = "timeout"
		}
	}
	return result, nil
}

// Available always returns true.
func (e *HostExecutor) Available() bool { return true }

// Name returns the backend name.
func (e *HostExecutor) Name() string { return "host" }

// Close is a no-op.
func (e *HostExecutor) Close() error { return nil }

func (e *HostExecutor) buildCommand(ctx context.Context, req *ExecRequest) (*exec.Cmd, error) {
	bin, args, err := resolveArgv(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, bin, args...)

	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	} else if e.cfg.WorkDir != "" {
		cmd.Dir = e.cfg.WorkDir
	}

	// The host executor keeps the parent environment minus blocked
	// vars, then appends vetted request vars.
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if name == "PATH" || e.filter.Permit(name) {
			env = append(env, kv)
		}
	}
	for k, v := range e.filter.Filter(req.Env) {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	// New process group so the whole tree dies on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	return cmd, nil
}
