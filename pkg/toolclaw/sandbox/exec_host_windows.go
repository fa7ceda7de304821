//go:build windows

// Package sandbox – Windows build of the host executor. No process
// groups or namespaces; CommandContext termination only.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
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
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.EqualFold(name, "PATH") || e.filter.Permit(name) {
			env = append(env, kv)
		}
	}
	for k, v := range e.filter.Filter(req.Env) {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	err = cmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
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
