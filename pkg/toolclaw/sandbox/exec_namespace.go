//go:build linux

// Package sandbox – exec_namespace.go implements the enforcing
// executor using Linux namespaces for lightweight process isolation.
//
// This executor provides:
//   - PID namespace isolation (the process cannot see others)
//   - Network namespace isolation (blocks network unless allowed)
//   - Mount namespace isolation
//   - Resource limits via rlimit (best effort)
//   - A minimal filtered environment
//
// Requires Linux with unprivileged user namespaces enabled.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// trustedBinDirs are the only directories from which command binaries
// may be resolved. Prevents PATH hijacking where a writable directory
// earlier in PATH shadows a trusted system binary.
var trustedBinDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/local/sbin",
	"/usr/sbin",
	"/sbin",
}

// NamespaceExecutor runs commands under Linux namespace isolation.
type NamespaceExecutor struct {
	cfg    Config
	filter *EnvFilter
	logger *slog.Logger
}

// NewNamespaceExecutor creates an enforcing executor.
func NewNamespaceExecutor(cfg Config, logger *slog.Logger) *NamespaceExecutor {
	return &NamespaceExecutor{cfg: cfg, filter: NewEnvFilter(cfg), logger: logger}
}

// Execute runs the command with namespace isolation.
func (e *NamespaceExecutor) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
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

		// Signal classification: OOM and CPU-limit kills show up as
		// signals, not exit codes.
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.Killed = true
			switch status.Signal() {
			case syscall.SIGKILL:
				result.KillReason = "killed (possible OOM)"
			case syscall.SIGXCPU:
				result.KillReason = "cpu_limit"
			default:
				result.KillReason = fmt.Sprintf("signal_%d", status.Signal())
			}
		}
		if ctx.Err() != nil {
			result.Killed = true
			result.KillReason = "timeout"
		}
	}
	return result, nil
}

// Available checks whether unprivileged user namespaces are enabled.
func (e *NamespaceExecutor) Available() bool {
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err == nil {
		return strings.TrimSpace(string(data)) == "1"
	}
	// Many distros enable user namespaces without exposing the knob.
	return true
}

// Name returns the backend name.
func (e *NamespaceExecutor) Name() string { return "namespace" }

// Close is a no-op.
func (e *NamespaceExecutor) Close() error { return nil }

func (e *NamespaceExecutor) buildCommand(ctx context.Context, req *ExecRequest) (*exec.Cmd, error) {
	bin, args, err := resolveArgv(req)
	if err != nil {
		return nil, err
	}

	// The resolved binary must live under a trusted system directory.
	// A writable ~/bin/python3 shadowing /usr/bin/python3 is rejected
	// here.
	verified, err := verifyTrustedBin(bin)
	if err != nil {
		return nil, fmt.Errorf("binary verification failed for %q: %w", bin, err)
	}

	cmd := exec.CommandContext(ctx, verified, args...)

	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	} else if e.cfg.WorkDir != "" {
		cmd.Dir = e.cfg.WorkDir
	}

	cmd.Env = e.filter.BaseEnv(req.Env)

	cmd.SysProcAttr = &syscall.SysProcAttr{
		// New process group for clean termination.
		Setpgid: true,

		// CLONE_NEWPID isolates process IDs, CLONE_NEWNS mount points,
		// CLONE_NEWUSER gives an unprivileged user namespace.
		Cloneflags: syscall.CLONE_NEWPID |
			syscall.CLONE_NEWNS |
			syscall.CLONE_NEWUSER |
			e.netCloneFlag(),

		// Map the current user to root inside the namespace.
		UidMappings: []syscall.SysProcIDMap{{
			ContainerID: 0,
			HostID:      os.Getuid(),
			Size:        1,
		}},
		GidMappings: []syscall.SysProcIDMap{{
			ContainerID: 0,
			HostID:      os.Getgid(),
			Size:        1,
		}},
	}

	// Kill the whole process group on cancel.
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	return cmd, nil
}

// netCloneFlag returns CLONE_NEWNET when the network must be blocked.
// A fresh network namespace has no interfaces, so the process cannot
// reach anything.
func (e *NamespaceExecutor) netCloneFlag() uintptr {
	if !e.cfg.NetworkAllowed() {
		return syscall.CLONE_NEWNET
	}
	return 0
}

// verifyTrustedBin resolves a binary via exec.LookPath and confirms
// the resolved path is rooted under a trusted system directory.
//
// filepath.EvalSymlinks is deliberately not applied: a symlink at
// /usr/bin/python3 pointing to /usr/bin/python3.11 is legitimate; only
// the entry location matters.
func verifyTrustedBin(name string) (string, error) {
	resolved, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("binary not found: %w", err)
	}
	resolved = filepath.Clean(resolved)

	for _, trusted := range trustedBinDirs {
		// Trailing slash so /usr/bins cannot match /usr/bin.
		if resolved == trusted || strings.HasPrefix(resolved, trusted+"/") {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("resolved binary %q is not in a trusted directory (allowed: %v)",
		resolved, trustedBinDirs)
}
