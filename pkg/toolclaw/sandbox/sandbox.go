// Package sandbox provides the OS-level process sandbox for tool
// execution.
//
// It supports three modes:
//
//   - disabled:   plain exec.Command, no isolation (policy checks
//     still apply upstream)
//   - permissive: no isolation and relaxed policy, loudly logged
//   - enforcing:  Linux namespaces + resource limits
//
// The sandbox enforces:
//   - Execution timeouts
//   - Memory and CPU limits (enforcing mode)
//   - A restricted working directory
//   - Environment variable filtering (blocks injection vectors)
//   - Output size limits (truncation is reported, never silent)
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mode is the isolation level applied to tool execution.
type Mode string

const (
	// ModeDisabled runs processes directly via exec.Command. Policy
	// validation still applies upstream.
	ModeDisabled Mode = "disabled"

	// ModePermissive runs without isolation and exempts the process
	// from policy checks. Its use is logged at warn level on every
	// execution.
	ModePermissive Mode = "permissive"

	// ModeEnforcing applies OS-level isolation: namespaces and
	// resource limits on Linux.
	ModeEnforcing Mode = "enforcing"
)

// Strictness selects how hard the engine reacts to degraded isolation
// and validation warnings.
type Strictness string

const (
	StrictnessMinimal  Strictness = "minimal"
	StrictnessStandard Strictness = "standard"
	StrictnessStrict   Strictness = "strict"
)

// Config holds the sandbox configuration. Loaded once at startup and
// immutable for the session.
type Config struct {
	// Mode is the isolation level. Defaults to enforcing.
	Mode Mode `yaml:"mode" json:"mode"`

	// Strictness tunes policy escalation. Under strict, a missing
	// enforcing backend is an error instead of a fallback.
	Strictness Strictness `yaml:"strictness" json:"strictness"`

	// AllowedReadPaths and AllowedWritePaths bound filesystem access;
	// consumed by the path validator.
	AllowedReadPaths  []string `yaml:"allowed_read_paths" json:"allowed_read_paths"`
	AllowedWritePaths []string `yaml:"allowed_write_paths" json:"allowed_write_paths"`

	// AllowedCommands and BlockedCommands feed the command policy.
	// An empty allowlist is policy-dependent (see default_allow).
	AllowedCommands []string `yaml:"allowed_commands" json:"allowed_commands"`
	BlockedCommands []string `yaml:"blocked_commands" json:"blocked_commands"`

	// DefaultAllow decides the stance when AllowedCommands is empty:
	// allow-with-denylist (true) or deny-everything (false). Strict
	// strictness forces deny regardless.
	DefaultAllow bool `yaml:"default_allow" json:"default_allow"`

	// Timeout is the maximum execution time for one command.
	// Defaults to 120s.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxOutputBytes limits stdout and stderr capture size each.
	// Defaults to 30000.
	MaxOutputBytes int `yaml:"max_output_bytes" json:"max_output_bytes"`

	// MaxMemoryMB limits memory usage in enforcing mode.
	// Defaults to 512.
	MaxMemoryMB int `yaml:"max_memory_mb" json:"max_memory_mb"`

	// MaxOpenFiles caps open file descriptors in enforcing mode.
	MaxOpenFiles int `yaml:"max_open_files" json:"max_open_files"`

	// WorkDir is the working directory for execution. Implicitly
	// readable and writable.
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	// AllowNetwork controls network access in enforcing mode.
	// Defaults to false.
	AllowNetwork *bool `yaml:"allow_network" json:"allow_network"`

	// AllowedEnv lists environment variable names passed through to
	// the process. Empty uses the default safe list.
	AllowedEnv []string `yaml:"allowed_env" json:"allowed_env"`

	// BlockedEnv lists variables always stripped. Takes precedence
	// over AllowedEnv.
	BlockedEnv []string `yaml:"blocked_env" json:"blocked_env"`
}

// DefaultConfig returns a Config with safe defaults.
func DefaultConfig() Config {
	allowNet := false
	return Config{
		Mode:           ModeEnforcing,
		Strictness:     StrictnessStandard,
		DefaultAllow:   true,
		Timeout:        120 * time.Second,
		MaxOutputBytes: 30000,
		MaxMemoryMB:    512,
		MaxOpenFiles:   1024,
		AllowNetwork:   &allowNet,
		BlockedEnv:     defaultBlockedEnv(),
	}
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDisabled, ModePermissive, ModeEnforcing:
	default:
		return fmt.Errorf("invalid sandbox mode: %q", c.Mode)
	}
	switch c.Strictness {
	case StrictnessMinimal, StrictnessStandard, StrictnessStrict, "":
	default:
		return fmt.Errorf("invalid strictness: %q", c.Strictness)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxOutputBytes <= 0 {
		return fmt.Errorf("max_output_bytes must be positive")
	}
	return nil
}

// NetworkAllowed resolves the AllowNetwork pointer.
func (c *Config) NetworkAllowed() bool {
	return c.AllowNetwork != nil && *c.AllowNetwork
}

// ExecRequest describes one command execution.
type ExecRequest struct {
	// Argv is the command and its arguments, executed directly without
	// a shell when set.
	Argv []string

	// Command is a shell command line, executed via /bin/sh -c when
	// Argv is empty. It must already have passed the command policy.
	Command string

	// Stdin provides data on standard input.
	Stdin string

	// Env are additional variables for this execution, subject to
	// filtering.
	Env map[string]string

	// WorkDir overrides the configured working directory.
	WorkDir string

	// Timeout overrides the configured timeout.
	Timeout time.Duration
}

// ExecResult holds the outcome of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// Killed is true when the process was terminated (timeout, OOM,
	// resource limit).
	Killed bool

	// KillReason explains the termination.
	KillReason string

	// Truncated reports whether output hit MaxOutputBytes.
	Truncated bool
}

// resolveArgv normalizes a request into binary + args. Shell command
// lines run under /bin/sh -c.
func resolveArgv(req *ExecRequest) (string, []string, error) {
	if len(req.Argv) > 0 {
		return req.Argv[0], req.Argv[1:], nil
	}
	if strings.TrimSpace(req.Command) == "" {
		return "", nil, fmt.Errorf("empty exec request")
	}
	return "/bin/sh", []string{"-c", req.Command}, nil
}

// Executor is the interface for sandbox backends.
type Executor interface {
	// Execute runs one command.
	Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error)

	// Available reports whether this backend is usable on the system.
	Available() bool

	// Name returns the backend name for logging.
	Name() string

	// Close releases resources held by the backend.
	Close() error
}
