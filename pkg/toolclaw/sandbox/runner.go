// Package sandbox – runner.go implements the Runner that selects the
// backend for the configured mode and dispatches execution requests.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// Runner selects the sandbox backend per the configured mode and
// applies the cross-cutting limits: timeout, env filtering, output
// caps.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	executors map[Mode]Executor
}

// NewRunner creates a runner. Under strict strictness a missing
// enforcing backend is an error; otherwise execution falls back to the
// host executor with a warning on every run.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sandbox")

	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		executors: make(map[Mode]Executor),
	}

	host := NewHostExecutor(cfg, logger)
	r.executors[ModeDisabled] = host
	r.executors[ModePermissive] = host

	ns := NewNamespaceExecutor(cfg, logger)
	if ns.Available() {
		r.executors[ModeEnforcing] = ns
		logger.Info("enforcing executor available (Linux namespaces)")
	} else if cfg.Mode == ModeEnforcing {
		if cfg.Strictness == StrictnessStrict {
			return nil, fmt.Errorf("enforcing mode required by strict strictness but no isolation backend is available")
		}
		logger.Warn("enforcing executor unavailable, executions will fall back to host")
	}

	return r, nil
}

// Mode returns the configured sandbox mode.
func (r *Runner) Mode() Mode { return r.cfg.Mode }

// Run executes one request under the configured mode.
func (r *Runner) Run(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	if req.Timeout == 0 {
		req.Timeout = r.cfg.Timeout
	}
	req.Env = NewEnvFilter(r.cfg).Filter(req.Env)

	if r.cfg.Mode == ModePermissive {
		// Command and path policies still apply upstream; what is
		// missing here is OS-level isolation. That degraded state must
		// be visible in the logs every time it is exercised.
		r.logger.Warn("permissive sandbox mode active, running without isolation",
			"command", summarizeRequest(req))
	}

	r.mu.RLock()
	executor, ok := r.executors[r.cfg.Mode]
	r.mu.RUnlock()
	if !ok {
		executor = r.fallbackExecutor()
		if executor == nil {
			return nil, toolerr.New(toolerr.KindSandboxViolation,
				"no executor available for mode %q", r.cfg.Mode)
		}
		r.logger.Warn("falling back executor",
			"requested", string(r.cfg.Mode), "using", executor.Name())
	}

	execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	r.logger.Debug("executing",
		"command", summarizeRequest(req),
		"mode", string(r.cfg.Mode),
		"executor", executor.Name(),
		"timeout", req.Timeout)

	start := time.Now()
	result, err := executor.Execute(execCtx, req)
	if result != nil {
		result.Duration = time.Since(start)
		r.truncateOutput(result)
		if result.KillReason == "timeout" {
			err = toolerr.New(toolerr.KindTimeout,
				"command exceeded %s", req.Timeout)
		}
	}
	if err != nil {
		r.logger.Warn("execution failed",
			"command", summarizeRequest(req),
			"error", err,
			"duration", time.Since(start))
	}
	return result, err
}

// Close releases all backend resources.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []string
	closed := make(map[Executor]bool)
	for mode, exec := range r.executors {
		if closed[exec] {
			continue
		}
		closed[exec] = true
		if err := exec.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", mode, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing executors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// fallbackExecutor finds the best available backend when the
// configured one is missing, preferring stronger isolation.
func (r *Runner) fallbackExecutor() Executor {
	order := []Mode{ModeEnforcing, ModeDisabled}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, mode := range order {
		if exec, ok := r.executors[mode]; ok {
			return exec
		}
	}
	return nil
}

// truncateOutput enforces MaxOutputBytes on both streams. Truncation
// is reported through Truncated and an explicit marker, never silent.
func (r *Runner) truncateOutput(result *ExecResult) {
	max := r.cfg.MaxOutputBytes
	if max <= 0 {
		return
	}
	if len(result.Stdout) > max {
		result.Stdout = result.Stdout[:max] + "\n... [output truncated]"
		result.Truncated = true
	}
	if len(result.Stderr) > max {
		result.Stderr = result.Stderr[:max] + "\n... [output truncated]"
		result.Truncated = true
	}
}

func summarizeRequest(req *ExecRequest) string {
	s := req.Command
	if len(req.Argv) > 0 {
		s = strings.Join(req.Argv, " ")
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
