package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/audit"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/checkpoint"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/config"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/engine"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/hooks"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/permission"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/policy"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/sandbox"
)

// app is the composition root: configuration loaded, every engine
// component wired, ready to execute tool calls.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	registry     *engine.Registry
	orchestrator *engine.Orchestrator
	batch        *engine.BatchExecutor
	commands     *policy.CommandPolicy
	checkpoints  *checkpoint.Manager
	auditLog     *audit.Log
	runner       *sandbox.Runner
	cache        *engine.ResultCache
}

// newApp loads configuration and wires the engine for one CLI
// invocation.
func newApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging, verbose)

	cmdPolicy, err := policy.NewCommandPolicy(cfg.CommandPolicyConfig())
	if err != nil {
		return nil, fmt.Errorf("building command policy: %w", err)
	}
	paths := policy.NewPathValidator(cfg.Paths)
	network := policy.NewNetworkPolicy(cfg.NetworkPolicyConfig())

	runner, err := sandbox.NewRunner(cfg.Sandbox, logger)
	if err != nil {
		return nil, fmt.Errorf("starting sandbox: %w", err)
	}

	var checkpoints *checkpoint.Manager
	if cfg.Checkpoints.Enabled {
		checkpoints, err = checkpoint.NewManager(cfg.CheckpointManagerConfig(), logger)
		if err != nil {
			runner.Close()
			return nil, fmt.Errorf("starting checkpoint manager: %w", err)
		}
	}

	gate := permission.NewGate(
		permission.ParseMode(cfg.PermissionMode),
		permission.NewTerminalHandler(),
		logger,
	)

	hookMgr := hooks.NewManager(logger)
	if err := hookMgr.RegisterExternal(cfg.Hooks); err != nil {
		runner.Close()
		return nil, fmt.Errorf("registering hooks: %w", err)
	}

	var cache *engine.ResultCache
	if cfg.Execution.CacheResults {
		cache, err = engine.NewResultCache(64<<20, 5*time.Minute)
		if err != nil {
			runner.Close()
			return nil, fmt.Errorf("starting result cache: %w", err)
		}
	}

	ocfg := engine.DefaultOrchestratorConfig()
	if cfg.Execution.CallTimeout > 0 {
		ocfg.CallTimeout = cfg.Execution.CallTimeout
	}
	if cfg.Execution.MaxRestarts > 0 {
		ocfg.Supervision.MaxRestarts = cfg.Execution.MaxRestarts
	}
	ocfg.AutoRollback = cfg.Checkpoints.AutoRollback

	registry := engine.NewRegistry()
	builtins := &engine.Builtins{
		Commands: cmdPolicy,
		Paths:    paths,
		Network:  network,
		Sandbox:  runner,
	}
	if err := builtins.RegisterAll(registry); err != nil {
		runner.Close()
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	orch := engine.NewOrchestrator(ocfg, registry, checkpoints, gate, hookMgr, cache, logger)

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Audit.Path, logger)
		if err != nil {
			// Audit is best effort: the engine still runs without it.
			logger.Warn("audit trail unavailable", "path", cfg.Audit.Path, "error", err)
		} else {
			orch.WithAudit(auditLog)
		}
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		registry:     registry,
		orchestrator: orch,
		batch:        engine.NewBatchExecutor(orch, cfg.Execution.MaxParallel),
		commands:     cmdPolicy,
		checkpoints:  checkpoints,
		auditLog:     auditLog,
		runner:       runner,
		cache:        cache,
	}, nil
}

// Close tears down every component in reverse dependency order.
func (a *app) Close() {
	a.orchestrator.Tasks().CancelAll()
	if a.cache != nil {
		a.cache.Close()
	}
	if a.auditLog != nil {
		a.auditLog.Close()
	}
	if a.checkpoints != nil {
		a.checkpoints.Close()
	}
	a.runner.Close()
}

// octx is the per-session execution context handed to the engine.
func (a *app) octx() engine.OrchestratorContext {
	return engine.OrchestratorContext{
		SessionID:  a.cfg.Session,
		WorkingDir: a.cfg.WorkDir,
		Logger:     a.logger,
	}
}

func newLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
