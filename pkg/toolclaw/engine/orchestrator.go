package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/audit"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/checkpoint"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/hooks"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/permission"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/policy"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/recovery"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// OrchestratorConfig tunes the per-call execution protocol.
type OrchestratorConfig struct {
	// CallTimeout bounds each supervised attempt.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`

	// Supervision is the restart policy applied to every call.
	Supervision recovery.SupervisionPolicy `yaml:"-" json:"-"`

	// AutoRollback restores the pre-call checkpoint when a
	// file-affecting call ends in Stopped or TimedOut.
	AutoRollback bool `yaml:"auto_rollback" json:"auto_rollback"`
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		CallTimeout:  2 * time.Minute,
		Supervision:  recovery.DefaultSupervisionPolicy(),
		AutoRollback: true,
	}
}

// Orchestrator drives each tool call through the three-phase protocol:
// checkpoint and gating up front, supervised execution in the middle,
// hooks and rollback at the end. Exactly one ToolResult comes out per
// call no matter which phase fails.
type Orchestrator struct {
	cfg         OrchestratorConfig
	registry    *Registry
	checkpoints *checkpoint.Manager // nil when checkpointing is disabled
	gate        *permission.Gate
	hooks       *hooks.Manager
	breakers    *recovery.BreakerRegistry
	cache       *ResultCache // nil when caching is disabled
	audit       *audit.Log   // nil when auditing is disabled
	logger      *slog.Logger

	limitMu  sync.Mutex
	limiters map[string]*recovery.RateLimiter

	tasks *TaskGroup
}

// NewOrchestrator wires the engine together. checkpoints, gate, hookMgr
// and cache may each be nil to disable that concern.
func NewOrchestrator(
	cfg OrchestratorConfig,
	registry *Registry,
	checkpoints *checkpoint.Manager,
	gate *permission.Gate,
	hookMgr *hooks.Manager,
	cache *ResultCache,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")
	return &Orchestrator{
		cfg:         cfg,
		registry:    registry,
		checkpoints: checkpoints,
		gate:        gate,
		hooks:       hookMgr,
		breakers:    recovery.NewBreakerRegistry(recovery.DefaultBreakerConfig(), logger),
		cache:       cache,
		logger:      logger,
		limiters:    make(map[string]*recovery.RateLimiter),
		tasks:       NewTaskGroup(logger),
	}
}

// WithAudit attaches the audit trail. Every verdict and outcome gets a
// record from then on.
func (o *Orchestrator) WithAudit(log *audit.Log) *Orchestrator {
	o.audit = log
	return o
}

// Tasks exposes the background task registry so callers can abort
// everything the engine spawned.
func (o *Orchestrator) Tasks() *TaskGroup { return o.tasks }

// Breakers exposes the circuit breaker registry for inspection.
func (o *Orchestrator) Breakers() *recovery.BreakerRegistry { return o.breakers }

// limiterFor returns the rate limiter for an external dependency,
// creating it on first use.
func (o *Orchestrator) limiterFor(name string) *recovery.RateLimiter {
	o.limitMu.Lock()
	defer o.limitMu.Unlock()
	l, ok := o.limiters[name]
	if !ok {
		l = recovery.NewRateLimiter(recovery.DefaultRateLimiterConfig())
		o.limiters[name] = l
	}
	return l
}

// Execute runs one tool call through all three phases.
func (o *Orchestrator) Execute(ctx context.Context, octx OrchestratorContext, call ToolCall) ToolResult {
	logger := octx.logger().With("tool", call.Name, "call_id", call.ID)

	tool, ok := o.registry.Get(call.Name)
	if !ok {
		logger.Warn("unknown tool called")
		return FailureResult(call.ID,
			toolerr.New(toolerr.KindExecutionFailed, "unknown tool %q", call.Name))
	}

	args, err := call.Args()
	if err != nil {
		return FailureResult(call.ID, toolerr.Wrap(toolerr.KindExecutionFailed, err))
	}

	affected := AffectedFiles(args, octx.WorkingDir)

	// Phase 1: checkpoint before anything mutates.
	var cp *checkpoint.Checkpoint
	if tool.FileAffecting && o.checkpoints != nil {
		cp, err = o.checkpoints.Create(ctx, call.ID, call.Name, affected)
		if err != nil {
			// A failed snapshot means rollback is impossible. Abort
			// loudly instead of running without a safety net.
			logger.Error("checkpoint creation failed", "error", err)
			return FailureResult(call.ID, toolerr.Wrap(toolerr.KindCheckpointFailure, err))
		}
		logger.Debug("checkpoint created", "checkpoint", cp.ID, "files", len(cp.Files))
	}
	release := func() {
		if cp != nil {
			o.checkpoints.MarkCommitted(cp.ID)
		}
	}

	// Phase 1: permission gate.
	if o.gate != nil {
		req := permission.Request{
			ID:        call.ID,
			SessionID: octx.SessionID,
			ToolName:  call.Name,
			Command:   commandArg(args),
			Paths:     affected,
			ReadOnly:  tool.ReadOnly,
			Risk:      callRisk(tool, args),
		}
		if _, err := o.gate.Check(ctx, req); err != nil {
			release()
			logger.Info("call denied by permission gate", "error", err)
			o.auditRecord(ctx, octx, call, args, audit.EventPermissionVerdict, false, err.Error())
			return FailureResult(call.ID, err)
		}
		o.auditRecord(ctx, octx, call, args, audit.EventPermissionVerdict, true, "")
	}

	// Phase 1: pre-hooks may veto.
	if o.hooks != nil {
		outcome := o.hooks.Dispatch(ctx, hooks.Input{
			Event:     hooks.EventPreToolUse,
			SessionID: octx.SessionID,
			Cwd:       octx.WorkingDir,
			ToolName:  call.Name,
			ToolInput: call.Arguments,
		})
		if outcome.Block {
			release()
			logger.Info("call vetoed by pre hook", "reason", outcome.Message)
			o.auditRecord(ctx, octx, call, args, audit.EventPolicyDecision, false, outcome.Message)
			return FailureResult(call.ID,
				toolerr.New(toolerr.KindPermissionDenied, "blocked by hook: %s", outcome.Message).
					WithTool(call.Name))
		}
	}

	// The cache sits behind the gate and the hooks: a cached answer
	// must clear the same vetoes a fresh execution would.
	if tool.ReadOnly && o.cache != nil {
		if output, hit := o.cache.Get(call.Name, args); hit {
			logger.Debug("result served from cache")
			release()
			return SuccessResult(call.ID, output)
		}
	}

	// Phase 2: supervised execution.
	var output string
	supervisor := recovery.NewSupervisor(call.Name, o.cfg.Supervision, logger).
		WithTimeout(o.cfg.CallTimeout).
		WithRetrySafe(tool.RetrySafe)

	sres := supervisor.Supervise(ctx, func(attemptCtx context.Context) error {
		if tool.External != "" {
			breaker := o.breakers.Get(tool.External)
			if err := breaker.Check(); err != nil {
				return err
			}
			if err := o.limiterFor(tool.External).Acquire(attemptCtx, 1); err != nil {
				breaker.Release()
				return err
			}
			out, err := tool.Handler(attemptCtx, octx, args)
			if err != nil {
				// Every admitted request must end in exactly one of
				// RecordSuccess, RecordFailure or Release.
				if toolerr.Transient(err) || toolerr.KindOf(err) == toolerr.KindExecutionFailed {
					breaker.RecordFailure()
				} else {
					breaker.Release()
				}
				return err
			}
			breaker.RecordSuccess()
			output = out
			return nil
		}

		out, err := tool.Handler(attemptCtx, octx, args)
		if err != nil {
			return err
		}
		output = out
		return nil
	})

	// Phase 3: post-hooks, rollback, commit.
	result := o.finish(ctx, octx, call, tool, args, affected, cp, sres, output, logger)

	if o.hooks != nil {
		event := hooks.EventPostToolUse
		if !result.Success {
			event = hooks.EventPostToolUseFailure
		}
		payload, _ := json.Marshal(result)
		o.hooks.Dispatch(ctx, hooks.Input{
			Event:      event,
			SessionID:  octx.SessionID,
			Cwd:        octx.WorkingDir,
			ToolName:   call.Name,
			ToolInput:  call.Arguments,
			ToolResult: payload,
		})
	}

	return result
}

// finish maps the supervision outcome to the single ToolResult,
// running rollback and checkpoint bookkeeping along the way.
func (o *Orchestrator) finish(
	ctx context.Context,
	octx OrchestratorContext,
	call ToolCall,
	tool *Tool,
	args map[string]any,
	affected []string,
	cp *checkpoint.Checkpoint,
	sres recovery.SupervisionResult,
	output string,
	logger *slog.Logger,
) ToolResult {
	if sres.Success() {
		if cp != nil {
			o.checkpoints.MarkCommitted(cp.ID)
		}
		if o.cache != nil {
			if tool.ReadOnly {
				o.cache.Put(call.Name, args, output)
			} else {
				// A mutation may have changed anything a cached read saw.
				o.cache.Invalidate()
			}
		}
		result := SuccessResult(call.ID, output)
		result.Attempts = sres.Attempt
		if tool.FileAffecting {
			result.SideEffects = affected
		}
		logger.Info("call completed", "attempts", sres.Attempt)
		o.auditRecord(ctx, octx, call, args, audit.EventExecution, true, "")
		return result
	}

	var callErr *toolerr.Error
	switch sres.Kind {
	case recovery.ResultCancelled:
		callErr = toolerr.New(toolerr.KindCancelled, "tool call cancelled")
	default:
		callErr = sres.Err
		if callErr == nil {
			callErr = toolerr.New(toolerr.KindExecutionFailed, "tool call failed")
		}
	}

	result := FailureResult(call.ID, callErr)
	result.Attempts = sres.Attempt

	rollback := cp != nil && o.cfg.AutoRollback &&
		(sres.Kind == recovery.ResultStopped || sres.Kind == recovery.ResultTimedOut)
	if rollback {
		// Restore under a fresh context: the call's own context may
		// already be done, and a half-rolled-back tree is worse than a
		// slow rollback.
		restoreCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		restored, err := o.checkpoints.Restore(restoreCtx, cp.ID, checkpoint.DefaultRestoreOptions())
		if err != nil {
			// Restore failure leaves the tree in a partial state. That
			// must surface loudly, replacing the original error.
			logger.Error("rollback failed, filesystem may be inconsistent",
				"checkpoint", cp.ID, "error", err)
			o.auditRecord(ctx, octx, call, args, audit.EventRollback, false, err.Error())
			return FailureResult(call.ID, toolerr.Wrap(toolerr.KindCheckpointFailure, err))
		}
		result.RolledBack = true
		o.checkpoints.MarkCommitted(cp.ID)
		logger.Warn("call failed, checkpoint restored",
			"checkpoint", cp.ID, "files", restored.Count(), "kind", string(sres.Kind))
		o.auditRecord(ctx, octx, call, args, audit.EventRollback, true,
			fmt.Sprintf("restored checkpoint %s (%d files)", cp.ShortID(), restored.Count()))
	} else if cp != nil {
		o.checkpoints.MarkCommitted(cp.ID)
	}

	logger.Warn("call failed",
		"kind", string(sres.Kind), "error", callErr, "attempts", sres.Attempt)
	o.auditRecord(ctx, octx, call, args, audit.EventExecution, false, string(callErr.Kind)+": "+callErr.Message)
	return result
}

func (o *Orchestrator) auditRecord(ctx context.Context, octx OrchestratorContext, call ToolCall, args map[string]any, typ audit.EventType, allowed bool, detail string) {
	if o.audit == nil {
		return
	}
	o.audit.Append(ctx, audit.Record{
		SessionID: octx.SessionID,
		CallID:    call.ID,
		Type:      typ,
		Tool:      call.Name,
		Args:      audit.SanitizeArgs(args),
		Allowed:   allowed,
		Detail:    detail,
	})
}

// callRisk grades a call for the permission gate. Shell commands are
// scored from their text; other mutating tools default to medium.
func callRisk(tool *Tool, args map[string]any) policy.RiskLevel {
	if cmd := commandArg(args); cmd != "" {
		return policy.CommandRisk(cmd)
	}
	if tool.ReadOnly {
		return policy.RiskLow
	}
	return policy.RiskMedium
}

func commandArg(args map[string]any) string {
	cmd, _ := args["command"].(string)
	return cmd
}

