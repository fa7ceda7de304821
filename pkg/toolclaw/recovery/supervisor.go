// Package recovery – supervisor.go wraps a single operation in a
// restart/stop state machine. Failures are classified through the
// error taxonomy: transient kinds are eligible for restart with
// exponential backoff, permanent kinds stop immediately, and
// cancellation wins over every other outcome.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// PolicyKind selects how the supervisor reacts to a failure.
type PolicyKind string

const (
	// PolicyRestart retries transient failures up to MaxRestarts
	// within Window.
	PolicyRestart PolicyKind = "restart"

	// PolicyResume reports the failure and carries on without retry.
	PolicyResume PolicyKind = "resume"

	// PolicyStop fails immediately on any error.
	PolicyStop PolicyKind = "stop"

	// PolicyEscalate marks the failure for the caller to escalate.
	PolicyEscalate PolicyKind = "escalate"
)

// SupervisionPolicy configures failure handling for one supervised
// operation.
type SupervisionPolicy struct {
	Kind PolicyKind `yaml:"kind"`

	// MaxRestarts bounds restart attempts (PolicyRestart only).
	MaxRestarts int `yaml:"max_restarts"`

	// Window bounds the period in which restarts are counted; restarts
	// older than the window do not count against MaxRestarts.
	Window time.Duration `yaml:"window"`

	// Backoff tunes the delay between restarts.
	Backoff BackoffConfig `yaml:"backoff"`
}

// DefaultSupervisionPolicy restarts up to 2 times within a minute.
func DefaultSupervisionPolicy() SupervisionPolicy {
	return SupervisionPolicy{
		Kind:        PolicyRestart,
		MaxRestarts: 2,
		Window:      time.Minute,
		Backoff:     DefaultBackoffConfig(),
	}
}

// NoRetryPolicy stops on the first failure.
func NoRetryPolicy() SupervisionPolicy {
	return SupervisionPolicy{Kind: PolicyStop}
}

// ResultKind tags a SupervisionResult.
type ResultKind string

const (
	ResultCompleted ResultKind = "completed"
	ResultRestarted ResultKind = "restarted"
	ResultStopped   ResultKind = "stopped"
	ResultTimedOut  ResultKind = "timed_out"
	ResultCancelled ResultKind = "cancelled"
	ResultEscalated ResultKind = "escalated"
)

// SupervisionResult is the classified outcome of one attempt sequence.
type SupervisionResult struct {
	Kind ResultKind

	// Attempt is the number of restarts consumed before the terminal
	// outcome.
	Attempt int

	// Err carries the terminal failure for Stopped, TimedOut, and
	// Escalated results.
	Err *toolerr.Error
}

func (r SupervisionResult) String() string {
	switch r.Kind {
	case ResultRestarted:
		return fmt.Sprintf("%s(attempt=%d)", r.Kind, r.Attempt)
	case ResultStopped, ResultTimedOut, ResultEscalated:
		return fmt.Sprintf("%s(%v)", r.Kind, r.Err)
	}
	return string(r.Kind)
}

// Success reports whether the supervised operation ultimately
// completed, with or without restarts along the way.
func (r SupervisionResult) Success() bool {
	return r.Kind == ResultCompleted || r.Kind == ResultRestarted
}

// Supervisor runs one operation under a policy. A supervisor is built
// per execution and not reused.
type Supervisor struct {
	name      string
	policy    SupervisionPolicy
	timeout   time.Duration
	retrySafe bool
	logger    *slog.Logger

	// sleep is replaceable in tests.
	sleep func(context.Context, time.Duration) error
}

// NewSupervisor creates a supervisor for the named operation.
func NewSupervisor(name string, policy SupervisionPolicy, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		name:   name,
		policy: policy,
		logger: logger.With("component", "supervisor", "task", name),
		sleep:  sleepCtx,
	}
}

// WithTimeout applies a per-attempt deadline.
func (s *Supervisor) WithTimeout(d time.Duration) *Supervisor {
	s.timeout = d
	return s
}

// WithRetrySafe declares that the operation may be restarted even
// after partial side effects. Without it, a mutating operation is
// never restarted: transient or not, its first failure stops the
// sequence.
func (s *Supervisor) WithRetrySafe(safe bool) *Supervisor {
	s.retrySafe = safe
	return s
}

// Supervise runs fn under the policy and classifies the outcome. fn
// receives a context carrying the per-attempt deadline and must honor
// it.
func (s *Supervisor) Supervise(ctx context.Context, fn func(context.Context) error) SupervisionResult {
	backoff := NewBackoff(s.policy.Backoff)
	restarts := 0
	windowStart := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return SupervisionResult{Kind: ResultCancelled}
		}

		err := s.runAttempt(ctx, fn)
		if err == nil {
			if restarts > 0 {
				return SupervisionResult{Kind: ResultRestarted, Attempt: restarts}
			}
			return SupervisionResult{Kind: ResultCompleted}
		}

		// Cancellation wins over any other classification.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return SupervisionResult{Kind: ResultCancelled}
		}

		kind := toolerr.KindOf(err)
		terr := toolerr.Wrap(kind, err)

		// Terminal classification for this error, used once retries
		// are off the table.
		stopped := SupervisionResult{Kind: ResultStopped, Attempt: restarts, Err: terr}
		if kind == toolerr.KindTimeout {
			stopped.Kind = ResultTimedOut
		}

		switch s.policy.Kind {
		case PolicyResume:
			s.logger.Warn("resuming after failure", "error", err)
			return SupervisionResult{Kind: ResultCompleted, Attempt: restarts}

		case PolicyEscalate:
			return SupervisionResult{Kind: ResultEscalated, Attempt: restarts, Err: terr}

		case PolicyStop:
			return stopped

		case PolicyRestart:
			if !kind.Transient() {
				s.logger.Warn("permanent failure, not restarting",
					"kind", string(kind), "error", err)
				return stopped
			}
			if !s.retrySafe {
				s.logger.Warn("operation not declared retry-safe, stopping",
					"error", err)
				return stopped
			}
			if s.policy.Window > 0 && time.Since(windowStart) > s.policy.Window {
				restarts = 0
				windowStart = time.Now()
				backoff.Reset()
			}
			if restarts >= s.policy.MaxRestarts {
				s.logger.Warn("restart budget exhausted",
					"restarts", restarts, "error", err)
				return stopped
			}
			restarts++
			delay := backoff.Next()
			s.logger.Info("restarting after transient failure",
				"attempt", restarts, "delay", delay, "error", err)
			if serr := s.sleep(ctx, delay); serr != nil {
				return SupervisionResult{Kind: ResultCancelled}
			}

		default:
			return stopped
		}
	}
}

func (s *Supervisor) runAttempt(ctx context.Context, fn func(context.Context) error) error {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	err := fn(attemptCtx)
	// Distinguish our own deadline from the parent's cancellation.
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return toolerr.New(toolerr.KindTimeout,
			"operation %q exceeded %s", s.name, s.timeout)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
