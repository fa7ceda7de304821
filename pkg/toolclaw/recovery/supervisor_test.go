package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func TestSupervisorCompletes(t *testing.T) {
	s := NewSupervisor("ok", DefaultSupervisionPolicy(), nil)
	res := s.Supervise(context.Background(), func(context.Context) error { return nil })
	if res.Kind != ResultCompleted {
		t.Fatalf("result = %s, want completed", res)
	}
}

func TestSupervisorRestartsTransient(t *testing.T) {
	s := NewSupervisor("flaky", DefaultSupervisionPolicy(), nil).WithRetrySafe(true)
	s.sleep = noSleep

	calls := 0
	res := s.Supervise(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return toolerr.New(toolerr.KindRateLimited, "slow down")
		}
		return nil
	})
	if res.Kind != ResultRestarted || res.Attempt != 2 {
		t.Fatalf("result = %s, want restarted after 2 attempts", res)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestSupervisorStopsPermanent(t *testing.T) {
	s := NewSupervisor("denied", DefaultSupervisionPolicy(), nil).WithRetrySafe(true)
	s.sleep = noSleep

	calls := 0
	res := s.Supervise(context.Background(), func(context.Context) error {
		calls++
		return toolerr.New(toolerr.KindPermissionDenied, "no")
	})
	if res.Kind != ResultStopped {
		t.Fatalf("result = %s, want stopped", res)
	}
	if calls != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", calls)
	}
	if res.Err == nil || res.Err.Kind != toolerr.KindPermissionDenied {
		t.Fatalf("err = %v, want permission_denied preserved", res.Err)
	}
}

func TestSupervisorNotRetrySafe(t *testing.T) {
	// Without an explicit retry-safe declaration, even transient
	// failures stop the sequence: the operation may have partial side
	// effects.
	s := NewSupervisor("mutating", DefaultSupervisionPolicy(), nil)
	s.sleep = noSleep

	calls := 0
	res := s.Supervise(context.Background(), func(context.Context) error {
		calls++
		return toolerr.New(toolerr.KindRateLimited, "busy")
	})
	if res.Kind != ResultStopped || calls != 1 {
		t.Fatalf("result = %s calls = %d, want stopped after 1", res, calls)
	}
}

func TestSupervisorBudgetExhaustion(t *testing.T) {
	policy := DefaultSupervisionPolicy()
	policy.MaxRestarts = 2
	s := NewSupervisor("always-busy", policy, nil).WithRetrySafe(true)
	s.sleep = noSleep

	calls := 0
	res := s.Supervise(context.Background(), func(context.Context) error {
		calls++
		return toolerr.New(toolerr.KindRateLimited, "busy")
	})
	if res.Kind != ResultStopped {
		t.Fatalf("result = %s, want stopped once the budget is gone", res)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want initial + 2 restarts", calls)
	}
}

func TestSupervisorTimeout(t *testing.T) {
	s := NewSupervisor("slow", NoRetryPolicy(), nil).WithTimeout(20 * time.Millisecond)

	res := s.Supervise(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	if res.Kind != ResultTimedOut {
		t.Fatalf("result = %s, want timed_out", res)
	}
}

func TestSupervisorTimeoutRetries(t *testing.T) {
	policy := DefaultSupervisionPolicy()
	policy.MaxRestarts = 1
	s := NewSupervisor("slow-then-ok", policy, nil).
		WithTimeout(20 * time.Millisecond).
		WithRetrySafe(true)
	s.sleep = noSleep

	calls := 0
	res := s.Supervise(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	if res.Kind != ResultRestarted {
		t.Fatalf("result = %s, want restarted (timeout is transient)", res)
	}
}

func TestSupervisorCancellationWins(t *testing.T) {
	s := NewSupervisor("cancelled", DefaultSupervisionPolicy(), nil).WithRetrySafe(true)

	ctx, cancel := context.WithCancel(context.Background())
	res := s.Supervise(ctx, func(ctx context.Context) error {
		cancel()
		// A failure raced with the cancellation; cancellation must win.
		return errors.New("boom")
	})
	if res.Kind != ResultCancelled {
		t.Fatalf("result = %s, want cancelled", res)
	}
}

func TestSupervisorEscalate(t *testing.T) {
	s := NewSupervisor("esc", SupervisionPolicy{Kind: PolicyEscalate}, nil)
	res := s.Supervise(context.Background(), func(context.Context) error {
		return errors.New("bad")
	})
	if res.Kind != ResultEscalated || res.Err == nil {
		t.Fatalf("result = %s, want escalated with error", res)
	}
}

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(BackoffConfig{Base: 100 * time.Millisecond, Factor: 2, Cap: 30 * time.Second})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("delay %d = %s, want %s", i, got, w)
		}
	}

	// The cap bounds growth.
	for i := 0; i < 20; i++ {
		if got := b.Next(); got > 30*time.Second {
			t.Fatalf("delay exceeded cap: %s", got)
		}
	}

	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Fatalf("reset delay = %s, want base", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{Base: time.Second, Factor: 2, Cap: time.Minute, Jitter: true})
	d := b.Next()
	if d < 500*time.Millisecond || d >= time.Second {
		t.Fatalf("jittered delay %s outside [base/2, base)", d)
	}
}
