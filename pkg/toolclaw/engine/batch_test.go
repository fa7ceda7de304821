package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBatchPreservesOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name:     "echo",
		ReadOnly: true,
		Handler: func(_ context.Context, _ OrchestratorContext, args map[string]any) (string, error) {
			v, _ := args["v"].(string)
			return v, nil
		},
	})
	r.Register(&Tool{
		Name: "echo_mut",
		Handler: func(_ context.Context, _ OrchestratorContext, args map[string]any) (string, error) {
			v, _ := args["v"].(string)
			return v, nil
		},
	})
	o, _ := testOrchestrator(t, r, nil, nil)
	b := NewBatchExecutor(o, 4)

	calls := []ToolCall{
		{ID: "c0", Name: "echo", Arguments: rawArgs(t, map[string]any{"v": "a"})},
		{ID: "c1", Name: "echo_mut", Arguments: rawArgs(t, map[string]any{"v": "b"})},
		{ID: "c2", Name: "echo", Arguments: rawArgs(t, map[string]any{"v": "c"})},
	}
	results := b.Execute(context.Background(), OrchestratorContext{}, calls)

	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	for i, want := range []string{"a", "b", "c"} {
		if results[i].CallID != calls[i].ID {
			t.Fatalf("result %d has call id %q", i, results[i].CallID)
		}
		if results[i].Output == nil || *results[i].Output != want {
			t.Fatalf("result %d = %+v", i, results[i])
		}
	}
}

func TestBatchFanOutLimit(t *testing.T) {
	var running, peak atomic.Int32
	r := NewRegistry()
	r.Register(&Tool{
		Name:     "probe",
		ReadOnly: true,
		Handler: func(_ context.Context, _ OrchestratorContext, _ map[string]any) (string, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return "", nil
		},
	})
	o, _ := testOrchestrator(t, r, nil, nil)
	b := NewBatchExecutor(o, 2)

	calls := make([]ToolCall, 8)
	for i := range calls {
		calls[i] = ToolCall{ID: "c", Name: "probe"}
	}
	b.Execute(context.Background(), OrchestratorContext{}, calls)

	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, limit is 2", p)
	}
}

func TestBatchMutatingCallsSequential(t *testing.T) {
	var mu sync.Mutex
	inside := false
	r := NewRegistry()
	r.Register(&Tool{
		Name: "mut",
		Handler: func(_ context.Context, _ OrchestratorContext, _ map[string]any) (string, error) {
			mu.Lock()
			if inside {
				mu.Unlock()
				t.Error("mutating calls overlapped")
				return "", nil
			}
			inside = true
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inside = false
			mu.Unlock()
			return "", nil
		},
	})
	o, _ := testOrchestrator(t, r, nil, nil)
	b := NewBatchExecutor(o, 8)

	calls := make([]ToolCall, 4)
	for i := range calls {
		calls[i] = ToolCall{ID: "c", Name: "mut"}
	}
	b.Execute(context.Background(), OrchestratorContext{}, calls)
}
