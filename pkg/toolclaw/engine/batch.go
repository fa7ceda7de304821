package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// BatchExecutor fans a batch of tool calls out concurrently up to a
// limit. Calls whose tools mutate state are dependent on each other
// and run sequentially after the independent ones.
type BatchExecutor struct {
	orchestrator *Orchestrator
	maxParallel  int64
}

// NewBatchExecutor wraps an orchestrator with a fan-out limit.
func NewBatchExecutor(o *Orchestrator, maxParallel int) *BatchExecutor {
	if maxParallel <= 0 {
		maxParallel = 5
	}
	return &BatchExecutor{orchestrator: o, maxParallel: int64(maxParallel)}
}

// Execute runs every call and returns results in input order. Calls
// with an unknown tool are treated as dependent so the orchestrator
// reports them in sequence.
func (b *BatchExecutor) Execute(ctx context.Context, octx OrchestratorContext, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	var independent, dependent []int
	for i, call := range calls {
		if tool, ok := b.orchestrator.registry.Get(call.Name); ok && b.independent(tool) {
			independent = append(independent, i)
		} else {
			dependent = append(dependent, i)
		}
	}

	if len(independent) > 0 {
		sem := semaphore.NewWeighted(b.maxParallel)
		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range independent {
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					results[idx] = FailureResult(calls[idx].ID, err)
					return nil
				}
				defer sem.Release(1)
				results[idx] = b.orchestrator.Execute(gctx, octx, calls[idx])
				return nil
			})
		}
		// Workers never return errors; Wait is for the joins.
		_ = g.Wait()
	}

	for _, idx := range dependent {
		results[idx] = b.orchestrator.Execute(ctx, octx, calls[idx])
	}

	return results
}

// independent reports whether a tool may run alongside others.
// Read-only tools cannot interfere with anything; everything else
// serializes.
func (b *BatchExecutor) independent(tool *Tool) bool {
	return tool.ReadOnly
}
