package engine

import (
	"context"
	"log/slog"
	"sync"
)

// TaskGroup retains a handle for every background goroutine the engine
// spawns. Fire-and-forget spawning leaks resources and hides panics,
// so everything goes through Spawn and dies through CancelAll.
type TaskGroup struct {
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[int]*task
	next  int
	wg    sync.WaitGroup
}

type task struct {
	name   string
	cancel context.CancelFunc
}

func NewTaskGroup(logger *slog.Logger) *TaskGroup {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskGroup{
		logger: logger.With("component", "tasks"),
		tasks:  make(map[int]*task),
	}
}

// Spawn runs fn in a goroutine whose context is cancelled by CancelAll.
// The handle is dropped automatically when fn returns, and a panic in
// fn is logged instead of crashing the process.
func (g *TaskGroup) Spawn(ctx context.Context, name string, fn func(ctx context.Context)) {
	taskCtx, cancel := context.WithCancel(ctx)

	g.mu.Lock()
	id := g.next
	g.next++
	g.tasks[id] = &task{name: name, cancel: cancel}
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("background task panicked", "task", name, "panic", r)
			}
			g.mu.Lock()
			delete(g.tasks, id)
			g.mu.Unlock()
			cancel()
			g.wg.Done()
		}()
		fn(taskCtx)
	}()
}

// Len reports the number of live tasks.
func (g *TaskGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// CancelAll cancels every live task and waits for them to exit.
func (g *TaskGroup) CancelAll() {
	g.mu.Lock()
	for _, t := range g.tasks {
		t.cancel()
	}
	g.mu.Unlock()
	g.wg.Wait()
}
