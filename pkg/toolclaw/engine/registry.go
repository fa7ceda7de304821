package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc executes a tool against parsed arguments and returns its
// textual output.
type HandlerFunc func(ctx context.Context, octx OrchestratorContext, args map[string]any) (string, error)

// Tool couples a handler with the execution traits the orchestrator
// needs: whether it mutates files, whether a failed attempt may be
// retried, and whether it leans on an external service.
type Tool struct {
	Name        string
	Description string

	// ReadOnly tools pass plan mode and may have results cached.
	ReadOnly bool

	// FileAffecting tools get a checkpoint before running and a
	// rollback when supervised execution ends in Stopped or TimedOut.
	FileAffecting bool

	// RetrySafe declares the handler idempotent enough to restart
	// after a transient failure, partial side effects included.
	RetrySafe bool

	// External names the outside dependency the tool leans on. The
	// orchestrator consults that dependency's circuit breaker and rate
	// limiter before each attempt. Empty means none.
	External string

	Handler HandlerFunc
}

// Registry is the set of executable tools, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("tool must have a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
