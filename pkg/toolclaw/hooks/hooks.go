// Package hooks implements the pre/post tool execution hook system.
// Hooks come in two flavors: in-process functions registered on the
// Manager, and external executables configured per event that receive
// a JSON payload on stdin. Any pre-execution hook may veto the tool
// call.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Event identifies a hook point in the tool lifecycle.
type Event string

const (
	// EventPreToolUse fires before execution; a Block outcome vetoes
	// the call.
	EventPreToolUse Event = "pre_tool_use"

	// EventPostToolUse fires after a successful execution.
	EventPostToolUse Event = "post_tool_use"

	// EventPostToolUseFailure fires after a failed execution.
	EventPostToolUseFailure Event = "post_tool_use_failure"
)

// Input is the payload handed to every hook.
type Input struct {
	Event     Event           `json:"event"`
	SessionID string          `json:"session_id"`
	Cwd       string          `json:"cwd"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// ToolResult is set for post events.
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
}

// Outcome is a hook's verdict.
type Outcome struct {
	// Block vetoes the tool call (pre hooks only).
	Block bool

	// Message carries the block reason or informational output.
	Message string
}

// Continue is the pass-through outcome.
func Continue() Outcome { return Outcome{} }

// Block vetoes with a reason.
func Block(reason string) Outcome { return Outcome{Block: true, Message: reason} }

// Func is an in-process hook.
type Func func(ctx context.Context, in Input) Outcome

// Registered pairs a hook with its registration metadata.
type Registered struct {
	Name     string
	Event    Event
	Priority int // lower runs first
	Enabled  bool
	Matcher  string // tool name filter, empty matches all
	Fn       Func
}

// Manager dispatches hooks in priority order with per-hook panic
// recovery. Safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	hooks  map[Event][]*Registered
	logger *slog.Logger

	// HookTimeout bounds each external hook run.
	HookTimeout time.Duration
}

// NewManager creates an empty hook manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		hooks:       make(map[Event][]*Registered),
		logger:      logger.With("component", "hooks"),
		HookTimeout: 30 * time.Second,
	}
}

// Register adds a hook, keeping the event's list sorted by priority.
func (m *Manager) Register(name string, event Event, priority int, fn Func) {
	m.RegisterMatched(name, event, priority, "", fn)
}

// RegisterMatched adds a hook that only fires for tools matching the
// given name. An empty matcher matches every tool.
func (m *Manager) RegisterMatched(name string, event Event, priority int, matcher string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.hooks[event], &Registered{
		Name:     name,
		Event:    event,
		Priority: priority,
		Enabled:  true,
		Matcher:  matcher,
		Fn:       fn,
	})
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority < list[j].Priority
	})
	m.hooks[event] = list
}

// Unregister removes a hook by name.
func (m *Manager) Unregister(name string, event Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.hooks[event]
	for i, h := range list {
		if h.Name == name {
			m.hooks[event] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled toggles a hook without unregistering it.
func (m *Manager) SetEnabled(name string, event Event, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.hooks[event] {
		if h.Name == name {
			h.Enabled = enabled
			return true
		}
	}
	return false
}

// List returns the hooks registered for an event, in dispatch order.
func (m *Manager) List(event Event) []Registered {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Registered, 0, len(m.hooks[event]))
	for _, h := range m.hooks[event] {
		out = append(out, *h)
	}
	return out
}

// Dispatch runs the event's hooks in priority order. The first Block
// wins and short-circuits the rest. A panicking hook is logged and
// treated as Continue so one broken hook cannot wedge the engine.
func (m *Manager) Dispatch(ctx context.Context, in Input) Outcome {
	m.mu.RLock()
	list := make([]*Registered, len(m.hooks[in.Event]))
	copy(list, m.hooks[in.Event])
	m.mu.RUnlock()

	for _, h := range list {
		if !h.Enabled {
			continue
		}
		if h.Matcher != "" && h.Matcher != in.ToolName {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Continue()
		}
		outcome := m.runOne(ctx, h, in)
		if outcome.Block {
			m.logger.Warn("hook blocked tool call",
				"hook", h.Name, "tool", in.ToolName, "reason", outcome.Message)
			return outcome
		}
	}
	return Continue()
}

func (m *Manager) runOne(ctx context.Context, h *Registered, in Input) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("hook panicked",
				"hook", h.Name, "event", string(in.Event), "panic", fmt.Sprint(r))
			outcome = Continue()
		}
	}()
	return h.Fn(ctx, in)
}
