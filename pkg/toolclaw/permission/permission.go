// Package permission decides whether a tool call may proceed, asking a
// human through a Handler when the operation is risky and the session
// has not already trusted it.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/policy"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// Mode controls how strict the gate is.
type Mode string

const (
	// ModeNormal asks for confirmation on every dangerous operation.
	ModeNormal Mode = "normal"
	// ModeBypass skips confirmation. Command and path policy still apply.
	ModeBypass Mode = "bypass"
	// ModePlan approves read-only tools only. Nothing mutating runs.
	ModePlan Mode = "plan"
)

// ParseMode maps a config string to a Mode, defaulting to normal.
func ParseMode(s string) Mode {
	switch s {
	case string(ModeBypass):
		return ModeBypass
	case string(ModePlan):
		return ModePlan
	default:
		return ModeNormal
	}
}

// Decision is the outcome of a permission check.
type Decision string

const (
	Approved          Decision = "approved"
	Denied            Decision = "denied"
	NeedsConfirmation Decision = "needs_confirmation"
)

// Verdict is a resolved decision plus how long it should stick.
type Verdict struct {
	Decision Decision
	Reason   string
	// RememberSession caches an approval for the rest of the session.
	RememberSession bool
}

// Request describes the operation awaiting a decision. Prompt and
// Options form the message shown to the confirming side.
type Request struct {
	ID        string
	SessionID string
	ToolName  string
	Command   string
	Paths     []string
	ReadOnly  bool
	Risk      policy.RiskLevel
	Prompt    string
	Options   []string
}

// StandardOptions are the choices offered for every confirmation.
var StandardOptions = []string{"Approve once", "Approve for this session", "Deny"}

// Handler answers confirmation requests. Implementations must observe
// ctx and return promptly when it is cancelled.
type Handler interface {
	Confirm(ctx context.Context, req Request) (Verdict, error)
}

// Gate is the permission gate in front of tool execution.
type Gate struct {
	handler Handler
	tracker *DestructiveTracker
	logger  *slog.Logger

	mu      sync.Mutex
	mode    Mode
	trusted map[string]bool // "sessionID:toolName:signature"
}

// NewGate builds a gate in the given mode. handler may be nil, in which
// case every confirmation request is denied.
func NewGate(mode Mode, handler Handler, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		mode:    mode,
		handler: handler,
		tracker: NewDestructiveTracker(),
		logger:  logger.With("component", "permission"),
		trusted: make(map[string]bool),
	}
}

// Mode returns the gate's current mode.
func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// SetMode switches the gate's mode at runtime.
func (g *Gate) SetMode(mode Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
}

// Classify returns the raw decision for a request without performing
// the confirmation round-trip.
func (g *Gate) Classify(req Request) Decision {
	switch g.Mode() {
	case ModeBypass:
		return Approved
	case ModePlan:
		if req.ReadOnly {
			return Approved
		}
		return Denied
	}

	risk := g.tracker.Escalate(req)
	if !risk.RequiresConfirmation() {
		return Approved
	}
	if g.isTrusted(req) {
		return Approved
	}
	return NeedsConfirmation
}

// Check resolves a request to a final verdict, running the confirmation
// round-trip when needed. A Denied verdict is reported alongside a
// PermissionDenied error naming the offending operation.
func (g *Gate) Check(ctx context.Context, req Request) (Verdict, error) {
	switch g.Classify(req) {
	case Approved:
		return Verdict{Decision: Approved}, nil
	case Denied:
		reason := fmt.Sprintf("plan mode: %s is not read-only", req.ToolName)
		return Verdict{Decision: Denied, Reason: reason},
			toolerr.New(toolerr.KindPermissionDenied, "%s", reason).WithTool(req.ToolName)
	}

	if g.handler == nil {
		reason := "no confirmation handler available"
		return Verdict{Decision: Denied, Reason: reason},
			toolerr.New(toolerr.KindPermissionDenied, "%s", reason).WithTool(req.ToolName)
	}

	if req.Prompt == "" {
		req.Prompt = defaultPrompt(req)
	}
	if len(req.Options) == 0 {
		req.Options = StandardOptions
	}

	g.logger.Info("requesting confirmation",
		"tool", req.ToolName, "risk", req.Risk.String(), "session", req.SessionID)

	verdict, err := g.handler.Confirm(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{Decision: Denied, Reason: "cancelled"},
				toolerr.New(toolerr.KindCancelled, "confirmation interrupted")
		}
		return Verdict{Decision: Denied, Reason: err.Error()},
			toolerr.Wrap(toolerr.KindPermissionDenied, err).WithTool(req.ToolName)
	}

	switch verdict.Decision {
	case Approved:
		if verdict.RememberSession {
			g.GrantTrust(req)
		}
		g.tracker.RecordApproved(req)
		return verdict, nil
	default:
		reason := verdict.Reason
		if reason == "" {
			reason = fmt.Sprintf("user denied %s", describeOperation(req))
		}
		return Verdict{Decision: Denied, Reason: reason},
			toolerr.New(toolerr.KindPermissionDenied, "%s", reason).
				WithTool(req.ToolName).WithCommand(req.Command)
	}
}

// GrantTrust caches approval for materially identical requests in the
// same session.
func (g *Gate) GrantTrust(req Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trusted[trustKey(req)] = true
}

// ClearSessionTrust drops every cached approval for a session.
func (g *Gate) ClearSessionTrust(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prefix := sessionID + ":"
	for k := range g.trusted {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(g.trusted, k)
		}
	}
}

func (g *Gate) isTrusted(req Request) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trusted[trustKey(req)]
}

// trustKey normalizes a request to its operation signature. Low and
// medium risk commands share a key per base command, so one
// session-wide approval covers the command family. High and critical
// risk commands trust only their exact argv: approving one rm must not
// cover every future rm.
func trustKey(req Request) string {
	sig := ""
	if req.Command != "" {
		if req.Risk >= policy.RiskHigh {
			sig = strings.Join(strings.Fields(req.Command), " ")
		} else {
			sig = policy.BaseCommand(req.Command)
		}
	}
	return req.SessionID + ":" + req.ToolName + ":" + sig
}

func describeOperation(req Request) string {
	if req.Command != "" {
		return fmt.Sprintf("%s (%s)", req.ToolName, req.Command)
	}
	if len(req.Paths) > 0 {
		return fmt.Sprintf("%s on %s", req.ToolName, req.Paths[0])
	}
	return req.ToolName
}

func defaultPrompt(req Request) string {
	return fmt.Sprintf("Allow %s? risk=%s", describeOperation(req), req.Risk.String())
}

// ConfirmTimeout bounds how long a pending confirmation may wait.
const ConfirmTimeout = 120 * time.Second
