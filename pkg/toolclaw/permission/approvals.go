package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalManager brokers confirmation requests between the gate and an
// asynchronous answering side, such as a UI loop reading from a queue.
// Each pending request holds a buffered channel so Resolve never blocks
// on a waiter that already timed out.
type ApprovalManager struct {
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	pending  map[string]chan Verdict
	requests chan Request
}

// NewApprovalManager creates a manager with the standard 120s wait.
func NewApprovalManager(logger *slog.Logger) *ApprovalManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalManager{
		timeout:  ConfirmTimeout,
		logger:   logger.With("component", "approvals"),
		pending:  make(map[string]chan Verdict),
		requests: make(chan Request, 16),
	}
}

// Requests exposes pending confirmations to the answering side. The
// consumer calls Resolve with the request's ID once the user decides.
func (a *ApprovalManager) Requests() <-chan Request { return a.requests }

// Confirm implements Handler. It publishes the request as pending and
// waits for Resolve, the timeout, or ctx, whichever comes first.
func (a *ApprovalManager) Confirm(ctx context.Context, req Request) (Verdict, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ch := make(chan Verdict, 1)
	a.mu.Lock()
	if _, exists := a.pending[req.ID]; exists {
		a.mu.Unlock()
		return Verdict{}, fmt.Errorf("duplicate confirmation request %s", req.ID)
	}
	a.pending[req.ID] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
	}()

	select {
	case a.requests <- req:
	default:
		a.logger.Warn("confirmation queue full, dropping notification", "id", req.ID)
	}

	a.logger.Debug("confirmation pending", "id", req.ID, "tool", req.ToolName)

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case verdict := <-ch:
		return verdict, nil
	case <-timer.C:
		return Verdict{}, fmt.Errorf("confirmation for %s timed out after %s", req.ToolName, a.timeout)
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	}
}

// Resolve delivers the answer for a pending request. It reports false
// when the request is unknown or already answered.
func (a *ApprovalManager) Resolve(id string, verdict Verdict) bool {
	a.mu.Lock()
	ch, ok := a.pending[id]
	a.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- verdict:
		return true
	default:
		return false
	}
}

// Pending returns the IDs of requests still awaiting an answer.
func (a *ApprovalManager) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	return ids
}
