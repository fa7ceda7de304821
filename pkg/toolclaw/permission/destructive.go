package permission

import (
	"sync"
	"time"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/policy"
)

// DestructiveTracker watches the stream of high-risk operations in a
// session and escalates risk when they arrive too fast. A burst of
// destructive commands is a stronger signal than any single one.
type DestructiveTracker struct {
	// PerMinuteCap is how many high-risk approvals a session gets per
	// minute before further ones are escalated to critical.
	PerMinuteCap int
	// ConsecutiveCap escalates after this many high-risk operations in
	// a row with nothing benign in between.
	ConsecutiveCap int
	// Cooldown is how long escalation sticks after the cap is hit.
	Cooldown time.Duration

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionActivity
}

type sessionActivity struct {
	recent      []time.Time
	consecutive int
	cooledUntil time.Time
}

func NewDestructiveTracker() *DestructiveTracker {
	return &DestructiveTracker{
		PerMinuteCap:   3,
		ConsecutiveCap: 5,
		Cooldown:       2 * time.Minute,
		now:            time.Now,
		sessions:       make(map[string]*sessionActivity),
	}
}

// Escalate returns the request's effective risk, bumped to critical
// when the session's recent destructive activity exceeds the caps.
func (t *DestructiveTracker) Escalate(req Request) policy.RiskLevel {
	risk := req.Risk
	if risk < policy.RiskHigh {
		t.noteBenign(req.SessionID)
		return risk
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sessions[req.SessionID]
	if s == nil {
		s = &sessionActivity{}
		t.sessions[req.SessionID] = s
	}

	now := t.now()
	if now.Before(s.cooledUntil) {
		return policy.RiskCritical
	}

	cutoff := now.Add(-time.Minute)
	kept := s.recent[:0]
	for _, ts := range s.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.recent = kept

	if len(s.recent) >= t.PerMinuteCap || s.consecutive >= t.ConsecutiveCap {
		s.cooledUntil = now.Add(t.Cooldown)
		return policy.RiskCritical
	}
	return risk
}

// RecordApproved notes that a high-risk operation was approved and ran.
func (t *DestructiveTracker) RecordApproved(req Request) {
	if req.Risk < policy.RiskHigh {
		t.noteBenign(req.SessionID)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[req.SessionID]
	if s == nil {
		s = &sessionActivity{}
		t.sessions[req.SessionID] = s
	}
	s.recent = append(s.recent, t.now())
	s.consecutive++
}

func (t *DestructiveTracker) noteBenign(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.sessions[sessionID]; s != nil {
		s.consecutive = 0
	}
}

