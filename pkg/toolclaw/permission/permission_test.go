package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/policy"
	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

type scriptedHandler struct {
	verdict Verdict
	err     error
	calls   int
}

func (h *scriptedHandler) Confirm(_ context.Context, _ Request) (Verdict, error) {
	h.calls++
	return h.verdict, h.err
}

func riskyRequest(session string) Request {
	return Request{
		SessionID: session,
		ToolName:  "bash",
		Command:   "rm -rf build",
		Risk:      policy.RiskHigh,
	}
}

func TestBypassApprovesEverything(t *testing.T) {
	h := &scriptedHandler{}
	g := NewGate(ModeBypass, h, nil)

	v, err := g.Check(context.Background(), riskyRequest("s1"))
	if err != nil || v.Decision != Approved {
		t.Fatalf("verdict = %+v, err = %v", v, err)
	}
	if h.calls != 0 {
		t.Fatal("bypass mode must not prompt")
	}
}

func TestPlanModeOnlyReadOnly(t *testing.T) {
	g := NewGate(ModePlan, &scriptedHandler{}, nil)

	readOnly := Request{SessionID: "s1", ToolName: "read_file", ReadOnly: true, Risk: policy.RiskLow}
	if v, err := g.Check(context.Background(), readOnly); err != nil || v.Decision != Approved {
		t.Fatalf("read-only in plan mode: %+v, %v", v, err)
	}

	v, err := g.Check(context.Background(), riskyRequest("s1"))
	if v.Decision != Denied {
		t.Fatalf("mutating call in plan mode must deny, got %+v", v)
	}
	var terr *toolerr.Error
	if !errors.As(err, &terr) || terr.Kind != toolerr.KindPermissionDenied {
		t.Fatalf("want permission_denied, got %v", err)
	}
}

func TestNormalModeLowRiskSkipsPrompt(t *testing.T) {
	h := &scriptedHandler{}
	g := NewGate(ModeNormal, h, nil)

	req := Request{SessionID: "s1", ToolName: "bash", Command: "ls -la", Risk: policy.RiskLow}
	if v, err := g.Check(context.Background(), req); err != nil || v.Decision != Approved {
		t.Fatalf("low risk: %+v, %v", v, err)
	}
	if h.calls != 0 {
		t.Fatal("low risk operations must not prompt")
	}
}

func TestConfirmationDenialReportsOperation(t *testing.T) {
	h := &scriptedHandler{verdict: Verdict{Decision: Denied}}
	g := NewGate(ModeNormal, h, nil)

	v, err := g.Check(context.Background(), riskyRequest("s1"))
	if v.Decision != Denied {
		t.Fatalf("verdict = %+v", v)
	}
	var terr *toolerr.Error
	if !errors.As(err, &terr) {
		t.Fatalf("want *toolerr.Error, got %v", err)
	}
	if terr.Command != "rm -rf build" {
		t.Fatalf("denial must name the command, got %q", terr.Command)
	}
}

func TestSessionTrustSkipsSecondPrompt(t *testing.T) {
	h := &scriptedHandler{verdict: Verdict{Decision: Approved, RememberSession: true}}
	g := NewGate(ModeNormal, h, nil)

	if _, err := g.Check(context.Background(), riskyRequest("s1")); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Check(context.Background(), riskyRequest("s1")); err != nil {
		t.Fatal(err)
	}
	if h.calls != 1 {
		t.Fatalf("prompt count = %d, trusted repeat should skip", h.calls)
	}

	// Another session does not inherit the trust.
	if _, err := g.Check(context.Background(), riskyRequest("s2")); err != nil {
		t.Fatal(err)
	}
	if h.calls != 2 {
		t.Fatalf("prompt count = %d, other sessions must still prompt", h.calls)
	}

	g.ClearSessionTrust("s1")
	if _, err := g.Check(context.Background(), riskyRequest("s1")); err != nil {
		t.Fatal(err)
	}
	if h.calls != 3 {
		t.Fatal("cleared trust must prompt again")
	}
}

func TestNilHandlerDenies(t *testing.T) {
	g := NewGate(ModeNormal, nil, nil)
	v, err := g.Check(context.Background(), riskyRequest("s1"))
	if v.Decision != Denied || err == nil {
		t.Fatalf("no handler must deny: %+v, %v", v, err)
	}
}

func TestCheckCancelled(t *testing.T) {
	block := make(chan struct{})
	h := handlerFunc(func(ctx context.Context, _ Request) (Verdict, error) {
		select {
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		case <-block:
			return Verdict{Decision: Approved}, nil
		}
	})
	g := NewGate(ModeNormal, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := g.Check(ctx, riskyRequest("s1"))
	if toolerr.KindOf(err) != toolerr.KindCancelled {
		t.Fatalf("want cancelled, got %v", err)
	}
	close(block)
}

type handlerFunc func(ctx context.Context, req Request) (Verdict, error)

func (f handlerFunc) Confirm(ctx context.Context, req Request) (Verdict, error) {
	return f(ctx, req)
}

func TestApprovalManagerResolve(t *testing.T) {
	am := NewApprovalManager(nil)

	type result struct {
		v   Verdict
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := am.Confirm(context.Background(), Request{ID: "r1", ToolName: "bash"})
		done <- result{v, err}
	}()

	select {
	case req := <-am.Requests():
		if req.ID != "r1" {
			t.Fatalf("request id = %q", req.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never published")
	}

	if !am.Resolve("r1", Verdict{Decision: Approved}) {
		t.Fatal("resolve should find the pending request")
	}

	select {
	case r := <-done:
		if r.err != nil || r.v.Decision != Approved {
			t.Fatalf("confirm = %+v, %v", r.v, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirm never returned")
	}

	if am.Resolve("r1", Verdict{Decision: Denied}) {
		t.Fatal("resolve after completion should report false")
	}
}

func TestApprovalManagerContextCancel(t *testing.T) {
	am := NewApprovalManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := am.Confirm(ctx, Request{ID: "r2"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if len(am.Pending()) != 0 {
		t.Fatal("cancelled request must be cleaned up")
	}
}

func TestDestructiveTrackerEscalates(t *testing.T) {
	tr := NewDestructiveTracker()
	now := time.Now()
	tr.now = func() time.Time { return now }

	req := riskyRequest("s1")
	for range tr.PerMinuteCap {
		if got := tr.Escalate(req); got != policy.RiskHigh {
			t.Fatalf("risk before cap = %v", got)
		}
		tr.RecordApproved(req)
	}

	if got := tr.Escalate(req); got != policy.RiskCritical {
		t.Fatalf("risk after cap = %v, want critical", got)
	}

	// Cooldown holds even after the window slides past.
	now = now.Add(90 * time.Second)
	if got := tr.Escalate(req); got != policy.RiskCritical {
		t.Fatalf("risk during cooldown = %v, want critical", got)
	}

	now = now.Add(tr.Cooldown)
	if got := tr.Escalate(req); got != policy.RiskHigh {
		t.Fatalf("risk after cooldown = %v, want high", got)
	}
}

func TestDestructiveTrackerBenignResetsStreak(t *testing.T) {
	tr := NewDestructiveTracker()
	tr.PerMinuteCap = 100 // isolate the consecutive cap

	req := riskyRequest("s1")
	for range tr.ConsecutiveCap - 1 {
		tr.RecordApproved(req)
	}
	tr.Escalate(Request{SessionID: "s1", ToolName: "read_file", Risk: policy.RiskLow})
	tr.RecordApproved(req)

	if got := tr.Escalate(req); got != policy.RiskHigh {
		t.Fatalf("benign call should reset the streak, got %v", got)
	}
}

func TestVerdictForChoice(t *testing.T) {
	opts := StandardOptions
	if v := verdictForChoice(opts, 0); v.Decision != Approved || v.RememberSession {
		t.Fatalf("approve once: %+v", v)
	}
	if v := verdictForChoice(opts, 1); v.Decision != Approved || !v.RememberSession {
		t.Fatalf("approve session: %+v", v)
	}
	if v := verdictForChoice(opts, 2); v.Decision != Denied {
		t.Fatalf("deny: %+v", v)
	}
}

func TestSessionTrustScopedToExactDestructiveCommand(t *testing.T) {
	h := &scriptedHandler{verdict: Verdict{Decision: Approved, RememberSession: true}}
	g := NewGate(ModeNormal, h, nil)

	first := riskyRequest("s1")
	if _, err := g.Check(context.Background(), first); err != nil {
		t.Fatal(err)
	}

	// A different argv with the same base command must prompt again.
	other := first
	other.Command = "rm -rf src"
	if _, err := g.Check(context.Background(), other); err != nil {
		t.Fatal(err)
	}
	if h.calls != 2 {
		t.Fatalf("prompt count = %d, trusting one rm must not cover another", h.calls)
	}

	// The exact trusted argv still skips the prompt.
	if _, err := g.Check(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if h.calls != 2 {
		t.Fatalf("prompt count = %d, identical argv should stay trusted", h.calls)
	}
}

func TestSetModeConcurrentWithChecks(t *testing.T) {
	h := &scriptedHandler{verdict: Verdict{Decision: Approved}}
	g := NewGate(ModeNormal, h, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			g.SetMode(ModePlan)
			g.SetMode(ModeNormal)
		}
	}()
	for i := 0; i < 200; i++ {
		g.Classify(Request{SessionID: "s1", ToolName: "read_file", ReadOnly: true, Risk: policy.RiskLow})
	}
	<-done

	if g.Mode() != ModeNormal {
		t.Fatalf("mode = %s, want normal", g.Mode())
	}
}
