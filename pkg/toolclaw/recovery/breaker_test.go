package recovery

import (
	"testing"
	"time"
)

// fakeClock drives breaker/limiter time in tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := newFakeClock()
	b := NewCircuitBreaker("test", cfg, nil)
	b.now = clock.now
	return b, clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cfg := DefaultBreakerConfig()
	b, _ := newTestBreaker(cfg)

	for i := 0; i < cfg.FailureThreshold-1; i++ {
		b.RecordFailure()
		if !b.AllowRequest() {
			t.Fatalf("breaker opened early after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if b.AllowRequest() {
		t.Fatal("breaker must reject after threshold consecutive failures")
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cfg := DefaultBreakerConfig()
	b, _ := newTestBreaker(cfg)

	for i := 0; i < cfg.FailureThreshold-1; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < cfg.FailureThreshold-1; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatal("success must reset the consecutive failure count")
	}
}

func TestBreakerWindowExpiry(t *testing.T) {
	cfg := DefaultBreakerConfig()
	b, clock := newTestBreaker(cfg)

	for i := 0; i < cfg.FailureThreshold-1; i++ {
		b.RecordFailure()
	}
	// Old failures age out of the window.
	clock.advance(cfg.Window + time.Second)
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("failures outside the window must not count toward the threshold")
	}
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	cfg := DefaultBreakerConfig()
	b, clock := newTestBreaker(cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
	if b.AllowRequest() {
		t.Fatal("open breaker must reject")
	}

	clock.advance(cfg.ResetTimeout)

	// Exactly HalfOpenMaxRequests probes are admitted.
	for i := 0; i < cfg.HalfOpenMaxRequests; i++ {
		if !b.AllowRequest() {
			t.Fatalf("probe %d should be admitted", i+1)
		}
	}
	if b.AllowRequest() {
		t.Fatal("probes beyond the half-open cap must be rejected")
	}

	// Enough successes close the circuit.
	for i := 0; i < cfg.SuccessThreshold; i++ {
		b.RecordSuccess()
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after %d probe successes", b.State(), cfg.SuccessThreshold)
	}
	if !b.AllowRequest() {
		t.Fatal("closed breaker must admit requests")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultBreakerConfig()
	b, clock := newTestBreaker(cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
	clock.advance(cfg.ResetTimeout)
	if !b.AllowRequest() {
		t.Fatal("probe should be admitted")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("a half-open failure must reopen the circuit")
	}
	if b.AllowRequest() {
		t.Fatal("reopened circuit must reject until the reset timeout elapses again")
	}
}

func TestBreakerCheckError(t *testing.T) {
	cfg := AggressiveBreakerConfig()
	b, _ := newTestBreaker(cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
	if err := b.Check(); err == nil {
		t.Fatal("Check must surface a circuit_open error while open")
	}
}

func TestBreakerStats(t *testing.T) {
	b, _ := newTestBreaker(DefaultBreakerConfig())
	b.AllowRequest()
	b.RecordSuccess()
	b.AllowRequest()
	b.RecordFailure()

	s := b.Stats()
	if s.TotalRequests != 2 || s.TotalFailures != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if got := s.FailureRate(); got != 0.5 {
		t.Fatalf("failure rate = %f, want 0.5", got)
	}
}

func TestBreakerRegistry(t *testing.T) {
	r := NewBreakerRegistry(DefaultBreakerConfig(), nil)
	a := r.Get("llm")
	if a != r.Get("llm") {
		t.Fatal("registry must hand out the same breaker per name")
	}
	if a == r.Get("web") {
		t.Fatal("different names must get different breakers")
	}
	if len(r.Names()) != 2 {
		t.Fatalf("names = %v", r.Names())
	}
}

func TestBreakerReleaseReturnsProbeSlot(t *testing.T) {
	cfg := DefaultBreakerConfig()
	b, clock := newTestBreaker(cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
	clock.advance(cfg.ResetTimeout)

	// Admit every probe slot, then abandon them all without an outcome.
	for i := 0; i < cfg.HalfOpenMaxRequests; i++ {
		if !b.AllowRequest() {
			t.Fatalf("probe %d should be admitted", i+1)
		}
	}
	if b.AllowRequest() {
		t.Fatal("probes beyond the half-open cap must be rejected")
	}
	for i := 0; i < cfg.HalfOpenMaxRequests; i++ {
		b.Release()
	}

	// The slots are free again: the full probe budget is available.
	for i := 0; i < cfg.HalfOpenMaxRequests; i++ {
		if !b.AllowRequest() {
			t.Fatalf("released slot %d was not returned", i+1)
		}
	}
}

func TestBreakerReleaseOutsideHalfOpenIsNoop(t *testing.T) {
	b, _ := newTestBreaker(DefaultBreakerConfig())
	b.Release()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	if !b.AllowRequest() {
		t.Fatal("closed breaker must still admit after a stray release")
	}
}
