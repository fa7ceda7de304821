package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

func newTestLimiter(cfg RateLimiterConfig) (*RateLimiter, *fakeClock) {
	clock := newFakeClock()
	l := NewRateLimiter(cfg)
	l.now = clock.now
	l.lastRefill = clock.now()
	return l, clock
}

func TestRateLimiterBurstExhaustion(t *testing.T) {
	l, _ := newTestLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 5})

	// The full burst is available immediately after construction.
	if !l.TryAcquire(5) {
		t.Fatal("full burst should be available")
	}
	// One more than capacity is never available at once.
	if l.TryAcquire(1) {
		t.Fatal("empty bucket must refuse")
	}
}

func TestRateLimiterOverCapacity(t *testing.T) {
	l, _ := newTestLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 5})
	if l.TryAcquire(6) {
		t.Fatal("capacity+1 must fail immediately after construction")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	l, clock := newTestLimiter(RateLimiterConfig{RequestsPerSecond: 2, BurstSize: 4})

	if !l.TryAcquire(4) {
		t.Fatal("burst should drain")
	}
	// After 1/rate seconds, one token is back.
	clock.advance(500 * time.Millisecond)
	if !l.TryAcquire(1) {
		t.Fatal("one token should have refilled after 1/rate")
	}
	if l.TryAcquire(1) {
		t.Fatal("no second token yet")
	}

	// Refill is capped at capacity.
	clock.advance(time.Hour)
	if got := l.Available(); got != 4 {
		t.Fatalf("available = %f, want capacity 4", got)
	}
}

func TestRateLimiterAcquireBlocks(t *testing.T) {
	l := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 50, BurstSize: 1})
	if !l.TryAcquire(1) {
		t.Fatal("first token should be available")
	}

	start := time.Now()
	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// 1 token at 50/s needs ~20ms.
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("Acquire returned too fast: %s", elapsed)
	}
}

func TestRateLimiterAcquireCancellation(t *testing.T) {
	l := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 1})
	l.TryAcquire(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, 1) }()
	cancel()

	select {
	case err := <-done:
		var te *toolerr.Error
		if !errors.As(err, &te) || te.Kind != toolerr.KindCancelled {
			t.Fatalf("want cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not observe cancellation promptly")
	}
}

func TestRateLimiterMaxWait(t *testing.T) {
	l := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 0.001,
		BurstSize:         1,
		MaxWait:           50 * time.Millisecond,
	})
	l.TryAcquire(1)

	err := l.Acquire(context.Background(), 1)
	var te *toolerr.Error
	if !errors.As(err, &te) || te.Kind != toolerr.KindRateLimited {
		t.Fatalf("want rate_limited after MaxWait, got %v", err)
	}
}

func TestRateLimiterConcurrencySlots(t *testing.T) {
	l := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 10,
		BurstSize:         10,
		MaxConcurrent:     2,
	})

	g1, ok := l.TrySlot()
	g2, ok2 := l.TrySlot()
	if !ok || !ok2 {
		t.Fatal("two slots should be available")
	}
	if _, ok := l.TrySlot(); ok {
		t.Fatal("third slot must be refused")
	}

	g1.Release()
	g1.Release() // double release is safe
	if _, ok := l.TrySlot(); !ok {
		t.Fatal("released slot should be reusable")
	}
	g2.Release()
}

func TestSlidingWindowLimiter(t *testing.T) {
	clock := newFakeClock()
	l := NewSlidingWindowLimiter(2, time.Minute)
	l.now = clock.now

	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatal("first two requests should pass")
	}
	if l.TryAcquire() {
		t.Fatal("third request in the window must be refused")
	}

	clock.advance(time.Minute + time.Second)
	if !l.TryAcquire() {
		t.Fatal("requests should pass once the window slides")
	}
	if got := l.InWindow(); got != 1 {
		t.Fatalf("in-window count = %d, want 1", got)
	}
}
