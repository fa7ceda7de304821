// Package recovery – ratelimit.go implements a token-bucket rate
// limiter with burst support and an optional concurrency cap, plus a
// sliding-window variant for strict per-interval quotas.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// RateLimiterConfig tunes the token bucket.
type RateLimiterConfig struct {
	// RequestsPerSecond is the steady refill rate.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// BurstSize is the bucket capacity.
	BurstSize float64 `yaml:"burst_size"`

	// MaxWait bounds how long a blocking Acquire may sleep. Zero means
	// wait as long as the context allows.
	MaxWait time.Duration `yaml:"max_wait"`

	// MaxConcurrent caps in-flight operations when positive.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DefaultRateLimiterConfig returns the stock tuning.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 10,
		BurstSize:         20,
		MaxWait:           30 * time.Second,
	}
}

// acquirePollSlice bounds each sleep so cancellation is observed
// promptly even for long waits.
const acquirePollSlice = 100 * time.Millisecond

// RateLimiter is a token bucket. The bucket refills continuously based
// on elapsed time, capped at BurstSize. Mutated only under its mutex.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	sem chan struct{}
	now func() time.Time
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	l := &RateLimiter{
		cfg:    cfg,
		tokens: cfg.BurstSize,
		now:    time.Now,
	}
	l.lastRefill = l.now()
	if cfg.MaxConcurrent > 0 {
		l.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return l
}

func (l *RateLimiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.cfg.RequestsPerSecond
	if l.tokens > l.cfg.BurstSize {
		l.tokens = l.cfg.BurstSize
	}
	l.lastRefill = now
}

// TryAcquire takes n tokens without blocking. Returns false when the
// bucket holds fewer than n.
func (l *RateLimiter) TryAcquire(n float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	if l.tokens < n {
		return false
	}
	l.tokens -= n
	return true
}

// Acquire blocks until n tokens are available, MaxWait elapses, or ctx
// is done. Sleeps in short slices so cancellation is never delayed by
// a long computed wait.
func (l *RateLimiter) Acquire(ctx context.Context, n float64) error {
	deadline := time.Time{}
	if l.cfg.MaxWait > 0 {
		deadline = l.now().Add(l.cfg.MaxWait)
	}

	for {
		l.mu.Lock()
		l.refillLocked()
		if l.tokens >= n {
			l.tokens -= n
			l.mu.Unlock()
			return nil
		}
		need := (n - l.tokens) / l.cfg.RequestsPerSecond
		l.mu.Unlock()

		if !deadline.IsZero() && l.now().After(deadline) {
			return toolerr.New(toolerr.KindRateLimited,
				"timed out waiting %s for %.1f tokens", l.cfg.MaxWait, n)
		}

		wait := time.Duration(need * float64(time.Second))
		if wait > acquirePollSlice {
			wait = acquirePollSlice
		}
		select {
		case <-ctx.Done():
			return toolerr.Wrap(toolerr.KindCancelled, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Guard releases a concurrency slot. Callers must call Release exactly
// once, typically via defer.
type Guard struct {
	release func()
	once    sync.Once
}

// Release frees the slot. Safe to call more than once.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(g.release)
}

// AcquireSlot takes a concurrency slot, blocking until one frees or
// ctx is done. Returns a nil guard when no concurrency cap is set.
func (l *RateLimiter) AcquireSlot(ctx context.Context) (*Guard, error) {
	if l.sem == nil {
		return nil, nil
	}
	select {
	case l.sem <- struct{}{}:
		return &Guard{release: func() { <-l.sem }}, nil
	case <-ctx.Done():
		return nil, toolerr.Wrap(toolerr.KindCancelled, ctx.Err())
	}
}

// TrySlot takes a concurrency slot without blocking.
func (l *RateLimiter) TrySlot() (*Guard, bool) {
	if l.sem == nil {
		return nil, true
	}
	select {
	case l.sem <- struct{}{}:
		return &Guard{release: func() { <-l.sem }}, true
	default:
		return nil, false
	}
}

// Available returns the current token count after refill.
func (l *RateLimiter) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

// SlidingWindowLimiter enforces a hard cap of requests per fixed
// window, without burst carry-over between windows.
type SlidingWindowLimiter struct {
	maxRequests int
	window      time.Duration

	mu     sync.Mutex
	starts []time.Time
	now    func() time.Time
}

// NewSlidingWindowLimiter caps requests per window.
func NewSlidingWindowLimiter(maxRequests int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// TryAcquire admits a request if fewer than maxRequests started within
// the trailing window.
func (l *SlidingWindowLimiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	kept := l.starts[:0]
	for _, t := range l.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.starts = kept

	if len(l.starts) >= l.maxRequests {
		return false
	}
	l.starts = append(l.starts, l.now())
	return true
}

// InWindow returns how many requests count against the current window.
func (l *SlidingWindowLimiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	n := 0
	for _, t := range l.starts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
