// Package recovery provides the failure-handling primitives used
// around externally-dependent tool operations: a circuit breaker, rate
// limiters, exponential backoff, and an execution supervisor.
//
// All primitives are safe for concurrent use. Locks are per-primitive
// and never held across calls into another primitive.
package recovery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/toolclaw/pkg/toolclaw/toolerr"
)

// CircuitState is the breaker's current position.
type CircuitState string

const (
	// StateClosed passes requests through and counts failures.
	StateClosed CircuitState = "closed"

	// StateOpen rejects all requests until the reset timeout elapses.
	StateOpen CircuitState = "open"

	// StateHalfOpen admits a limited number of probe requests.
	StateHalfOpen CircuitState = "half_open"
)

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold is the consecutive success count in half-open
	// that closes it again.
	SuccessThreshold int `yaml:"success_threshold"`

	// ResetTimeout is how long the circuit stays open before admitting
	// probes.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// Window bounds how old a failure may be and still count toward
	// the consecutive threshold.
	Window time.Duration `yaml:"window"`

	// HalfOpenMaxRequests caps concurrent probes while half-open.
	HalfOpenMaxRequests int `yaml:"half_open_max_requests"`
}

// DefaultBreakerConfig returns the stock tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    3,
		ResetTimeout:        30 * time.Second,
		Window:              60 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// AggressiveBreakerConfig trips fast and recovers slowly. For
// operations where failing fast matters more than availability.
func AggressiveBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    3,
		SuccessThreshold:    5,
		ResetTimeout:        60 * time.Second,
		Window:              30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// LenientBreakerConfig tolerates more failures before tripping.
func LenientBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    10,
		SuccessThreshold:    2,
		ResetTimeout:        15 * time.Second,
		Window:              120 * time.Second,
		HalfOpenMaxRequests: 5,
	}
}

// BreakerStats is a snapshot of breaker counters.
type BreakerStats struct {
	State            CircuitState
	TotalRequests    uint64
	TotalFailures    uint64
	TotalRejected    uint64
	ConsecutiveFails int
	OpenedAt         time.Time
}

// FailureRate is failures over total requests, 0 when idle.
func (s BreakerStats) FailureRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(s.TotalRequests)
}

// CircuitBreaker implements the closed/open/half-open state machine.
// The clock is injectable for tests.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	logger *slog.Logger

	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	lastFailure      time.Time
	openedAt         time.Time
	halfOpenInFlight int
	halfOpenSuccess  int
	totalRequests    uint64
	totalFailures    uint64
	totalRejected    uint64

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With("component", "breaker", "breaker", name),
		state:  StateClosed,
		now:    time.Now,
	}
}

// AllowRequest reports whether a request may proceed right now. While
// open it transitions to half-open once the reset timeout has elapsed,
// admitting up to HalfOpenMaxRequests probes.
func (b *CircuitBreaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.totalRequests++
		return true

	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.toHalfOpenLocked()
			b.halfOpenInFlight++
			b.totalRequests++
			return true
		}
		b.totalRejected++
		return false

	case StateHalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenMaxRequests {
			b.halfOpenInFlight++
			b.totalRequests++
			return true
		}
		b.totalRejected++
		return false
	}
	return false
}

// Check is AllowRequest returning a taxonomy error on rejection.
func (b *CircuitBreaker) Check() error {
	if b.AllowRequest() {
		return nil
	}
	return toolerr.New(toolerr.KindCircuitOpen, "circuit breaker %q is open", b.name)
}

// RecordSuccess notes a successful request.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFails = 0

	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.logger.Info("circuit closed after successful probes",
				"successes", b.halfOpenSuccess)
			b.toClosedLocked()
		}
	}
}

// Release returns an admitted request's probe slot without recording
// an outcome. Callers that abandon a request, for example on context
// cancellation, must call this so half-open probe capacity is not lost.
func (b *CircuitBreaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// RecordFailure notes a failed request. Enough consecutive failures
// inside the window open the circuit; any failure while half-open
// reopens it immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	now := b.now()

	switch b.state {
	case StateClosed:
		if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.Window {
			b.consecutiveFails = 0
		}
		b.consecutiveFails++
		b.lastFailure = now
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.logger.Warn("circuit opened",
				"consecutive_failures", b.consecutiveFails)
			b.toOpenLocked(now)
		}

	case StateHalfOpen:
		b.logger.Warn("probe failed, circuit reopened")
		b.toOpenLocked(now)
	}
}

// State returns the current state, applying the open-to-half-open
// timeout transition so observers never see a stale open.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.toHalfOpenLocked()
	}
	return b.state
}

// Stats returns a counter snapshot.
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:            b.state,
		TotalRequests:    b.totalRequests,
		TotalFailures:    b.totalFailures,
		TotalRejected:    b.totalRejected,
		ConsecutiveFails: b.consecutiveFails,
		OpenedAt:         b.openedAt,
	}
}

// Reset force-closes the breaker and clears counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosedLocked()
	b.totalRequests, b.totalFailures, b.totalRejected = 0, 0, 0
}

func (b *CircuitBreaker) toOpenLocked(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.halfOpenInFlight = 0
	b.halfOpenSuccess = 0
}

func (b *CircuitBreaker) toHalfOpenLocked() {
	b.state = StateHalfOpen
	b.halfOpenInFlight = 0
	b.halfOpenSuccess = 0
}

func (b *CircuitBreaker) toClosedLocked() {
	b.state = StateClosed
	b.consecutiveFails = 0
	b.halfOpenInFlight = 0
	b.halfOpenSuccess = 0
	b.openedAt = time.Time{}
}

// BreakerRegistry hands out one breaker per component name.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      BreakerConfig
	logger   *slog.Logger
}

// NewBreakerRegistry creates a registry using cfg for new breakers.
func NewBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = NewCircuitBreaker(name, r.cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Names lists registered breakers.
func (r *BreakerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	return names
}
