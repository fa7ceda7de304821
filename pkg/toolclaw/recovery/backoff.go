// Package recovery – backoff.go implements exponential backoff with
// optional jitter, used by the supervisor between restart attempts.
package recovery

import (
	"math/rand"
	"time"
)

// BackoffConfig tunes the exponential backoff sequence.
type BackoffConfig struct {
	// Base is the delay before the first retry.
	Base time.Duration `yaml:"base"`

	// Factor multiplies the delay after each attempt.
	Factor float64 `yaml:"factor"`

	// Cap bounds the delay.
	Cap time.Duration `yaml:"cap"`

	// Jitter randomizes each delay in [delay/2, delay) to avoid
	// synchronized retry storms.
	Jitter bool `yaml:"jitter"`
}

// DefaultBackoffConfig returns 100ms doubling to a 30s cap.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:   100 * time.Millisecond,
		Factor: 2,
		Cap:    30 * time.Second,
	}
}

// Backoff yields the delay sequence. Not safe for concurrent use; each
// retry loop owns its own instance.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
}

// NewBackoff starts a fresh sequence.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Base <= 0 {
		cfg.Base = 100 * time.Millisecond
	}
	if cfg.Factor < 1 {
		cfg.Factor = 2
	}
	if cfg.Cap <= 0 {
		cfg.Cap = 30 * time.Second
	}
	return &Backoff{cfg: cfg}
}

// Next returns the delay for the upcoming attempt and advances the
// sequence.
func (b *Backoff) Next() time.Duration {
	d := float64(b.cfg.Base)
	for i := 0; i < b.attempt; i++ {
		d *= b.cfg.Factor
		if d >= float64(b.cfg.Cap) {
			d = float64(b.cfg.Cap)
			break
		}
	}
	b.attempt++

	delay := time.Duration(d)
	if b.cfg.Jitter && delay > 0 {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)))
	}
	return delay
}

// Attempt returns how many delays have been handed out.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset restarts the sequence.
func (b *Backoff) Reset() { b.attempt = 0 }
