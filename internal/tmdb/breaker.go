package tmdb

import (
	"context"
	"sync"
	"time"
)

// ErrBreakerOpen is returned without touching upstream while the breaker
// is isolating failures.
var ErrBreakerOpen = localError("circuit breaker open")

// BreakerState is one of the three breaker states.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig sizes the failure window and the open cooldown.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// DefaultBreakerConfig matches the upstream client contract: ten failures
// in a rolling sixty-second window open the breaker for thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 10,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a three-state circuit breaker over a rolling window of failure
// timestamps. In half-open exactly one probe runs; other callers see
// ErrBreakerOpen until the probe resolves.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures []time.Time
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig()
	}
	return &Breaker{cfg: cfg}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Ready reports whether a call would be admitted right now, without
// claiming the half-open probe slot. Used as the pre-cache fast path so an
// open breaker fails before any cache write can happen.
func (b *Breaker) Ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrBreakerOpen
		}
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		return nil
	default:
		return nil
	}
}

// Do admits fn through the breaker. An open breaker past its cooldown
// transitions to half-open and admits the caller as the single probe.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		fallthrough
	case BreakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !countsAsBreakerFailure(err) {
		if b.state == BreakerHalfOpen {
			// Probe succeeded (or failed in a way that says nothing about
			// upstream health): close and clear the window.
			b.state = BreakerClosed
			b.failures = nil
			b.probing = false
		}
		return
	}

	now := time.Now()
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = now
		b.probing = false
		return
	}

	b.failures = append(b.failures, now)
	b.prune(now)
	if b.state == BreakerClosed && len(b.failures) >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = now
	}
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// FailuresInWindow returns the rolling failure count.
func (b *Breaker) FailuresInWindow() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(time.Now())
	return len(b.failures)
}
