package scoring

import (
	"sync"
	"time"

	"behavior-gate/internal/metrics"
)

// BreakerState is the classifier circuit state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow through
	BreakerOpen                         // calls are rejected
	BreakerHalfOpen                     // one probe call allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker trips open after threshold consecutive failures and probes again
// after openDuration.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	openedAt     time.Time
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

// NewBreaker creates a closed breaker. Non-positive arguments fall back to
// 5 failures and 30 seconds.
func NewBreaker(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// Allow reports whether a call may proceed. An open breaker whose
// openDuration has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.openDuration {
			b.transition(BreakerHalfOpen)
			return true
		}
		return false
	case BreakerHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes a half-open breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
}

// RecordFailure counts a failure and trips the breaker when needed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.openedAt = b.now()
		b.transition(BreakerOpen)
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(BreakerOpen)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// caller must hold b.mu
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	metrics.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
}
