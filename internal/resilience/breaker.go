// SPDX-License-Identifier: MIT

// Package resilience holds the circuit breaker guarding the offload path.
// The breaker keeps a flaky ingest link from burning retries on every queued
// recording: after enough consecutive failures it opens, and a single probe
// per reset window decides whether the link is back.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/fieldrig/fieldrig/internal/metrics"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned while the breaker refuses requests.
var ErrOpen = errors.New("circuit breaker is open")

// clock abstracts time for tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Breaker is a consecutive-failure circuit breaker. In half-open it admits
// one probe per reset window; a success closes it, a failure reopens it.
type Breaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration
	clock        clock

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Option adjusts breaker construction.
type Option func(*Breaker)

// WithClock substitutes the time source.
func WithClock(c clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// New creates a closed breaker.
func New(name string, threshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	b := &Breaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		clock:        realClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	metrics.SetCircuitBreakerState(b.name, string(b.state))
	return b
}

// Allow reports whether a request may proceed. Crossing the reset timeout
// moves an open breaker to half-open and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) > b.resetTimeout {
			b.transitionTo(StateHalfOpen)
			b.probing = true
			return true
		}
		return false
	default: // StateHalfOpen
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	}
}

// RecordFailure counts one failure; the threshold trips the breaker, and any
// failed half-open probe reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	if b.state == StateHalfOpen {
		b.transitionTo(StateOpen)
		return
	}
	if b.state == StateClosed && b.failures >= b.threshold {
		b.transitionTo(StateOpen)
	}
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transitionTo moves the breaker; caller holds the lock.
func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	b.state = next
	if next == StateOpen {
		b.openedAt = b.clock.Now()
	}
	metrics.SetCircuitBreakerState(b.name, string(next))
}
