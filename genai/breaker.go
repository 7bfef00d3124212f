// CLAUDE:SUMMARY Circuit-breaker Generator decorator: opens on consecutive failures, half-open probes, fails fast while open.
package genai

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/plumehq/plume/persona"
)

// ErrBreakerOpen means the call was rejected without reaching the backend
// because the circuit is open.
var ErrBreakerOpen = errors.New("genai: backend circuit open")

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation, calls pass through
	BreakerOpen                         // calls rejected immediately
	BreakerHalfOpen                     // probe calls allowed to test recovery
)

// Breaker wraps a Generator with a circuit breaker so a dead backend
// fails tasks fast instead of pinning every dispatcher worker on
// timeouts. After threshold consecutive failures the circuit opens and
// calls return ErrBreakerOpen; once the reset timeout elapses, probe
// calls run half-open, and enough successes close the circuit again.
// The breaker rejects, it never retries.
// Thread-safe: all state transitions use a mutex.
type Breaker struct {
	next persona.Generator

	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	threshold    int           // failures before opening
	resetTimeout time.Duration // how long to stay open before half-open
	halfOpenMax  int           // successes in half-open before closing
	lastFailure  time.Time
	now          func() time.Time // injectable clock for testing
}

var _ persona.Generator = (*Breaker)(nil)

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerThreshold sets the failure count that trips the breaker open.
func WithBreakerThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithBreakerResetTimeout sets how long the breaker stays open before
// transitioning to half-open.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithBreakerHalfOpenMax sets how many consecutive successes in half-open
// are needed to close the breaker.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(b *Breaker) { b.halfOpenMax = n }
}

// WithBreakerClock sets a custom clock function (for testing).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = fn }
}

// NewBreaker wraps next with sensible defaults: 5 failures to open, 30s
// reset timeout, 2 successes to close from half-open.
func NewBreaker(next persona.Generator, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		next:         next,
		state:        BreakerClosed,
		threshold:    5,
		resetTimeout: 30 * time.Second,
		halfOpenMax:  2,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state
}

func (b *Breaker) GenerateCore(ctx context.Context, onboarding map[string]any) (persona.CorePersona, error) {
	if !b.allow() {
		return persona.CorePersona{}, ErrBreakerOpen
	}
	core, err := b.next.GenerateCore(ctx, onboarding)
	b.record(err)
	return core, err
}

func (b *Breaker) GenerateConsolidated(ctx context.Context, onboarding map[string]any, platforms []string) (persona.CorePersona, map[string]persona.PlatformPersona, error) {
	if !b.allow() {
		return persona.CorePersona{}, nil, ErrBreakerOpen
	}
	core, out, err := b.next.GenerateConsolidated(ctx, onboarding, platforms)
	b.record(err)
	return core, out, err
}

func (b *Breaker) GeneratePlatform(ctx context.Context, core persona.CorePersona, platform string) (persona.PlatformPersona, error) {
	if !b.allow() {
		return persona.PlatformPersona{}, ErrBreakerOpen
	}
	pp, err := b.next.GeneratePlatform(ctx, core, platform)
	b.record(err)
	return pp, err
}

// allow checks whether a call may pass. False only while the breaker is
// open and the reset timeout has not elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state != BreakerOpen
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.lastFailure = b.now()
		switch b.state {
		case BreakerClosed:
			b.failures++
			if b.failures >= b.threshold {
				b.state = BreakerOpen
			}
		case BreakerHalfOpen:
			// Any failure in half-open goes back to open.
			b.state = BreakerOpen
			b.successes = 0
		}
		return
	}
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// maybeTransition checks if an open breaker should move to half-open.
// Must be called with mu held.
func (b *Breaker) maybeTransition() {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}
