// Package breaker implements the connection supervisor (§4.5): a
// three-state circuit breaker combined with an exponential-backoff
// reconnector, shared by the remote publish relay (C4) and anything
// else that owns an outbound connection subject to transient failure.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

const (
	failureThreshold = 3
	successThreshold = 2
	openTimeout       = 30 * time.Second

	backoffBase   = time.Second
	backoffFactor = 2.0
	backoffCap    = 30 * time.Second
	maxAttempts   = 10
)

// ErrOpen is returned by Allow when the breaker is rejecting calls.
var ErrOpen = errors.New("breaker: circuit open")

// ErrMaxAttempts is returned once a reconnect loop exhausts its
// backoff budget without a terminal success.
var ErrMaxAttempts = errors.New("breaker: max reconnect attempts exceeded")

// Breaker tracks consecutive failures/successes and gates calls
// through Allow/Success/Failure. It does not itself retry; callers
// drive retries (typically via Reconnect, which layers backoff on
// top).
type Breaker struct {
	mu sync.Mutex

	state               State
	consecutiveFailures int
	consecutiveSuccess  int
	openedAt            time.Time
}

// New returns a Breaker starting in the closed state.
func New() *Breaker {
	return &Breaker{state: Closed}
}

// State returns the current state, first promoting open → half_open
// if the timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == Open && time.Since(b.openedAt) >= openTimeout {
		b.state = HalfOpen
		b.consecutiveSuccess = 0
	}
}

// Allow reports whether a call may proceed, transitioning open →
// half_open first if its timeout has elapsed. In half_open every call
// is allowed through; Allow does not limit how many probes run at
// once, and Success/Failure record each outcome as it arrives.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	if b.state == Open {
		return ErrOpen
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= successThreshold {
			b.state = Closed
			b.consecutiveFailures = 0
			b.consecutiveSuccess = 0
		}
	case Closed:
		b.consecutiveFailures = 0
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= failureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.consecutiveSuccess = 0
}

// Reset forces the breaker back to closed, per the spec's "manual
// reset returns to closed".
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFailures = 0
	b.consecutiveSuccess = 0
}

// newReconnectBackoff builds the exponential-backoff policy mandated
// by §4.5: base 1s, factor 2, cap 30s, max 10 attempts.
func newReconnectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffBase
	b.MaxInterval = backoffCap
	b.Multiplier = backoffFactor
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries, not elapsed wall time
	b.RandomizationFactor = 0
	b.Reset()
	// WithMaxRetries counts retries after the first call, so
	// maxAttempts-1 retries gives maxAttempts calls in total.
	return backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)
}

// Reconnect drives connect repeatedly through the breaker and the
// mandated backoff policy until it succeeds, ctx is cancelled, or the
// attempt budget is exhausted (ErrMaxAttempts).
func (b *Breaker) Reconnect(ctx context.Context, connect func(context.Context) error) error {
	policy := newReconnectBackoff(ctx)

	op := func() error {
		if err := b.Allow(); err != nil {
			return err
		}
		err := connect(ctx)
		if err != nil {
			b.Failure()
			return err
		}
		b.Success()
		return nil
	}

	err := backoff.Retry(op, policy)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return ErrMaxAttempts
}
