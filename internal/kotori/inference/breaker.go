package inference

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultBreakerThreshold is the number of consecutive failures that
	// opens the circuit.
	DefaultBreakerThreshold = 5
	// DefaultBreakerCooldown is how long the circuit stays open.
	DefaultBreakerCooldown = 30 * time.Second
)

// BreakerState is the externally visible state of a Breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker wraps a Port and stops calling it after repeated failures, so a
// dead backend costs callers nothing but an immediate ErrCircuitOpen.
//
// After the cooldown one trial call is let through. Its success closes the
// circuit; its failure opens it for another cooldown. Only timeouts and
// backend errors count as failures; rate limits and budget refusals do not.
type Breaker struct {
	port      Port
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time
	inTrial   bool
}

var _ Port = (*Breaker)(nil)

// NewBreaker wraps port. Non-positive arguments select the defaults.
func NewBreaker(port Port, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{port: port, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Generate forwards to the wrapped port unless the circuit is open.
func (b *Breaker) Generate(ctx context.Context, p Prompt, timeout time.Duration) (Completion, error) {
	trial, ok := b.acquire()
	if !ok {
		return Completion{}, ErrCircuitOpen
	}
	c, err := b.port.Generate(ctx, p, timeout)
	b.release(trial, err)
	return c, err
}

// Models forwards to the wrapped port when it can list models.
func (b *Breaker) Models(ctx context.Context) ([]string, error) {
	ml, ok := b.port.(ModelLister)
	if !ok {
		return nil, errors.New("inference: backend cannot list models")
	}
	return ml.Models(ctx)
}

// State reports the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.openUntil.IsZero():
		return BreakerClosed
	case b.now().Before(b.openUntil):
		return BreakerOpen
	}
	return BreakerHalfOpen
}

func (b *Breaker) acquire() (trial bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false, true
	}
	if b.now().Before(b.openUntil) || b.inTrial {
		return false, false
	}
	b.inTrial = true
	return true, true
}

func (b *Breaker) release(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.inTrial = false
	}

	if !countsAsFailure(err) {
		if err == nil {
			if !b.openUntil.IsZero() {
				slog.Info("inference: circuit closed")
			}
			b.failures = 0
			b.openUntil = time.Time{}
		}
		return
	}

	b.failures++
	if trial || b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
		slog.Warn("inference: circuit opened",
			"failures", b.failures,
			"cooldown", b.cooldown,
			"err", err,
		)
	}
}

// countsAsFailure is false for callers that cancelled; a client hanging up
// says nothing about the backend.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrBackend)
}
