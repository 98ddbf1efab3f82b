// Package retry runs an operation again, with exponential backoff, while it
// fails with a transient error.
//
// Inference calls retry backend errors inside their timeout. Audit appends
// retry when another instance moved the chain head first.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls one Do call. Zero fields take the DefaultConfig value,
// except MaxAttempts where zero means a single attempt.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ShouldRetry classifies errors. Nil retries everything that was not
	// marked with Permanent.
	ShouldRetry func(err error) bool
}

// DefaultConfig suits short database and HTTP calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as final: Do returns it without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func (c Config) normalized() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultConfig.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	return c
}

func (c Config) retryable(err error) bool {
	if IsPermanent(err) {
		return false
	}
	return c.ShouldRetry == nil || c.ShouldRetry(err)
}

// delay returns the wait after the given failed attempt (1-based).
func (c Config) delay(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 1; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	return min(d, c.MaxDelay)
}

// Do calls fn until it succeeds, returns a final error, the attempts run
// out or ctx ends. The last error from fn is returned, joined with the
// context error when cancellation cut the loop short.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.normalized()
	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return errors.Join(err, cerr)
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts || !cfg.retryable(err) {
			return err
		}

		wait := cfg.delay(attempt)
		slog.Debug("retrying", "attempt", attempt, "max", cfg.MaxAttempts, "delay", wait, "err", err)
		if cerr := sleep(ctx, wait); cerr != nil {
			return errors.Join(err, cerr)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
