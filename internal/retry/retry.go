// Package retry provides bounded exponential backoff for calls to external
// collaborators, with an explicit marker for transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Config bounds the retry loop. MaxRetries counts retries, not attempts, so
// an operation runs at most MaxRetries+1 times.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable: a timeout, rate limit, or dropped
// connection that a later attempt may survive.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err should be retried. Context cancellation is
// never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var marked *transientError
	if errors.As(err, &marked) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Do runs op, retrying transient failures with exponential backoff until the
// retry budget is exhausted. Non-transient failures surface immediately. The
// returned count is the number of attempts actually made.
func Do(ctx context.Context, cfg Config, logger zerolog.Logger, name string, op func(ctx context.Context) error) (int, error) {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(cfg, attempt-1)
			logger.Warn().
				Str("operation", name).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying after transient error")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempts, ctx.Err()
			case <-timer.C:
			}
		}

		attempts++
		lastErr = op(ctx)
		if lastErr == nil {
			return attempts, nil
		}
		if !IsTransient(lastErr) {
			return attempts, lastErr
		}
	}

	return attempts, fmt.Errorf("%s: retries exhausted after %d attempts: %w", name, cfg.MaxRetries+1, lastErr)
}

func backoff(cfg Config, exponent int) time.Duration {
	delay := cfg.BaseDelay << uint(exponent)
	if delay > cfg.MaxDelay || delay <= 0 {
		return cfg.MaxDelay
	}
	return delay
}
