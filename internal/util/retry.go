// Package util holds small shared helpers: the retry harness used by the
// poller, atomic file writes for persisted state, and bounded-slice
// operations backing the capped histories.
package util

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig configures exponential-backoff retries.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (default 3).
	MaxAttempts int

	// InitialDelay is the delay before the first retry (default 100ms).
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay (default 2s).
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (default 2.0).
	Multiplier float64

	// Jitter adds up to 25% randomness to each delay.
	Jitter bool
}

// DefaultRetryConfig returns the sub-poll retry policy: three attempts,
// 100ms initial delay, doubling, capped at 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// Retry executes fn with exponential backoff until it succeeds, the attempt
// budget is spent, or ctx is canceled. Errors marked permanent short-circuit
// immediately.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}

	var zero T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := delay
		if cfg.Jitter {
			sleep += time.Duration(rand.Float64() * 0.25 * float64(delay))
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return zero, lastErr
}

// PermanentError wraps an error that retrying cannot fix, such as a
// rejected identifier.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// MarkPermanent wraps err so Retry stops immediately.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
