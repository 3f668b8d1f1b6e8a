package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig tunes a [Retry] policy.
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxAttempts is the total number of tries including the first.
	// Default: 3.
	MaxAttempts int

	// BaseBackoff is the delay before the second attempt; it doubles per
	// attempt. Default: 4s.
	BaseBackoff time.Duration

	// MaxBackoff caps the per-attempt delay. Default: 10s.
	MaxBackoff time.Duration

	// RetryIf decides whether an error is worth another attempt. A nil
	// predicate retries everything.
	RetryIf func(error) bool
}

// Retry executes fn up to MaxAttempts times with exponential backoff between
// attempts. Backoff waits respect ctx cancellation; a cancelled context
// returns immediately with ctx.Err(). The last error is returned when all
// attempts fail or the predicate rejects a retry.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := cfg.BaseBackoff
	if base <= 0 {
		base = 4 * time.Second
	}
	maxWait := cfg.MaxBackoff
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := base << (attempt - 1)
		if wait > maxWait {
			wait = maxWait
		}
		slog.Debug("retrying after failure",
			"name", cfg.Name, "attempt", attempt, "wait", wait, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", cfg.Name, attempts, err)
}

// RetryWithResult is [Retry] for operations that produce a value. It is a
// package-level function because Go does not support method-level type
// parameters.
func RetryWithResult[R any](ctx context.Context, cfg RetryConfig, fn func() (R, error)) (R, error) {
	var result R
	err := Retry(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
