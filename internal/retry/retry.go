// Package retry re-executes fallible remote calls with bounded attempts and
// fixed-base backoff. Operations passed here must be safe to invoke more than
// once: reads always qualify, and the store's writes are upserts keyed by id.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/tessara/pipecache/internal/store"
)

// DefaultBackoff is the base wait between attempts when Config.Backoff is zero.
const DefaultBackoff = 250 * time.Millisecond

// Config controls one Do call.
type Config struct {
	// MaxAttempts is the total number of invocations, initial call included.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Backoff is the wait before attempt n, multiplied by n-1.
	Backoff time.Duration

	// OnRetry, if set, is called before every re-attempt (so MaxAttempts-1
	// times for an operation that never succeeds). Side effect only, e.g. a
	// user-facing notice on the second attempt.
	OnRetry func(err error, attempt int)
}

// Do invokes op until it succeeds, a permanent error is returned, the context
// is done, or attempts are exhausted. The last error is returned as-is; Do
// never swallows a terminal failure.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if cfg.OnRetry != nil {
				cfg.OnRetry(lastErr, attempt)
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt-1)):
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsPermanent(err) || ctx.Err() != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// IsPermanent reports whether an error is deterministic and must not be
// retried.
func IsPermanent(err error) bool {
	return errors.Is(err, store.ErrPermissionDenied) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
