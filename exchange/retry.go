package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RETRY - Exponential backoff wrapper around adapter calls
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultMaxAttempts bounds how many times a transient failure is retried.
	DefaultMaxAttempts = 3
	// DefaultBaseBackoff is the first retry delay; each retry doubles it.
	DefaultBaseBackoff = 500 * time.Millisecond
)

// Do runs fn with exponential backoff (2x, up to DefaultMaxAttempts) and the
// venue's circuit breaker. Non-retryable errors return immediately. Rate-limit
// errors honor the venue's Retry-After when present.
func Do(ctx context.Context, breaker *Breaker, venue, op string, fn func(ctx context.Context) error) error {
	if breaker != nil && !breaker.Allow() {
		return NewError(KindTransport, venue, op, fmt.Errorf("circuit breaker open"))
	}

	var lastErr error
	backoff := DefaultBaseBackoff

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		if breaker != nil {
			breaker.RecordFailure()
			if !breaker.Allow() {
				return lastErr
			}
		}
		if attempt == DefaultMaxAttempts {
			break
		}

		wait := backoff
		var tagged *Error
		if errors.As(err, &tagged) && tagged.RetryAfter > 0 {
			wait = tagged.RetryAfter
		}

		select {
		case <-ctx.Done():
			return NewError(KindTransport, venue, op, ctx.Err())
		case <-time.After(wait):
		}
		backoff *= 2
	}

	return lastErr
}
