// Package retry provides a bounded polling combinator.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrInvalidMaxAttempts is returned when maxAttempts is not positive.
	ErrInvalidMaxAttempts = errors.New("retry: maxAttempts must be greater than zero")

	// ErrExhausted is returned when every attempt ran without the condition
	// reporting done.
	ErrExhausted = errors.New("retry: attempts exhausted")
)

// Func is one polling attempt. attempt is 1-based. Returning done=true stops
// polling successfully; a non-nil error stops polling and is returned as is.
type Func func(ctx context.Context, attempt int) (done bool, err error)

// Poll calls fn up to maxAttempts times, sleeping interval between attempts.
// It does not sleep before the first attempt or after the last one.
func Poll(ctx context.Context, maxAttempts int, interval time.Duration, fn Func) error {
	if maxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			if attempt > 1 {
				slog.Debug("poll condition met", "attempt", attempt)
			}
			return nil
		}

		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	slog.Debug("poll attempts exhausted", "max_attempts", maxAttempts, "interval", interval)
	return ErrExhausted
}
