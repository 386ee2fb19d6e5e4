// Package retry re-attempts single remote requests that fail for transient
// network reasons. It sits beneath both single-item and batch fetches so every
// item in a batch gets its own attempts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// DefaultAttempts is the number of times a request is tried before its last
// transient error is returned.
const DefaultAttempts = 3

// Retrier executes calls with a bounded number of attempts.
type Retrier struct {
	attempts   int
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger
}

// New creates a Retrier. attempts <= 0 means DefaultAttempts.
func New(attempts int, logger zerolog.Logger) *Retrier {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &Retrier{
		attempts:   attempts,
		newBackOff: defaultBackOff,
		logger:     logger.With().Str("component", "Retrier").Logger(),
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// Attempts returns the attempt ceiling.
func (r *Retrier) Attempts() int {
	return r.attempts
}

// Do runs fn, retrying transient failures.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn, retrying transient failures up to the attempt ceiling.
// Non-transient errors are returned immediately and unchanged. When attempts
// are exhausted the last transient error is returned unchanged.
func Call[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		if !IsTransient(err) {
			return value, backoff.Permanent(err)
		}
		if attempt < r.attempts {
			r.logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", r.attempts).Msg("Transient failure, retrying.")
		}
		return value, err
	}

	value, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		if attempt >= r.attempts && IsTransient(err) {
			r.logger.Error().Err(err).Int("attempts", attempt).Msg("Transient failure persisted, giving up.")
		}
		var zero T
		return zero, err
	}
	return value, nil
}
