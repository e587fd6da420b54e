// Package retry re-runs flaky remote operations a bounded number of times.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults used when the executor is built with zero values.
const (
	DefaultAttempts = 5
	DefaultDelay    = 500 * time.Millisecond
)

// ErrExhausted is matched by every error returned after the attempt bound is reached.
var ErrExhausted = errors.New("too many failed attempts")

// ExhaustedError carries the error of every failed attempt.
type ExhaustedError struct {
	Op       string
	Attempts int
	Errs     []error
}

func (e *ExhaustedError) Error() string {
	if len(e.Errs) == 0 {
		return fmt.Sprintf("%s: %s", e.Op, ErrExhausted)
	}
	return fmt.Sprintf("%s: %s (%d attempts, last: %v)", e.Op, ErrExhausted, e.Attempts, e.Errs[len(e.Errs)-1])
}

// Is reports ErrExhausted as matching.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// Unwrap exposes the attempt errors to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	return e.Errs
}

// Executor runs an operation up to a fixed number of attempts with a fixed delay in between.
// It does not assume the operation is idempotent; callers only wrap operations safe to repeat.
type Executor struct {
	attempts int
	delay    time.Duration
}

// New creates an executor. Non-positive values fall back to the defaults.
func New(attempts int, delay time.Duration) *Executor {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if delay < 0 {
		delay = DefaultDelay
	}
	return &Executor{attempts: attempts, delay: delay}
}

// Attempts returns the attempt bound.
func (e *Executor) Attempts() int {
	return e.attempts
}

// Do runs fn until it succeeds or the attempt bound is reached.
// Context cancellation stops the loop and returns the context error.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	errs := make([]error, 0, e.attempts)

	for attempt := 1; attempt <= e.attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Debug().Str("op", op).Int("attempt", attempt).Msg("Operation succeeded after retry")
			}
			return nil
		}
		errs = append(errs, err)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", e.attempts).
			Msg("Attempt failed")

		// No wait after the last attempt
		if attempt == e.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.delay):
		}
	}

	log.Error().Str("op", op).Int("attempts", e.attempts).Msg("Too many failed attempts, giving up")
	return &ExhaustedError{Op: op, Attempts: e.attempts, Errs: errs}
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
