// Package retry runs remote calls under an exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/push-service/internal/push"
)

var (
	ErrInvalidConfiguration = errors.New("retry: max attempts must be positive")
	ErrRetriesExhausted     = errors.New("retries exhausted")
)

// ExhaustedError carries the last failure once every attempt has been used.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetriesExhausted, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrRetriesExhausted, e.Err} }

// Policy waits min(Cap, Unit*Base^attempt) before retry number attempt.
type Policy struct {
	MaxAttempts int
	Base        float64
	Cap         time.Duration
	Unit        time.Duration

	// NewTimer overrides the wait timer; tests use it to avoid sleeping.
	NewTimer func() backoff.Timer
	// Notify is called before every wait with the failure that caused it.
	Notify func(attempt int, wait time.Duration, err error)
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Base: 2, Cap: 60 * time.Second, Unit: time.Second}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 1 {
		base = 2
	}
	unit := p.Unit
	if unit <= 0 {
		unit = time.Second
	}
	capped := p.Cap
	if capped <= 0 {
		capped = 60 * time.Second
	}
	wait := float64(unit) * math.Pow(base, float64(attempt))
	if wait >= float64(capped) || math.IsInf(wait, 1) {
		return capped
	}
	return time.Duration(wait)
}

// Do invokes op until it succeeds, returns a non-retriable error, or runs out of
// attempts. Non-retriable errors are returned as is; exhaustion is reported as
// an *ExhaustedError wrapping the last failure.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		return zero, ErrInvalidConfiguration
	}

	var (
		result   T
		attempts int
		lastErr  error
	)
	operation := func() error {
		attempts++
		res, err := op(ctx)
		if err == nil {
			result = res
			return nil
		}
		lastErr = err
		if !push.IsRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = &schedule{policy: p}
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)

	var notify backoff.Notify
	if p.Notify != nil {
		notify = func(err error, wait time.Duration) { p.Notify(attempts, wait, err) }
	}
	var timer backoff.Timer
	if p.NewTimer != nil {
		timer = p.NewTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, b, notify, timer)
	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempts, errors.Join(err, lastErr))
	case !push.IsRetriable(err):
		return zero, err
	default:
		return zero, &ExhaustedError{Attempts: attempts, Err: err}
	}
}

// Execute is Do for operations without a result.
func Execute(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// schedule adapts Policy.Delay to backoff.BackOff.
type schedule struct {
	policy  Policy
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	return s.policy.Delay(s.attempt)
}

func (s *schedule) Reset() { s.attempt = 0 }
