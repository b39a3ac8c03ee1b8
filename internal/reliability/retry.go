package reliability

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	// JitterMin and JitterMax bound the multiplicative jitter applied to every
	// backoff delay.
	JitterMin = 0.8
	JitterMax = 1.2
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// MaxRetries returns the number of retries allowed after the first attempt
	MaxRetries() int
	// NextDelay returns the sleep after failed attempt n (1-indexed)
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements jittered exponential backoff.
//
// The delay after failed attempt n is
// min(InitialInterval * Multiplier^(n-1) * jitter, MaxInterval), with jitter
// drawn independently per call from [JitterMin, JitterMax].
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool

	mu   sync.Mutex
	rand func() float64
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func (e *ExponentialBackoff) WithRand(fn func() float64) *ExponentialBackoff {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rand = fn
	return e
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// Base returns the un-jittered delay after failed attempt n, capped at
// MaxInterval.
func (e *ExponentialBackoff) Base(attempt int) time.Duration {
	return time.Duration(math.Min(e.raw(attempt), float64(e.MaxInterval)))
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := e.raw(attempt)
	if e.Jitter {
		delay *= JitterMin + e.sample()*(JitterMax-JitterMin)
	}
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	return time.Duration(delay)
}

func (e *ExponentialBackoff) raw(attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	return float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt-1))
}

func (e *ExponentialBackoff) sample() float64 {
	e.mu.Lock()
	fn := e.rand
	e.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return rand.Float64()
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryNotify is called after a failed attempt, before sleeping.
type RetryNotify func(attempt int, err error, delay time.Duration)

// Retry runs fn up to policy.MaxRetries()+1 times, sleeping policy.NextDelay
// between failures. Errors marked non-retryable stop the loop immediately.
// Exhaustion returns a *RetryError wrapping the last failure; cancellation
// during a sleep returns the context error.
func Retry(ctx context.Context, op string, policy RetryPolicy, fn func(attempt int) error, notify RetryNotify) error {
	start := time.Now()
	maxAttempts := policy.MaxRetries() + 1

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attempts = attempt
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) || attempt == maxAttempts {
			break
		}

		delay := policy.NextDelay(attempt)
		if notify != nil {
			notify(attempt, lastErr, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &RetryError{
		Op:          op,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LastError:   lastErr,
		Duration:    time.Since(start),
	}
}

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error to indicate whether it's retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
