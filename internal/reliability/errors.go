package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Retry errors
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")

	// Dead letter errors
	ErrInvalidDLQMessage = errors.New("dlq: invalid dead letter message")
)

// RetryError represents a retry operation error
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// Is reports exhaustion as ErrMaxRetriesExceeded.
func (e *RetryError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded && e.Attempts >= e.MaxAttempts
}
