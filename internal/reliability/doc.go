// Package reliability provides the retry primitives shared by the broker layer.
//
// It implements:
//   - Exponential backoff with multiplicative jitter in [0.8, 1.2]
//   - A cancellable Sleep and a generic Retry loop
//   - Decoding of RabbitMQ x-death headers and dead-lettered event envelopes
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 3)
//	err := Retry(ctx, "connect", policy, func(attempt int) error {
//	    return dial()
//	}, nil)
package reliability
