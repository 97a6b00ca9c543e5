// Package poll provides a bounded cooperative polling loop shared by the
// supervisor's health waits and the async delivery loop.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when every attempt ran without the condition
// becoming true.
var ErrExhausted = errors.New("poll: attempts exhausted")

// Until invokes fn up to attempts times, sleeping interval between calls.
// It returns nil as soon as fn reports done, ErrExhausted when the budget
// runs out, the context error on cancellation, and any error fn returns.
// The first call happens after one interval, matching a "start then wait"
// usage pattern.
func Until(ctx context.Context, interval time.Duration, attempts int, fn func(context.Context) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrExhausted
}
