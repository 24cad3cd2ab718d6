package engine

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds the wait for a file that is still held by its writer
type RetryPolicy struct {
	// Interval is the delay after the first failed attempt
	Interval time.Duration
	// MaxInterval caps the doubled delay
	MaxInterval time.Duration
	// Limit is the number of retries after the first attempt; 0 retries forever
	Limit int
}

// DefaultRetryPolicy returns the policy used when nothing is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Interval:    50 * time.Millisecond,
		MaxInterval: time.Second,
		Limit:       40,
	}
}

// permanentError stops the retry loop and is unwrapped before returning
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// permanent marks err as not worth retrying
func permanent(err error) error {
	return permanentError{err: err}
}

// Do runs operation until it succeeds, returns a permanent error, the
// context ends or the retry limit is spent. The delay doubles after every
// failure up to MaxInterval.
func (p RetryPolicy) Do(ctx context.Context, operation func() error) error {
	delay := p.Interval
	if delay <= 0 {
		delay = DefaultRetryPolicy().Interval
	}
	maxDelay := p.MaxInterval
	if maxDelay < delay {
		maxDelay = delay
	}

	var lastErr error
	for attempt := 0; p.Limit == 0 || attempt <= p.Limit; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if perm, ok := err.(permanentError); ok {
			return perm.err
		}
		lastErr = err

		if p.Limit != 0 && attempt == p.Limit {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	return fmt.Errorf("operation failed after %d attempts, last error: %w", p.Limit+1, lastErr)
}
