package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy handles retry logic with exponential backoff
type RetryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	retryable    func(error) bool
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a retry policy that retries every error
func NewRetryPolicy(maxAttempts int, initialDelay time.Duration) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPolicy{
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		maxDelay:     30 * time.Second,
		retryable:    func(error) bool { return true },
		sleep:        sleepCtx,
	}
}

// OnlyIf limits retries to errors matching one of targets
func (r *RetryPolicy) OnlyIf(targets ...error) *RetryPolicy {
	r.retryable = func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
	return r
}

// WithSleep replaces the wait function. Tests use it to skip real delays.
func (r *RetryPolicy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *RetryPolicy {
	r.sleep = sleep
	return r
}

// Execute runs fn until it succeeds, returns a non-retryable error,
// attempts run out, or ctx is done (including its deadline).
func (r *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := r.initialDelay

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err
		if !r.retryable(err) {
			return err
		}

		if attempt < r.maxAttempts {
			if err := r.sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry interrupted after %d attempts: %w", attempt, lastErr)
			}
			delay = time.Duration(float64(delay) * 1.5)
			if delay > r.maxDelay {
				delay = r.maxDelay
			}
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", r.maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
