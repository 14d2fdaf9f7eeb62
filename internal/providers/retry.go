package providers

import (
	"context"
	"time"
)

// RetryPolicy mirrors the activity retry policy used by the workflows:
// exponential backoff from Initial, doubling, capped at Max.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

func DefaultRetryPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Initial: 2 * time.Second, Max: 20 * time.Second}
}

func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Retry calls fn until it succeeds, retryable rejects the error, attempts run
// out, or ctx is done. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error, retryable func(error) bool) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		t := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
