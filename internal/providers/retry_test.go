package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := DefaultRetryPolicy(5)
	require.Equal(t, 2*time.Second, p.Backoff(1))
	require.Equal(t, 4*time.Second, p.Backoff(2))
	require.Equal(t, 16*time.Second, p.Backoff(4))
	require.Equal(t, 20*time.Second, p.Backoff(5))
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 4, Initial: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("timeout")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryHonoursRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 4, Initial: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("bad request")
	}, func(err error) bool { return ClassifyError(err).Retryable() })
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 2, Initial: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("temporarily unavailable")
	}, nil)
	require.EqualError(t, err, "temporarily unavailable")
	require.Equal(t, 2, calls)
}
