package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	cases := map[string]ErrorType{
		"insufficient_quota":               ErrorQuota,
		"429 rate":                         ErrorRate,
		"context too long":                 ErrorContext,
		"timeout":                          ErrorTransient,
		"connection reset by peer":         ErrorTransient,
		"bad request":                      ErrorPermanent,
		"openai generate error 400: wrong": ErrorPermanent,
	}
	for msg, want := range cases {
		if got := ClassifyError(errors.New(msg)); got != want {
			t.Fatalf("classify %q: got %s want %s", msg, got, want)
		}
	}
}

func TestClassifyDeadlineIsTransient(t *testing.T) {
	err := fmt.Errorf("digest chunk 3: %w", context.DeadlineExceeded)
	require.Equal(t, ErrorTransient, ClassifyError(err))
	require.True(t, ClassifyError(err).Retryable())
	require.False(t, ErrorQuota.Retryable())
}

func TestClassifyStatus(t *testing.T) {
	got, ok := classifyStatus(429, "you exceeded your current quota")
	require.True(t, ok)
	require.Equal(t, ErrorQuota, got)
	got, _ = classifyStatus(503, "")
	require.Equal(t, ErrorTransient, got)
	got, _ = classifyStatus(400, "maximum context_length exceeded")
	require.Equal(t, ErrorContext, got)
	_, ok = classifyStatus(200, "")
	require.False(t, ok)
}
