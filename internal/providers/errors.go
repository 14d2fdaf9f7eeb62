package providers

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/openai/openai-go"
)

type ErrorType string

const (
	ErrorQuota     ErrorType = "quota"
	ErrorRate      ErrorType = "rate"
	ErrorTransient ErrorType = "transient"
	ErrorPermanent ErrorType = "permanent"
	ErrorContext   ErrorType = "context"
)

// Retryable reports whether the same provider may be asked again.
func (t ErrorType) Retryable() bool {
	return t == ErrorRate || t == ErrorTransient
}

func ClassifyError(err error) ErrorType {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if t, ok := classifyStatus(apiErr.StatusCode, strings.ToLower(apiErr.Error())); ok {
			return t
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTransient
	}
	e := strings.ToLower(err.Error())
	switch {
	case strings.Contains(e, "quota"), strings.Contains(e, "credit"), strings.Contains(e, "insufficient_quota"):
		return ErrorQuota
	case strings.Contains(e, "rate limit"), strings.Contains(e, "rate_limit"), strings.Contains(e, "429"), strings.HasSuffix(e, " rate"):
		return ErrorRate
	case strings.Contains(e, "context_length"), strings.Contains(e, "context length"), strings.Contains(e, "too long"):
		return ErrorContext
	case strings.Contains(e, "timeout"), strings.Contains(e, "temporarily"), strings.Contains(e, "unavailable"),
		strings.Contains(e, "connection"), strings.Contains(e, "eof"):
		return ErrorTransient
	default:
		return ErrorPermanent
	}
}

func classifyStatus(status int, msg string) (ErrorType, bool) {
	switch {
	case status == 429 && (strings.Contains(msg, "quota") || strings.Contains(msg, "billing")):
		return ErrorQuota, true
	case status == 429:
		return ErrorRate, true
	case status == 400 && (strings.Contains(msg, "context_length") || strings.Contains(msg, "too long")):
		return ErrorContext, true
	case status == 408 || status == 409 || status >= 500:
		return ErrorTransient, true
	case status >= 400:
		return ErrorPermanent, true
	}
	return "", false
}
