package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gradeflow/internal/config"
)

var (
	ErrProvidersExhausted = errors.New("all llm providers exhausted")
	errNoVision           = errors.New("provider does not support vision")
)

// CallRecord is the metadata of one model call. Prompt and output content are
// never part of it.
type CallRecord struct {
	RequestID    string
	RunID        string
	Operation    string
	ProviderName string
	Model        string
	KeyAlias     string
	Attempt      int
	Status       string
	ErrorType    string
	Latency      time.Duration
}

type runIDKey struct{}

// WithRunID tags model calls made under ctx with a grading run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

type CallerOptions struct {
	Timeout           time.Duration
	Retry             RetryPolicy
	RequestsPerSecond float64
	Cooldown          time.Duration
	Logger            logrus.FieldLogger
	OnCall            func(CallRecord)
}

// Caller issues model calls with pacing, a per-call timeout, bounded retries
// and failover across the configured providers. Providers that report quota
// exhaustion are parked for the cooldown.
type Caller struct {
	manager *Manager
	opts    CallerOptions
	limiter *rate.Limiter

	mu            sync.Mutex
	disabledUntil map[int]time.Time
	now           func() time.Time
}

func CallerOptionsFromConfig(cfg config.Config, logger logrus.FieldLogger) CallerOptions {
	return CallerOptions{
		Timeout:           cfg.ModelCallTimeout,
		Retry:             DefaultRetryPolicy(cfg.ModelCallAttempts),
		RequestsPerSecond: cfg.RequestsPerSecond,
		Cooldown:          time.Duration(cfg.ProviderCooldownSecs) * time.Second,
		Logger:            logger,
	}
}

func NewCaller(m *Manager, opts CallerOptions) *Caller {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultRetryPolicy(3)
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Caller{
		manager:       m,
		opts:          opts,
		limiter:       rate.NewLimiter(limit, 1),
		disabledUntil: map[int]time.Time{},
		now:           time.Now,
	}
}

func (c *Caller) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	return c.do(ctx, req.Operation, func(ctx context.Context, idx int) (GenerateResponse, ProviderInfo, error) {
		p, _ := c.manager.LLMProviderByIndex(idx)
		return p.Generate(ctx, req)
	})
}

func (c *Caller) Describe(ctx context.Context, req VisionRequest) (GenerateResponse, ProviderInfo, error) {
	return c.do(ctx, req.Operation, func(ctx context.Context, idx int) (GenerateResponse, ProviderInfo, error) {
		p, ref, ok := c.manager.VisionProviderByIndex(idx)
		if !ok {
			return GenerateResponse{}, ProviderInfo{Name: ref.Name, Key: ref.KeyAlias}, errNoVision
		}
		return p.Describe(ctx, req)
	})
}

func (c *Caller) do(ctx context.Context, op string, fn func(ctx context.Context, idx int) (GenerateResponse, ProviderInfo, error)) (GenerateResponse, ProviderInfo, error) {
	var (
		lastErr  error
		lastInfo ProviderInfo
	)
	for _, idx := range c.manager.PreferredLLMOrder() {
		if c.isDisabled(idx) {
			continue
		}
		var (
			resp GenerateResponse
			info ProviderInfo
		)
		err := Retry(ctx, c.opts.Retry, func(ctx context.Context, attempt int) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
			start := c.now()
			var err error
			resp, info, err = fn(callCtx, idx)
			c.record(CallRecord{
				RequestID:    uuid.NewString(),
				RunID:        RunIDFrom(ctx),
				Operation:    op,
				ProviderName: info.Name,
				Model:        info.Model,
				KeyAlias:     info.Key,
				Attempt:      attempt,
				Status:       statusOf(err),
				ErrorType:    string(ClassifyError(err)),
				Latency:      c.now().Sub(start),
			})
			return err
		}, func(err error) bool { return ClassifyError(err).Retryable() })
		if err == nil {
			return resp, info, nil
		}
		lastErr, lastInfo = err, info
		if ctx.Err() != nil {
			return GenerateResponse{}, info, ctx.Err()
		}
		switch ClassifyError(err) {
		case ErrorContext:
			return GenerateResponse{}, info, fmt.Errorf("%s: %w", op, err)
		case ErrorQuota:
			c.disable(idx, c.opts.Cooldown)
		case ErrorRate:
			c.disable(idx, 2*time.Minute)
		}
	}
	if lastErr == nil {
		lastErr = ErrProvidersExhausted
	}
	return GenerateResponse{}, lastInfo, fmt.Errorf("%s: %w", op, lastErr)
}

func (c *Caller) record(rec CallRecord) {
	entry := c.opts.Logger.WithFields(logrus.Fields{
		"operation":  rec.Operation,
		"provider":   rec.ProviderName,
		"model":      rec.Model,
		"attempt":    rec.Attempt,
		"status":     rec.Status,
		"latency_ms": rec.Latency.Milliseconds(),
	})
	if rec.ErrorType != "" {
		entry.WithField("error_type", rec.ErrorType).Warn("model call failed")
	} else {
		entry.Debug("model call")
	}
	if c.opts.OnCall != nil {
		c.opts.OnCall(rec)
	}
}

func (c *Caller) isDisabled(idx int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.disabledUntil[idx]
	return ok && c.now().Before(until)
}

func (c *Caller) disable(idx int, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabledUntil[idx] = c.now().Add(d)
}

func statusOf(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
