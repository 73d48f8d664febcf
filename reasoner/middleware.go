package reasoner

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds how often and how patiently RetryMiddleware repeats
// a failed provider call.
type RetryPolicy struct {
	MaxRetries int // calls after the first
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultRetryPolicy retries twice, starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// backoff is the pause before retry n, counted from zero. Jitter scales it
// into [0.5, 1.5) of the nominal value.
func (p RetryPolicy) backoff(n int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := math.Min(float64(p.BaseDelay)*math.Pow(mult, float64(n)), float64(p.MaxDelay))
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// pause picks the wait before retry n. A rate limit that asks for longer
// than MaxDelay is not retried at all.
func (p RetryPolicy) pause(n int, err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter != nil {
		after := time.Duration(*rl.RetryAfter * float64(time.Second))
		if after > p.MaxDelay {
			return 0, false
		}
		return after, true
	}
	return p.backoff(n), true
}

// RetryMiddleware repeats calls that fail with a retryable error, logging
// each retry. Cancellation while waiting ends the call with an AbortError.
func RetryMiddleware(policy RetryPolicy, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		resp, err := next(ctx, req)
		for n := 0; err != nil && n < policy.MaxRetries && IsRetryable(err); n++ {
			delay, ok := policy.pause(n, err)
			if !ok {
				logger.Warn("retry-after exceeds max delay, giving up",
					zap.String("provider", req.Provider),
					zap.Duration("max_delay", policy.MaxDelay),
					zap.Error(err))
				break
			}
			logger.Warn("retrying reasoner request",
				zap.String("provider", req.Provider),
				zap.String("model", req.Model),
				zap.Int("attempt", n+1),
				zap.Duration("delay", delay),
				zap.Error(err))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
			case <-timer.C:
			}
			resp, err = next(ctx, req)
		}
		return resp, err
	}
}

// LoggingMiddleware logs each provider call with its latency.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		fields := []zap.Field{
			zap.String("provider", req.Provider),
			zap.String("model", req.Model),
			zap.Int("messages", len(req.Messages)),
			zap.Duration("latency", time.Since(start)),
		}
		if err != nil {
			logger.Warn("reasoner request failed", append(fields, zap.Error(err))...)
			return nil, err
		}
		logger.Debug("reasoner request completed", append(fields, zap.Int("output_tokens", resp.Usage.OutputTokens))...)
		return resp, nil
	}
}
