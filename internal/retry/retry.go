package retry

import (
	"context"
	"time"
)

// Func is a function that can be retried
type Func func(ctx context.Context) error

// DelayFunc is a closure which will return delay generator function
type DelayFunc func() func() time.Duration

// RetryIfFunc decides whether an error is worth another attempt.
type RetryIfFunc func(err error) bool

type config struct {
	maxAttempts int
	delayFunc   DelayFunc
	retryIf     RetryIfFunc
	onRetry     func(attempt int, err error)
}

// Option configures the retrier
type Option func(*config)

// WithMaxAttempts sets the maximum number of attempts.
// The default is 3.
func WithMaxAttempts(n int) Option {
	return func(c *config) {
		c.maxAttempts = n
	}
}

// WithDelayFunc sets the function which will
// return timeout duration for every attempt.
// The default function will return: 150ms, 300ms, 600ms.
func WithDelayFunc(d DelayFunc) Option {
	return func(c *config) {
		c.delayFunc = d
	}
}

// WithBaseDelay keeps the exponential backoff but starts it from base.
func WithBaseDelay(base time.Duration) Option {
	return WithDelayFunc(exponential(base))
}

// WithRetryIf stops retrying as soon as fn returns false for an error.
// By default every error is retried.
func WithRetryIf(fn RetryIfFunc) Option {
	return func(c *config) {
		c.retryIf = fn
	}
}

// WithOnRetry registers a callback invoked before each resend.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(c *config) {
		c.onRetry = fn
	}
}

func exponential(base time.Duration) DelayFunc {
	return func() func() time.Duration {
		attempt := 0
		return func() time.Duration {
			delay := base << attempt
			attempt++
			return delay
		}
	}
}

// Do calls fn until it succeeds, returns a non-retriable error,
// runs out of attempts or ctx is done.
func Do(ctx context.Context, fn Func, opts ...Option) error {
	cfg := &config{
		maxAttempts: 3,
		delayFunc:   exponential(150 * time.Millisecond),
		retryIf:     func(error) bool { return true },
	}

	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error
	df := cfg.delayFunc()
	for attempt := range max(cfg.maxAttempts, 1) {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt >= cfg.maxAttempts-1 || !cfg.retryIf(lastErr) {
			break
		}
		if cfg.onRetry != nil {
			cfg.onRetry(attempt+1, lastErr)
		}

		timer := time.NewTimer(df())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
