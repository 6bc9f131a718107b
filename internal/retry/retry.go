// Package retry wraps model calls with backoff that only retries rate limits.
package retry

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go/v4"

	"github.com/jackzampolin/docnav/internal/providers"
)

const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = 2 * time.Second
)

// Policy retries an operation on rate-limit errors with doubling delay.
// MaxRetries counts retries after the first attempt.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration

	// RetryIf classifies retryable errors. Defaults to providers.IsRateLimit.
	RetryIf func(error) bool

	// OnRetry is called before each backoff sleep with the 1-based retry
	// number, the delay about to be slept and the error that triggered it.
	OnRetry func(retry int, delay time.Duration, err error)
}

// Default returns the standard policy: 3 retries starting at 2s.
func Default() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, InitialDelay: DefaultInitialDelay}
}

// WithOnRetry returns a copy of p that calls fn before each retry.
func (p Policy) WithOnRetry(fn func(retry int, delay time.Duration, err error)) Policy {
	p.OnRetry = fn
	return p
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// retries are exhausted. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, op func() error) error {
	_, err := DoValue(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	retryIf := p.RetryIf
	if retryIf == nil {
		retryIf = providers.IsRateLimit
	}
	attempts := uint(p.MaxRetries) + 1

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	return retrygo.DoWithData(
		op,
		retrygo.Context(ctx),
		retrygo.Attempts(attempts),
		retrygo.Delay(p.InitialDelay),
		retrygo.DelayType(delayFor),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(retryIf),
		retrygo.OnRetry(func(n uint, err error) {
			// n is the 0-based index of the attempt that just failed.
			if p.OnRetry == nil || n+1 >= attempts {
				return
			}
			p.OnRetry(int(n)+1, withRetryAfter(p.InitialDelay<<n, err), err)
		}),
	)
}

// delayFor doubles the delay per attempt and honors a longer Retry-After.
func delayFor(n uint, err error, config *retrygo.Config) time.Duration {
	return withRetryAfter(retrygo.BackOffDelay(n, err, config), err)
}

func withRetryAfter(d time.Duration, err error) time.Duration {
	if rle, ok := providers.IsRateLimitError(err); ok && rle.RetryAfter > d {
		return rle.RetryAfter
	}
	return d
}
