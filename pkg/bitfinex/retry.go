package bitfinex

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often and how patiently an operation is retried.
// A zero InitialInterval retries without waiting.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is three attempts with 1s, 2s backoff between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     4 * time.Second,
	}
}

// NoWaitRetryPolicy retries immediately, for tests and tight loops.
func NoWaitRetryPolicy(attempts uint) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts}
}

func (p RetryPolicy) attempts() uint {
	if p.MaxAttempts == 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.InitialInterval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}

// runWithRetry executes op under the policy. Errors wrapped with backoff.Permanent stop
// retrying immediately and are returned unwrapped.
func runWithRetry[T any](ctx context.Context, p RetryPolicy, op backoff.Operation[T], notify backoff.Notify) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.attempts()),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return backoff.Retry(ctx, op, opts...)
}
