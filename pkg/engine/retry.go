package engine

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the Retry executor.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	// InitialDelay is the delay after the first transient fault.
	InitialDelay time.Duration

	// MaxDelay caps the exponential delay.
	MaxDelay time.Duration

	// RateLimitCooldown is the fixed delay after a rate-limited fault.
	RateLimitCooldown time.Duration

	// Jitter spreads transient delays by up to ±Jitter of their value (0 disables).
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		RateLimitCooldown: 30 * time.Second,
		Jitter:            0.25,
	}
}

// Backoff returns the delay before the attempt following attempt (1-based)
// for a transient fault, without jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay/2 {
			delay = p.MaxDelay
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// delay returns the wait after a fault of the given class on attempt.
func (p RetryPolicy) delay(attempt int, class ErrorClass) time.Duration {
	if class == ErrorClassRateLimited {
		return p.RateLimitCooldown
	}
	d := p.Backoff(attempt)
	if p.Jitter > 0 && d > 0 {
		spread := float64(d) * p.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return d
}

// Outcome is the result of a retried operation.
type Outcome[T any] struct {
	Value    T
	Err      error
	Class    ErrorClass
	Attempts int
}

// OK reports whether the operation eventually succeeded.
func (o Outcome[T]) OK() bool {
	return o.Err == nil
}

// Retrier runs operations under a RetryPolicy.
type Retrier struct {
	Policy RetryPolicy
	Sleep  Sleeper

	// OnRetry is called before each delay, with the attempt that just failed.
	OnRetry func(attempt int, class ErrorClass, delay time.Duration, err error)
}

// NewRetrier creates a retrier with the default sleeper.
func NewRetrier(policy RetryPolicy) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Retrier{Policy: policy, Sleep: SleepContext}
}

// Retry invokes op until it succeeds, a fault is classified Permanent or
// Critical, or MaxAttempts invocations have been made. A nil classify uses Classify.
func Retry[T any](ctx context.Context, r *Retrier, classify func(error) ErrorClass, op func(context.Context) (T, error)) Outcome[T] {
	if classify == nil {
		classify = Classify
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	maxAttempts := r.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var out Outcome[T]
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Class = ErrorClassTransient
			out.Err = interrupted(ctx, err)
			return out
		}
		out.Attempts = attempt
		value, err := op(ctx)
		if err == nil {
			out.Value, out.Err, out.Class = value, nil, ""
			return out
		}
		out.Err = err
		if ctx.Err() != nil {
			out.Class = ErrorClassTransient
			out.Err = interrupted(ctx, err)
			return out
		}

		out.Class = classify(err)
		if out.Class == ErrorClassPermanent || out.Class == ErrorClassCritical {
			return out
		}
		if attempt >= maxAttempts {
			return out
		}

		delay := r.Policy.delay(attempt, out.Class)
		if r.OnRetry != nil {
			r.OnRetry(attempt, out.Class, delay, err)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			out.Err = interrupted(ctx, err)
			return out
		}
	}
}

// interrupted marks a fault as caused by cancellation of ctx.
func interrupted(ctx context.Context, cause error) error {
	if cause == nil {
		cause = ctx.Err()
	}
	return NewTransientError("interrupted", cause).WithCode(ErrCodeInterrupted)
}
