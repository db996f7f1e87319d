package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestRetrier(policy RetryPolicy) (*Retrier, *recordedSleeps) {
	sleeps := &recordedSleeps{}
	r := NewRetrier(policy)
	r.Sleep = sleeps.sleep
	return r, sleeps
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := policy.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetry_SucceedsAfterTransientFaults(t *testing.T) {
	r, sleeps := newTestRetrier(RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Minute})

	calls := 0
	out := Retry(context.Background(), r, nil, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError("timeout", nil)
		}
		return "ok", nil
	})

	if !out.OK() {
		t.Fatalf("expected success, got %v", out.Err)
	}
	if out.Value != "ok" || out.Attempts != 3 {
		t.Errorf("got value=%q attempts=%d, want ok/3", out.Value, out.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeps.delays) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), sleeps.delays)
	}
	for i := range want {
		if sleeps.delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, sleeps.delays[i], want[i])
		}
	}
}

func TestRetry_BoundedByMaxAttempts(t *testing.T) {
	r, sleeps := newTestRetrier(RetryPolicy{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: time.Second})

	calls := 0
	out := Retry(context.Background(), r, nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, NewTransientError("503 service unavailable", nil)
	})

	if out.OK() {
		t.Fatal("expected failure")
	}
	if calls != 4 {
		t.Errorf("expected exactly 4 invocations, got %d", calls)
	}
	if out.Attempts != 4 {
		t.Errorf("expected Attempts=4, got %d", out.Attempts)
	}
	if out.Class != ErrorClassTransient {
		t.Errorf("expected transient class, got %s", out.Class)
	}
	if len(sleeps.delays) != 3 {
		t.Errorf("expected 3 delays between 4 attempts, got %d", len(sleeps.delays))
	}
}

func TestRetry_PermanentShortCircuits(t *testing.T) {
	for _, class := range []ErrorClass{ErrorClassPermanent, ErrorClassCritical} {
		t.Run(string(class), func(t *testing.T) {
			r, sleeps := newTestRetrier(RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Minute})

			calls := 0
			out := Retry(context.Background(), r, nil, func(ctx context.Context) (int, error) {
				calls++
				return 0, newError(class, "nope", nil)
			})

			if calls != 1 {
				t.Errorf("expected a single invocation, got %d", calls)
			}
			if out.Class != class {
				t.Errorf("expected class %s, got %s", class, out.Class)
			}
			if len(sleeps.delays) != 0 {
				t.Errorf("expected no delays, got %v", sleeps.delays)
			}
		})
	}
}

func TestRetry_RateLimitedUsesCooldown(t *testing.T) {
	r, sleeps := newTestRetrier(RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		RateLimitCooldown: 30 * time.Second,
	})

	out := Retry(context.Background(), r, nil, func(ctx context.Context) (int, error) {
		return 0, NewRateLimitedError("429 too many requests", nil)
	})

	if out.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", out.Attempts)
	}
	if out.Class != ErrorClassRateLimited {
		t.Errorf("expected rate_limited class, got %s", out.Class)
	}
	for i, d := range sleeps.delays {
		if d != 30*time.Second {
			t.Errorf("delay %d = %v, want fixed cooldown", i, d)
		}
	}
}

func TestRetry_JitterStaysInBounds(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.25}
	for i := 0; i < 100; i++ {
		d := policy.delay(3, ErrorClassTransient)
		if d < 3*time.Second || d > 5*time.Second {
			t.Fatalf("jittered delay %v outside [3s, 5s]", d)
		}
	}
}

func TestRetry_CancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour})
	r.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	calls := 0
	out := Retry(ctx, r, nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, NewTransientError("timeout", nil)
	})

	if calls != 1 {
		t.Errorf("expected 1 invocation, got %d", calls)
	}
	if !IsInterrupted(out.Err) {
		t.Errorf("expected interrupted error, got %v", out.Err)
	}
	if !IsTransient(out.Err) {
		t.Errorf("expected interruption to be transient, got %s", Classify(out.Err))
	}
}

func TestRetry_CustomClassifier(t *testing.T) {
	r, _ := newTestRetrier(RetryPolicy{MaxAttempts: 3})
	plain := errors.New("disk full")

	calls := 0
	Retry(context.Background(), r, func(error) ErrorClass { return ErrorClassTransient },
		func(ctx context.Context) (int, error) {
			calls++
			return 0, plain
		})

	if calls != 3 {
		t.Errorf("expected classifier to make the error retryable, got %d calls", calls)
	}
}
