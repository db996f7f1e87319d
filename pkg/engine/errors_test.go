package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"transient", NewTransientError("502", nil), ErrorClassTransient},
		{"rate limited", NewRateLimitedError("429", nil), ErrorClassRateLimited},
		{"permanent", NewPermanentError("400", nil), ErrorClassPermanent},
		{"critical", NewCriticalError("401", nil), ErrorClassCritical},
		{"wrapped", fmt.Errorf("register: %w", NewCriticalError("401", nil)), ErrorClassCritical},
		{"deadline", context.DeadlineExceeded, ErrorClassTransient},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, ErrorClassTransient},
		{"plain", errors.New("boom"), ErrorClassPermanent},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProvisionError_Error(t *testing.T) {
	err := NewPermanentError("zone not found", errors.New("404")).
		WithOp("resolve_zone").
		WithDomain("b.com").
		WithCode(ErrCodeNotFound)

	want := "[permanent] resolve_zone: zone not found (domain=b.com): 404"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !HasCode(fmt.Errorf("wrap: %w", err), ErrCodeNotFound) {
		t.Error("expected code to survive wrapping")
	}
	if !errors.Is(err, &ProvisionError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}) {
		t.Error("expected errors.Is to match on class and code")
	}
}

func TestIsInterrupted(t *testing.T) {
	if !IsInterrupted(context.Canceled) {
		t.Error("expected context.Canceled to be interrupted")
	}
	if !IsInterrupted(NewTransientError("interrupted", nil).WithCode(ErrCodeInterrupted)) {
		t.Error("expected interrupted code to be detected")
	}
	if IsInterrupted(NewTransientError("timeout", nil)) {
		t.Error("plain transient error must not be interrupted")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewTransientError("x", nil)) || !IsRetryable(NewRateLimitedError("x", nil)) {
		t.Error("expected transient and rate limited errors to be retryable")
	}
	if IsRetryable(NewPermanentError("x", nil)) || IsRetryable(NewCriticalError("x", nil)) {
		t.Error("expected permanent and critical errors not to be retryable")
	}
}
