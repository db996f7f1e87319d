package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass represents the classification of a fault for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, 5xx responses.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassRateLimited indicates the provider is throttling requests.
	// Retried after a fixed cooldown rather than exponential backoff.
	ErrorClassRateLimited ErrorClass = "rate_limited"

	// ErrorClassPermanent indicates a non-recoverable error for the current domain.
	// Examples: bad request, zone not found, unresolvable conflict.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassCritical indicates a failure that will recur for every domain,
	// such as invalid or expired credentials. The whole run is aborted.
	ErrorClassCritical ErrorClass = "critical"
)

// Common error codes.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeForbidden              = "FORBIDDEN"
	ErrCodeUnauthorized           = "UNAUTHORIZED"
	ErrCodeRateLimited            = "RATE_LIMITED"
	ErrCodeTimeout                = "TIMEOUT"
	ErrCodeProviderFailed         = "PROVIDER_FAILED"
	ErrCodeVerificationIncomplete = "VERIFICATION_INCOMPLETE"
	ErrCodeStoreFailed            = "STORE_FAILED"
	ErrCodeInterrupted            = "INTERRUPTED"
)

var (
	// ErrRunAborted is returned by Run when a critical fault stopped the run.
	ErrRunAborted = errors.New("run aborted")

	// ErrNotFailed is returned by Reset for a domain that is not in the Failed state.
	ErrNotFailed = errors.New("domain is not failed")

	// ErrUnknownDomain is returned when a domain has no persisted record.
	ErrUnknownDomain = errors.New("unknown domain")
)

// ProvisionError represents a classified fault with context.
type ProvisionError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message, usually the provider's own.
	Message string `json:"message"`

	// Op is the provider operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Domain is the domain being provisioned, if applicable.
	Domain string `json:"domain,omitempty"`

	// StatusCode is the HTTP status returned by the provider, if any.
	StatusCode int `json:"status_code,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Class, e.Op, e.Message)
	}
	if e.Domain != "" {
		msg += fmt.Sprintf(" (domain=%s)", e.Domain)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *ProvisionError) Is(target error) bool {
	t, ok := target.(*ProvisionError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Interrupted reports whether the fault came from cancellation of the run.
func (e *ProvisionError) Interrupted() bool {
	return e.Code == ErrCodeInterrupted
}

func newError(class ErrorClass, message string, err error) *ProvisionError {
	return &ProvisionError{Class: class, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *ProvisionError {
	return newError(ErrorClassTransient, message, err)
}

// NewRateLimitedError creates a new rate-limited error.
func NewRateLimitedError(message string, err error) *ProvisionError {
	return newError(ErrorClassRateLimited, message, err).WithCode(ErrCodeRateLimited)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *ProvisionError {
	return newError(ErrorClassPermanent, message, err)
}

// NewCriticalError creates a new critical error.
func NewCriticalError(message string, err error) *ProvisionError {
	return newError(ErrorClassCritical, message, err)
}

// WithCode adds an error code to an error.
func (e *ProvisionError) WithCode(code string) *ProvisionError {
	e.Code = code
	return e
}

// WithOp adds operation context to an error.
func (e *ProvisionError) WithOp(op string) *ProvisionError {
	e.Op = op
	return e
}

// WithDomain adds domain context to an error.
func (e *ProvisionError) WithDomain(domain string) *ProvisionError {
	e.Domain = domain
	return e
}

// WithStatus records the provider's HTTP status code.
func (e *ProvisionError) WithStatus(status int) *ProvisionError {
	e.StatusCode = status
	return e
}

// Classify is the default fault classifier used for provider calls.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// ErrorCode returns the code carried by err, or "" when it has none.
func ErrorCode(err error) string {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return Classify(err) == ErrorClassTransient
}

// IsRateLimited returns true if the error is classified as rate limited.
func IsRateLimited(err error) bool {
	return Classify(err) == ErrorClassRateLimited
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ErrorClassPermanent
}

// IsCritical returns true if the error is classified as critical.
func IsCritical(err error) bool {
	return Classify(err) == ErrorClassCritical
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsRateLimited(err)
}

// IsInterrupted reports whether err stems from run cancellation rather than a provider fault.
func IsInterrupted(err error) bool {
	var pe *ProvisionError
	if errors.As(err, &pe) && pe.Interrupted() {
		return true
	}
	return errors.Is(err, context.Canceled)
}
