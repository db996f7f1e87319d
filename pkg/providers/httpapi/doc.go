// Package httpapi is the JSON REST transport shared by the provider clients.
//
// Every failure leaves the package as a classified *engine.ProvisionError:
//
//	401             critical    UNAUTHORIZED
//	403             permanent   FORBIDDEN
//	404             permanent   NOT_FOUND
//	409             permanent   CONFLICT
//	429             rate limited
//	408, 5xx        transient
//	other 4xx       permanent   VALIDATION_ERROR
//	timeouts        transient   TIMEOUT
//
// Cancellation of the caller's context is returned as the context error.
package httpapi
