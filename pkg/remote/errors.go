package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents a classification of remote API errors.
type ErrorClass string

const (
	// ErrorClassAuth represents rejected credentials (401/403).
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassRateLimit represents a rate-limit rejection (429).
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassClient represents a malformed or unsatisfiable request (other 4xx).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport and timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// AuthError means the credentials were rejected. Retrying cannot help.
type AuthError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("remote auth error (status %d): %s", e.StatusCode, e.Message)
}

// RateLimitedError means the service rejected the call for exceeding its
// rate limits. RetryAfter is zero when the service gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
	Message    string
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("remote rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("remote rate limited: %s", e.Message)
}

// BadRequestError means the request itself is invalid (bad filter, unknown
// project, not found). It is not retryable.
type BadRequestError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *BadRequestError) Error() string {
	return fmt.Sprintf("remote bad request (status %d): %s", e.StatusCode, e.Message)
}

// TransientError wraps a network failure or 5xx response.
type TransientError struct {
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote transient error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote transient error: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Classify maps err onto an ErrorClass. Unknown errors count as network
// errors so they are retried with backoff.
func Classify(err error) ErrorClass {
	var (
		authErr *AuthError
		rlErr   *RateLimitedError
		badErr  *BadRequestError
		trErr   *TransientError
	)
	switch {
	case errors.As(err, &authErr):
		return ErrorClassAuth
	case errors.As(err, &rlErr):
		return ErrorClassRateLimit
	case errors.As(err, &badErr):
		return ErrorClassClient
	case errors.As(err, &trErr):
		if trErr.StatusCode >= 500 {
			return ErrorClassServer
		}
		return ErrorClassNetwork
	default:
		return ErrorClassNetwork
	}
}

// IsRetryable reports whether errors of class may succeed on retry.
func IsRetryable(class ErrorClass) bool {
	switch class {
	case ErrorClassAuth, ErrorClassClient:
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// isContextError reports whether err came from ctx being done.
func isContextError(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
