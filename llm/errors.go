// Package llm defines the provider-neutral contract for language model
// calls: the request/response shapes, the adapter interface, the normalized
// error taxonomy, and the retrying client every pipeline stage goes through.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorCategory classifies a failure independently of the provider that
// produced it. Retry decisions key off the category alone.
type ErrorCategory string

const (
	ErrCategoryConfig     ErrorCategory = "config"
	ErrCategoryAuth       ErrorCategory = "auth"
	ErrCategoryRateLimit  ErrorCategory = "rate_limit"
	ErrCategoryTimeout    ErrorCategory = "timeout"
	ErrCategoryValidation ErrorCategory = "validation"
	ErrCategoryContent    ErrorCategory = "content"
	ErrCategoryServer     ErrorCategory = "server"
	ErrCategoryNetwork    ErrorCategory = "network"
	ErrCategoryUnknown    ErrorCategory = "unknown"
)

// retryableCategories are the transient failures worth retrying. Everything
// else either cannot succeed on retry (auth, validation, content) or needs a
// human (config).
var retryableCategories = map[ErrorCategory]bool{
	ErrCategoryRateLimit: true,
	ErrCategoryTimeout:   true,
	ErrCategoryServer:    true,
	ErrCategoryNetwork:   true,
}

// Error is the normalized failure type for every provider call.
type Error struct {
	Category   ErrorCategory `json:"category"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Provider   string        `json:"provider,omitempty"`

	// RetryAfter carries a provider-suggested wait, typically from a 429
	// Retry-After header. Zero means no suggestion.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	Cause error `json:"-"`
}

// NewError creates a taxonomy error.
func NewError(category ErrorCategory, message string) *Error {
	return &Error{Category: category, Message: message}
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Category, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the category is transient.
func (e *Error) Retryable() bool { return retryableCategories[e.Category] }

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithProvider tags the error with the originating provider.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithHTTPStatus records the upstream status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryAfter records a provider-suggested retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// CategoryOf extracts the category from any error, unknown when err is not a
// taxonomy error.
func CategoryOf(err error) ErrorCategory {
	var le *Error
	if errors.As(err, &le) {
		return le.Category
	}
	return ErrCategoryUnknown
}

// IsRetryable reports whether err is a transient taxonomy error.
func IsRetryable(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Retryable()
	}
	return false
}

// Normalize coerces any error into the taxonomy. Taxonomy errors pass
// through (gaining the provider tag if missing); context and network errors
// map to timeout and network; anything else becomes unknown.
func Normalize(err error, provider string) *Error {
	if err == nil {
		return nil
	}

	var le *Error
	if errors.As(err, &le) {
		if le.Provider == "" {
			le.Provider = provider
		}
		return le
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrCategoryTimeout, "request deadline exceeded").WithCause(err).WithProvider(provider)
	case errors.Is(err, context.Canceled):
		return NewError(ErrCategoryTimeout, "request cancelled").WithCause(err).WithProvider(provider)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(ErrCategoryTimeout, err.Error()).WithCause(err).WithProvider(provider)
		}
		return NewError(ErrCategoryNetwork, err.Error()).WithCause(err).WithProvider(provider)
	}

	return NewError(ErrCategoryUnknown, err.Error()).WithCause(err).WithProvider(provider)
}
