package reasoner

import (
	"errors"
	"fmt"
)

// SDKError is the base error type for all reasoner errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError is an error reported by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

func (e *ProviderError) retryable() bool { return e.Retryable }

// Concrete provider errors.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type QuotaExceededError struct{ ProviderError }

func (e *AuthenticationError) retryable() bool { return false }
func (e *AccessDeniedError) retryable() bool   { return false }
func (e *NotFoundError) retryable() bool       { return false }
func (e *InvalidRequestError) retryable() bool { return false }
func (e *ContentFilterError) retryable() bool  { return false }
func (e *ContextLengthError) retryable() bool  { return false }
func (e *QuotaExceededError) retryable() bool  { return false }
func (e *RateLimitError) retryable() bool      { return true }
func (e *ServerError) retryable() bool         { return true }

// Errors raised before or around the provider call.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type ConfigurationError struct{ SDKError }

func (e *RequestTimeoutError) retryable() bool { return true }
func (e *NetworkError) retryable() bool        { return true }
func (e *AbortError) retryable() bool          { return false }
func (e *ConfigurationError) retryable() bool  { return false }

type retryableError interface {
	retryable() bool
}

// ErrorFromStatusCode maps an HTTP status code to the matching error type.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 402:
		return &QuotaExceededError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable reports whether err is safe to retry. Wrapped errors are
// inspected with errors.As; unknown errors default to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryableError
	if errors.As(err, &r) {
		return r.retryable()
	}
	return true
}
