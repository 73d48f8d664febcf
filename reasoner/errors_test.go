package reasoner

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{402, false},
		{403, false},
		{404, false},
		{408, true},
		{413, false},
		{422, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "openai", nil)
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: IsRetryable = %v, want %v", tt.status, got, tt.retryable)
		}
	}
}

func TestErrorFromStatusCodeTypes(t *testing.T) {
	var auth *AuthenticationError
	if !errors.As(ErrorFromStatusCode(401, "x", "openai", nil), &auth) {
		t.Error("expected AuthenticationError for 401")
	}
	var rl *RateLimitError
	if !errors.As(ErrorFromStatusCode(429, "x", "openai", nil), &rl) {
		t.Error("expected RateLimitError for 429")
	}
	var srv *ServerError
	if !errors.As(ErrorFromStatusCode(503, "x", "openai", nil), &srv) {
		t.Error("expected ServerError for 503")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth error", &AuthenticationError{}, false},
		{"access denied", &AccessDeniedError{}, false},
		{"not found", &NotFoundError{}, false},
		{"invalid request", &InvalidRequestError{}, false},
		{"context length", &ContextLengthError{}, false},
		{"quota exceeded", &QuotaExceededError{}, false},
		{"content filter", &ContentFilterError{}, false},
		{"config error", &ConfigurationError{}, false},
		{"abort", &AbortError{}, false},
		{"rate limit", &RateLimitError{}, true},
		{"server error", &ServerError{}, true},
		{"network error", &NetworkError{}, true},
		{"timeout error", &RequestTimeoutError{}, true},
		{"provider error retryable", &ProviderError{Retryable: true}, true},
		{"provider error fatal", &ProviderError{Retryable: false}, false},
		{"wrapped auth", fmt.Errorf("call failed: %w", &AuthenticationError{}), false},
		{"unknown error", errors.New("unknown"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable(%T) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &SDKError{Message: "wrapper", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected SDKError to unwrap to its cause")
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		SDKError:   SDKError{Message: "rate limit exceeded"},
		Provider:   "openai",
		StatusCode: 429,
		Retryable:  true,
	}
	msg := err.Error()
	if !strings.Contains(msg, "openai") || !strings.Contains(msg, "rate limit") {
		t.Errorf("error message missing expected content: %q", msg)
	}
}
