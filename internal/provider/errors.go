package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AuthError means the credential is rejected outright; retrying with the
// same credential can never succeed. Callers should surface this to an
// operator rather than retry.
type AuthError struct {
	Provider string
	Status   int
	Message  string
	Cause    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: auth error (status=%d): %s", e.Provider, e.Status, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// TransientError means the request may succeed on retry: rate limiting,
// server errors, or a network-level failure. RetryAfter is the duration the
// provider asked the caller to wait, if it supplied one; zero means the
// caller should fall back to its own backoff policy.
type TransientError struct {
	Provider   string
	Status     int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient error (status=%d): %s", e.Provider, e.Status, e.Message)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// classifyHTTPError maps a provider HTTP response into AuthError or
// TransientError. Status codes not covered by either are wrapped as
// TransientError so a caller that blindly retries fails safe: a genuinely
// fatal 4xx will exhaust its retry budget and surface rather than hang.
func classifyHTTPError(provider string, status int, message string, retryAfter time.Duration, cause error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Provider: provider, Status: status, Message: message, Cause: cause}
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{Provider: provider, Status: status, Message: message, RetryAfter: retryAfter, Cause: cause}
	case status == 0:
		// Connect/read failure below the HTTP layer: always retryable.
		return &TransientError{Provider: provider, Status: 0, Message: message, Cause: cause}
	default:
		return &TransientError{Provider: provider, Status: status, Message: message, Cause: cause}
	}
}

// classifyTransportError inspects a raw transport-level error (dial
// failure, read timeout, context deadline) that never reached the HTTP
// status-code layer, and wraps it as TransientError.
func classifyTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "invalid_api_key") {
		return &AuthError{Provider: provider, Message: err.Error(), Cause: err}
	}
	return &TransientError{Provider: provider, Message: err.Error(), Cause: err}
}

// IsRetryable reports whether err (or anything it wraps) should be retried.
func IsRetryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// RetryAfter extracts the provider-suggested wait duration, if any.
func RetryAfter(err error) time.Duration {
	var transient *TransientError
	if errors.As(err, &transient) {
		return transient.RetryAfter
	}
	return 0
}
