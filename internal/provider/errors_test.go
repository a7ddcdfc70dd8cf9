package provider

import (
	"errors"
	"testing"
	"time"
)

func TestClassifyHTTPErrorAuth(t *testing.T) {
	err := classifyHTTPError("anthropic", 401, "invalid api key", 0, nil)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %T", err)
	}
	if IsRetryable(err) {
		t.Fatal("auth errors must never be retryable")
	}
}

func TestClassifyHTTPErrorRateLimit(t *testing.T) {
	err := classifyHTTPError("anthropic", 429, "rate limited", 5*time.Second, nil)
	var transientErr *TransientError
	if !errors.As(err, &transientErr) {
		t.Fatalf("expected TransientError, got %T", err)
	}
	if !IsRetryable(err) {
		t.Fatal("429 must be retryable")
	}
	if RetryAfter(err) != 5*time.Second {
		t.Fatalf("expected retry-after to be preserved, got %v", RetryAfter(err))
	}
}

func TestClassifyHTTPErrorServerError(t *testing.T) {
	err := classifyHTTPError("anthropic", 503, "overloaded", 0, nil)
	if !IsRetryable(err) {
		t.Fatal("5xx must be retryable")
	}
}

func TestClassifyTransportError(t *testing.T) {
	err := classifyTransportError("anthropic", errors.New("dial tcp: connection refused"))
	if !IsRetryable(err) {
		t.Fatal("a bare transport failure must be retryable")
	}
}

func TestClassifyTransportErrorAuthHint(t *testing.T) {
	err := classifyTransportError("anthropic", errors.New("invalid api key supplied"))
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError for an auth-flavored transport error, got %T", err)
	}
}
