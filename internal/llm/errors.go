package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrProviderNotConfigured is returned when a request names a provider the
// gateway does not hold or that is disabled.
var ErrProviderNotConfigured = errors.New("provider not configured")

// Error is the canonical provider error. Retryable is decided once, where the
// error is created, and never re-derived.
type Error struct {
	Provider   string
	StatusCode int // 0 for transport failures
	Retryable  bool
	RetryAfter time.Duration // server hint, 0 if none
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: API error %d", e.Provider, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports the classification made at creation time.
func (e *Error) IsRetryable() bool { return e.Retryable }

// RateLimited reports whether this is a capacity-exhaustion (HTTP 429) error.
func (e *Error) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// RetryAfterHint returns how long the server asked us to wait.
func (e *Error) RetryAfterHint() time.Duration { return e.RetryAfter }

// NewError builds a canonical error for a non-HTTP failure with explicit
// retryability.
func NewError(provider string, retryable bool, err error) *Error {
	return &Error{Provider: provider, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err carries a retryable classification.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// retryableStatus lists the statuses eligible for retry or fallback.
// 529 is Anthropic's "overloaded".
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		529:
		return true
	}
	return false
}

// ClassifyStatus builds a canonical error from a status code and message.
func ClassifyStatus(provider string, code int, message string, header http.Header) *Error {
	return &Error{
		Provider:   provider,
		StatusCode: code,
		Retryable:  retryableStatus(code),
		RetryAfter: parseRetryAfter(header, time.Now()),
		Message:    message,
	}
}

// ClassifyHTTP consumes a non-2xx response body and classifies it.
func ClassifyHTTP(provider string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return ClassifyStatus(provider, resp.StatusCode, strings.TrimSpace(string(body)), resp.Header)
}

// ClassifyTransport classifies a failure that happened before a status code
// was received. Deadlines and network failures are retryable; a canceled
// caller context is not.
func ClassifyTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Provider: provider, Retryable: false, Err: err}
	}
	return &Error{Provider: provider, Retryable: true, Err: err}
}

// parseRetryAfter reads rate-limit reset hints. Supported: Retry-After
// (seconds or HTTP date), retry-after-ms, OpenAI x-ratelimit-reset-requests
// (Go-style duration), Anthropic anthropic-ratelimit-requests-reset (RFC 3339).
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	if v := h.Get("retry-after-ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if t, err := http.ParseTime(v); err == nil && t.After(now) {
			return t.Sub(now)
		}
	}
	if v := h.Get("x-ratelimit-reset-requests"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	if v := h.Get("anthropic-ratelimit-requests-reset"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil && t.After(now) {
			return t.Sub(now)
		}
	}
	return 0
}
