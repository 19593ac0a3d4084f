package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrVoiceNotConfigured is returned when a voice has no provider voice id.
var ErrVoiceNotConfigured = errors.New("voice not configured")

// APIError is returned by TTS providers for failed calls.
type APIError struct {
	Provider   string
	StatusCode int // 0 for transport failures
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// RateLimited reports a 429.
func (e *APIError) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// RetryAfterHint returns the server's requested wait.
func (e *APIError) RetryAfterHint() time.Duration { return e.RetryAfter }

// IsRetryable reports whether the failure is transient.
func (e *APIError) IsRetryable() bool {
	switch {
	case e.StatusCode == 0:
		return !errors.Is(e.Err, context.Canceled)
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return e.StatusCode >= 500
	}
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
