package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lukasbauer/callcore/internal/breaker"
)

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("encoding") != "mulaw" || q.Get("sample_rate") != "8000" || q.Get("language") != "cs" {
			t.Errorf("query = %v", q)
		}
		if r.Header.Get("Authorization") != "Token dg" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) != 3200 {
			t.Errorf("body = %d bytes, want 3200", len(body))
		}
		fmt.Fprint(w, `{"results":{"channels":[{"alternatives":[{"transcript":" Dobrý den. ","confidence":0.93}]}]}}`)
	}))
	defer srv.Close()

	c := NewDeepgramClient(DeepgramConfig{APIKey: "dg", BaseURL: srv.URL, Language: "en"})
	got, err := c.Transcribe(context.Background(), make([]byte, 3200), Options{Language: "cs"})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "Dobrý den." || got.Confidence != 0.93 {
		t.Errorf("Transcribe() = %+v", got)
	}
}

func TestTranscribeDetectsLanguageWhenUnset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("detect_language") != "true" {
			t.Errorf("detect_language not requested: %v", r.URL.Query())
		}
		fmt.Fprint(w, `{"results":{"channels":[{"detected_language":"cs","alternatives":[{"transcript":"ahoj"}]}]}}`)
	}))
	defer srv.Close()

	c := NewDeepgramClient(DeepgramConfig{APIKey: "dg", BaseURL: srv.URL})
	got, err := c.Transcribe(context.Background(), []byte{1}, Options{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Language != "cs" {
		t.Errorf("Language = %q, want cs", got.Language)
	}
}

func TestTranscribeErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewDeepgramClient(DeepgramConfig{APIKey: "dg", BaseURL: srv.URL})
			_, err := c.Transcribe(context.Background(), []byte{1}, Options{})
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
				t.Fatalf("error = %v", err)
			}
			if apiErr.IsRetryable() != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", apiErr.IsRetryable(), tt.retryable)
			}
		})
	}
}

func TestGuardedTranscribe(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"results":{"channels":[{"alternatives":[{"transcript":"hello"}]}]}}`)
	}))
	defer srv.Close()

	cfg := breaker.DefaultConfig()
	cfg.BaseDelay = 5 * time.Millisecond
	cfg.MaxDelay = 20 * time.Millisecond
	group := breaker.NewGroup(cfg, log.New(io.Discard, "", 0))
	g := NewGuarded("deepgram", NewDeepgramClient(DeepgramConfig{APIKey: "dg", BaseURL: srv.URL}), group)

	got, err := g.Transcribe(context.Background(), []byte{1}, Options{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "hello" || calls.Load() != 2 {
		t.Errorf("Transcribe() = %+v after %d calls, want retry after 429", got, calls.Load())
	}
	if st := group.Stats("stt:deepgram:transcribe"); st.RateLimited != 1 || st.Failures != 0 {
		t.Errorf("stats = %+v", st)
	}
}
