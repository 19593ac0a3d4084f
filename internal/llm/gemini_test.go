package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"google.golang.org/genai"
)

func TestToGeminiContents(t *testing.T) {
	sys, contents := toGeminiContents([]Message{
		{Role: RoleSystem, Content: "persona"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleFunction, Name: "lookup", Content: "42"},
	})

	if sys == nil || len(sys.Parts) != 1 || sys.Parts[0].Text != "persona" {
		t.Fatalf("system instruction = %+v", sys)
	}
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	wantRoles := []string{string(genai.RoleUser), string(genai.RoleModel), string(genai.RoleUser)}
	for i, c := range contents {
		if c.Role != wantRoles[i] {
			t.Errorf("contents[%d].Role = %q, want %q", i, c.Role, wantRoles[i])
		}
	}
	if got := contents[2].Parts[0].Text; got != "[lookup result] 42" {
		t.Errorf("function content = %q", got)
	}
}

func TestGeminiClassify(t *testing.T) {
	c := &GeminiClient{}

	tests := []struct {
		name      string
		err       error
		retryable bool
		status    int
		after     time.Duration
	}{
		{
			name: "rate limited with retry info",
			err: genai.APIError{Code: http.StatusTooManyRequests, Message: "quota", Details: []map[string]any{
				{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "13s"},
			}},
			retryable: true,
			status:    http.StatusTooManyRequests,
			after:     13 * time.Second,
		},
		{
			name:      "invalid argument",
			err:       genai.APIError{Code: http.StatusBadRequest, Message: "bad"},
			retryable: false,
			status:    http.StatusBadRequest,
		},
		{
			name:      "unavailable",
			err:       genai.APIError{Code: http.StatusServiceUnavailable},
			retryable: true,
			status:    http.StatusServiceUnavailable,
		},
		{
			name:      "network",
			err:       errors.New("connection reset"),
			retryable: true,
		},
		{
			name:      "canceled",
			err:       context.Canceled,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.classify(tt.err)
			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("classify() = %v, want *Error", err)
			}
			if e.Provider != "gemini" {
				t.Errorf("Provider = %q", e.Provider)
			}
			if e.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", e.Retryable, tt.retryable)
			}
			if e.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", e.StatusCode, tt.status)
			}
			if e.RetryAfter != tt.after {
				t.Errorf("RetryAfter = %v, want %v", e.RetryAfter, tt.after)
			}
		})
	}
}

func TestGeminiUnconfigured(t *testing.T) {
	c, err := NewGeminiClient(ProviderConfig{Name: "gemini"}, nil)
	if err != nil {
		t.Fatalf("NewGeminiClient() error = %v", err)
	}
	if c.Configured() {
		t.Error("client without key should not be configured")
	}
	if _, err := c.Chat(context.Background(), &Request{}); !errors.Is(err, ErrProviderNotConfigured) {
		t.Errorf("Chat() error = %v, want ErrProviderNotConfigured", err)
	}
	if c.CountTokens(context.Background(), "x") != 0 || c.ListModels(context.Background()) != nil {
		t.Error("advisory calls should degrade to empty")
	}
}
