package llm

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Role is the speaker of a canonical chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// Message represents a conversation message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"` // function name for RoleFunction
}

// Options are per-request generation knobs. Zero values mean provider default.
type Options struct {
	Temperature float64  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Request is a provider-agnostic chat request.
type Request struct {
	Provider string    `json:"provider,omitempty"`
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
	Options  Options   `json:"options,omitempty"`
}

// Usage is normalized token accounting.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"` // true when derived from text length
}

// Response is a completed (non-streaming) generation.
type Response struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// StreamChunk is one incremental piece of a streamed reply. The last chunk
// on a stream has empty Content and Done set; Err is non-nil if the stream
// broke mid-way.
type StreamChunk struct {
	Content string
	Done    bool
	Usage   *Usage
	Err     error
}

// Stream is an established streaming generation.
type Stream struct {
	Provider string
	Model    string
	Chunks   <-chan StreamChunk
}

// ProviderConfig describes one configured text-generation backend.
type ProviderConfig struct {
	Name         string `json:"name"`
	APIKey       string `json:"-"`
	DefaultModel string `json:"default_model"`
	Enabled      bool   `json:"enabled"`
	BaseURL      string `json:"base_url,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// Client defines the interface for text-generation providers.
// ModelDefaulter is implemented by clients that resolve an empty
// Request.Model to a provider default.
type ModelDefaulter interface {
	DefaultModel() string
}

type Client interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string

	// Configured reports whether the client has what it needs to make calls.
	Configured() bool

	// TestConnection performs a cheap authenticated call.
	TestConnection(ctx context.Context) error

	// Chat runs a non-streaming chat completion.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// StreamChat starts a streaming chat completion. The returned error covers
	// only stream establishment; later failures arrive on the final chunk.
	StreamChat(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	// Complete runs a single-prompt completion.
	Complete(ctx context.Context, prompt string, opts Options) (*Response, error)

	// CountTokens is advisory and returns 0 when it cannot count.
	CountTokens(ctx context.Context, text string) int

	// ListModels is advisory and returns nil on failure.
	ListModels(ctx context.Context) []string
}

// EstimateTokens approximates token count as one token per four characters.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateUsage builds a Usage from prompt messages and completion text.
func EstimateUsage(messages []Message, completion string) Usage {
	var prompt int
	for _, m := range messages {
		prompt += EstimateTokens(m.Content)
	}
	out := EstimateTokens(completion)
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
		Estimated:        true,
	}
}

// SplitSystem separates system messages from the rest of the conversation,
// for backends that take the system prompt as a separate field.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// completeRequest turns a single prompt into a chat request.
func completeRequest(prompt string, opts Options) *Request {
	return &Request{
		Messages: []Message{{Role: RoleUser, Content: prompt}},
		Options:  opts,
	}
}

// sendChunk delivers a chunk unless ctx is done.
func sendChunk(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- c:
		return true
	}
}

// finish sends the terminal chunk. It uses a non-blocking send when ctx is
// already canceled so the producer goroutine never leaks.
func finish(ctx context.Context, ch chan<- StreamChunk, usage *Usage, err error) {
	c := StreamChunk{Done: true, Usage: usage, Err: err}
	if ctx.Err() != nil {
		select {
		case ch <- c:
		default:
		}
		return
	}
	sendChunk(ctx, ch, c)
}
