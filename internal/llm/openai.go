package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	openaiBaseURL     = "https://api.openai.com/v1"
	groqBaseURL       = "https://api.groq.com/openai/v1"
	openrouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenAIClient implements Client against the OpenAI chat completions API and
// compatible backends (Groq, OpenRouter).
type OpenAIClient struct {
	name         string
	apiKey       string
	model        string
	baseURL      string
	organization string
	httpClient   *http.Client
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(cfg ProviderConfig, httpClient *http.Client) *OpenAIClient {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = openaiBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIClient{
		name:         name,
		apiKey:       cfg.APIKey,
		model:        model,
		baseURL:      baseURL,
		organization: cfg.Organization,
		httpClient:   httpClient,
	}
}

// chatRequest represents an OpenAI chat completion request.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// chatResponse represents an OpenAI chat completion response or stream chunk.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) Configured() bool { return c.apiKey != "" }

// DefaultModel returns the model used when a request names none.
func (c *OpenAIClient) DefaultModel() string { return c.model }

func (c *OpenAIClient) modelFor(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

func toOpenAIMessages(messages []Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, chatMessage{Role: string(m.Role), Content: m.Content, Name: m.Name})
	}
	return out
}

func (c *OpenAIClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.organization != "" {
		httpReq.Header.Set("OpenAI-Organization", c.organization)
	}
	return httpReq, nil
}

func (c *OpenAIClient) do(httpReq *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport(c.name, fmt.Errorf("failed to send request: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, ClassifyHTTP(c.name, resp)
	}
	return resp, nil
}

// Chat runs a non-streaming chat completion.
func (c *OpenAIClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	model := c.modelFor(req)
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/chat/completions", chatRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
		Stop:        req.Options.Stop,
	})
	if err != nil {
		return nil, NewError(c.name, false, err)
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, ClassifyTransport(c.name, fmt.Errorf("failed to decode response: %w", err))
	}
	if len(chatResp.Choices) == 0 {
		return nil, NewError(c.name, true, fmt.Errorf("no choices in response"))
	}

	content := chatResp.Choices[0].Message.Content
	out := &Response{
		Provider:     c.name,
		Model:        model,
		Content:      content,
		FinishReason: chatResp.Choices[0].FinishReason,
	}
	if chatResp.Model != "" {
		out.Model = chatResp.Model
	}
	if chatResp.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		}
	} else {
		out.Usage = EstimateUsage(req.Messages, content)
	}
	return out, nil
}

// StreamChat starts a streaming chat completion over SSE.
func (c *OpenAIClient) StreamChat(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/chat/completions", chatRequest{
		Model:         c.modelFor(req),
		Messages:      toOpenAIMessages(req.Messages),
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Temperature:   req.Options.Temperature,
		MaxTokens:     req.Options.MaxTokens,
		Stop:          req.Options.Stop,
	})
	if err != nil {
		return nil, NewError(c.name, false, err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk, 100)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var full strings.Builder
		var usage *Usage

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()

			// Skip empty lines and non-data lines
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var streamResp chatResponse
			if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
				continue
			}
			if streamResp.Usage != nil {
				usage = &Usage{
					PromptTokens:     streamResp.Usage.PromptTokens,
					CompletionTokens: streamResp.Usage.CompletionTokens,
					TotalTokens:      streamResp.Usage.TotalTokens,
				}
			}
			if len(streamResp.Choices) > 0 {
				content := streamResp.Choices[0].Delta.Content
				if content != "" {
					full.WriteString(content)
					if !sendChunk(ctx, ch, StreamChunk{Content: content}) {
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			finish(ctx, ch, nil, ClassifyTransport(c.name, fmt.Errorf("stream read: %w", err)))
			return
		}
		if usage == nil {
			u := EstimateUsage(req.Messages, full.String())
			usage = &u
		}
		finish(ctx, ch, usage, nil)
	}()

	return ch, nil
}

// Complete runs a single-prompt completion.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, opts Options) (*Response, error) {
	return c.Chat(ctx, completeRequest(prompt, opts))
}

// CountTokens estimates; the chat completions API has no counting endpoint.
func (c *OpenAIClient) CountTokens(_ context.Context, text string) int {
	return EstimateTokens(text)
}

// ListModels lists model ids, or nil on any failure.
func (c *OpenAIClient) ListModels(ctx context.Context) []string {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil
	}
	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, m.ID)
	}
	sort.Strings(models)
	return models
}

// TestConnection lists models as the cheapest authenticated call.
func (c *OpenAIClient) TestConnection(ctx context.Context) error {
	if !c.Configured() {
		return NewError(c.name, false, ErrProviderNotConfigured)
	}
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return NewError(c.name, false, err)
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

var _ Client = (*OpenAIClient)(nil)
