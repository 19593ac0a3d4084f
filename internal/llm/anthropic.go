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
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 1024
)

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg ProviderConfig, httpClient *http.Client) *AnthropicClient {
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   float64            `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *anthropicUsage `json:"usage"`
}

// anthropicEvent covers the stream event shapes we read.
type anthropicEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage *anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicClient) Name() string { return "anthropic" }

func (c *AnthropicClient) Configured() bool { return c.apiKey != "" }

// DefaultModel returns the model used when a request names none.
func (c *AnthropicClient) DefaultModel() string { return c.model }

// toAnthropicMessages hoists system messages into a separate field, folds
// function results into user turns and merges consecutive same-role turns,
// since the Messages API requires strictly alternating roles starting with
// the user.
func toAnthropicMessages(messages []Message) (string, []anthropicMessage) {
	system, rest := SplitSystem(messages)
	out := make([]anthropicMessage, 0, len(rest))
	for _, m := range rest {
		role := "user"
		content := m.Content
		switch m.Role {
		case RoleAssistant:
			role = "assistant"
		case RoleFunction:
			content = fmt.Sprintf("[%s result] %s", m.Name, m.Content)
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + content
			continue
		}
		out = append(out, anthropicMessage{Role: role, Content: content})
	}
	if len(out) > 0 && out[0].Role == "assistant" {
		out = append([]anthropicMessage{{Role: "user", Content: "(call connected)"}}, out...)
	}
	return system, out
}

func (c *AnthropicClient) buildRequest(req *Request, stream bool) anthropicRequest {
	system, msgs := toAnthropicMessages(req.Messages)
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	return anthropicRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		System:        system,
		Messages:      msgs,
		Stream:        stream,
		Temperature:   req.Options.Temperature,
		StopSequences: req.Options.Stop,
	}
}

func (c *AnthropicClient) send(ctx context.Context, method, path string, body any, stream bool) (*http.Response, error) {
	var buf []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, NewError(c.Name(), false, fmt.Errorf("marshal request: %w", err))
		}
		buf = b
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, NewError(c.Name(), false, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport(c.Name(), fmt.Errorf("http request: %w", err))
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, ClassifyHTTP(c.Name(), resp)
	}
	return resp, nil
}

// Chat runs a non-streaming message request.
func (c *AnthropicClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	areq := c.buildRequest(req, false)
	resp, err := c.send(ctx, http.MethodPost, "/v1/messages", areq, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var aresp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&aresp); err != nil {
		return nil, ClassifyTransport(c.Name(), fmt.Errorf("decode response: %w", err))
	}

	var text strings.Builder
	for _, block := range aresp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := &Response{
		Provider:     c.Name(),
		Model:        areq.Model,
		Content:      text.String(),
		FinishReason: aresp.StopReason,
	}
	if aresp.Model != "" {
		out.Model = aresp.Model
	}
	if aresp.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     aresp.Usage.InputTokens,
			CompletionTokens: aresp.Usage.OutputTokens,
			TotalTokens:      aresp.Usage.InputTokens + aresp.Usage.OutputTokens,
		}
	} else {
		out.Usage = EstimateUsage(req.Messages, out.Content)
	}
	return out, nil
}

// StreamChat starts a streaming message request.
func (c *AnthropicClient) StreamChat(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	resp, err := c.send(ctx, http.MethodPost, "/v1/messages", c.buildRequest(req, true), true)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk, 100)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var full strings.Builder
		var input, output int
		var sawUsage bool

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	read:
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var ev anthropicEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "message_start":
				if ev.Message.Usage != nil {
					input = ev.Message.Usage.InputTokens
					sawUsage = true
				}
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					full.WriteString(ev.Delta.Text)
					if !sendChunk(ctx, ch, StreamChunk{Content: ev.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				if ev.Usage != nil {
					output = ev.Usage.OutputTokens
					sawUsage = true
				}
			case "error":
				msg := "stream error"
				code := http.StatusInternalServerError
				if ev.Error != nil {
					msg = ev.Error.Message
					if ev.Error.Type == "overloaded_error" {
						code = 529
					} else if ev.Error.Type == "rate_limit_error" {
						code = http.StatusTooManyRequests
					}
				}
				finish(ctx, ch, nil, ClassifyStatus(c.Name(), code, msg, nil))
				return
			case "message_stop":
				break read
			}
		}
		if err := scanner.Err(); err != nil {
			finish(ctx, ch, nil, ClassifyTransport(c.Name(), fmt.Errorf("stream read: %w", err)))
			return
		}
		var usage Usage
		if sawUsage {
			usage = Usage{PromptTokens: input, CompletionTokens: output, TotalTokens: input + output}
		} else {
			usage = EstimateUsage(req.Messages, full.String())
		}
		finish(ctx, ch, &usage, nil)
	}()

	return ch, nil
}

// Complete runs a single-prompt completion.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string, opts Options) (*Response, error) {
	return c.Chat(ctx, completeRequest(prompt, opts))
}

// CountTokens uses the count_tokens endpoint, 0 on failure.
func (c *AnthropicClient) CountTokens(ctx context.Context, text string) int {
	body := struct {
		Model    string             `json:"model"`
		Messages []anthropicMessage `json:"messages"`
	}{
		Model:    c.model,
		Messages: []anthropicMessage{{Role: "user", Content: text}},
	}
	resp, err := c.send(ctx, http.MethodPost, "/v1/messages/count_tokens", body, false)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()

	var out struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0
	}
	return out.InputTokens
}

// ListModels lists model ids, or nil on any failure.
func (c *AnthropicClient) ListModels(ctx context.Context) []string {
	resp, err := c.send(ctx, http.MethodGet, "/v1/models", nil, false)
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
func (c *AnthropicClient) TestConnection(ctx context.Context) error {
	if !c.Configured() {
		return NewError(c.Name(), false, ErrProviderNotConfigured)
	}
	resp, err := c.send(ctx, http.MethodGet, "/v1/models", nil, false)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

var _ Client = (*AnthropicClient)(nil)
