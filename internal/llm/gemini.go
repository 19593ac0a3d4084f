package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiClient implements Client on top of the Google GenAI SDK.
type GeminiClient struct {
	apiKey string
	model  string
	sdk    *genai.Client
}

// NewGeminiClient creates a Gemini client. A missing API key yields an
// unconfigured client rather than an error.
func NewGeminiClient(cfg ProviderConfig, httpClient *http.Client) (*GeminiClient, error) {
	model := cfg.DefaultModel
	if model == "" {
		model = "gemini-2.0-flash"
	}
	c := &GeminiClient{apiKey: cfg.APIKey, model: model}
	if cfg.APIKey == "" {
		return c, nil
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	sdk, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c.sdk = sdk
	return c, nil
}

func (c *GeminiClient) Name() string { return "gemini" }

func (c *GeminiClient) Configured() bool { return c.sdk != nil }

// DefaultModel returns the model used when a request names none.
func (c *GeminiClient) DefaultModel() string { return c.model }

// toGeminiContents hoists system messages into a SystemInstruction and maps
// assistant turns onto the "model" role.
func toGeminiContents(messages []Message) (*genai.Content, []*genai.Content) {
	system, rest := SplitSystem(messages)
	var sys *genai.Content
	if system != "" {
		sys = genai.NewContentFromText(system, genai.RoleUser)
	}
	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		var role genai.Role = genai.RoleUser
		text := m.Content
		switch m.Role {
		case RoleAssistant:
			role = genai.RoleModel
		case RoleFunction:
			text = fmt.Sprintf("[%s result] %s", m.Name, m.Content)
		}
		contents = append(contents, genai.NewContentFromText(text, role))
	}
	return sys, contents
}

func (c *GeminiClient) config(req *Request, sys *genai.Content) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{SystemInstruction: sys}
	if req.Options.Temperature > 0 {
		t := float32(req.Options.Temperature)
		cfg.Temperature = &t
	}
	if req.Options.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Options.MaxTokens)
	}
	if len(req.Options.Stop) > 0 {
		cfg.StopSequences = req.Options.Stop
	}
	return cfg
}

func (c *GeminiClient) modelFor(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

func geminiUsage(md *genai.GenerateContentResponseUsageMetadata) *Usage {
	if md == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     int(md.PromptTokenCount),
		CompletionTokens: int(md.CandidatesTokenCount),
		TotalTokens:      int(md.TotalTokenCount),
	}
}

// classifyGemini maps SDK errors onto the canonical error.
func (c *GeminiClient) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return c.fromAPIError(apiErr)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return c.fromAPIError(*apiErrPtr)
	}
	return ClassifyTransport(c.Name(), err)
}

func (c *GeminiClient) fromAPIError(apiErr genai.APIError) *Error {
	e := ClassifyStatus(c.Name(), apiErr.Code, apiErr.Message, nil)
	e.RetryAfter = geminiRetryDelay(apiErr.Details)
	e.Err = apiErr
	return e
}

// geminiRetryDelay extracts google.rpc.RetryInfo.retryDelay ("13s").
func geminiRetryDelay(details []map[string]any) time.Duration {
	for _, d := range details {
		t, _ := d["@type"].(string)
		if !strings.HasSuffix(t, "google.rpc.RetryInfo") {
			continue
		}
		if v, ok := d["retryDelay"].(string); ok {
			if dur, err := time.ParseDuration(v); err == nil {
				return dur
			}
		}
	}
	return 0
}

// Chat runs a non-streaming generation.
func (c *GeminiClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	if !c.Configured() {
		return nil, NewError(c.Name(), false, ErrProviderNotConfigured)
	}
	sys, contents := toGeminiContents(req.Messages)
	model := c.modelFor(req)

	resp, err := c.sdk.Models.GenerateContent(ctx, model, contents, c.config(req, sys))
	if err != nil {
		return nil, c.classify(err)
	}

	out := &Response{
		Provider: c.Name(),
		Model:    model,
		Content:  resp.Text(),
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := geminiUsage(resp.UsageMetadata); u != nil {
		out.Usage = *u
	} else {
		out.Usage = EstimateUsage(req.Messages, out.Content)
	}
	return out, nil
}

// StreamChat runs a streaming generation. The SDK only reports failures
// while iterating, so the first response is pulled before returning to keep
// establishment errors on the error return.
func (c *GeminiClient) StreamChat(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	if !c.Configured() {
		return nil, NewError(c.Name(), false, ErrProviderNotConfigured)
	}
	sys, contents := toGeminiContents(req.Messages)

	type item struct {
		resp *genai.GenerateContentResponse
		err  error
	}
	items := make(chan item)
	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(items)
		for resp, err := range c.sdk.Models.GenerateContentStream(streamCtx, c.modelFor(req), contents, c.config(req, sys)) {
			select {
			case items <- item{resp, err}:
			case <-streamCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	first, ok := <-items
	if ok && first.err != nil {
		cancel()
		return nil, c.classify(first.err)
	}

	ch := make(chan StreamChunk, 100)
	go func() {
		defer close(ch)
		defer cancel()

		var full strings.Builder
		var usage *Usage
		handle := func(it item) bool {
			if it.err != nil {
				finish(ctx, ch, nil, c.classify(it.err))
				return false
			}
			if u := geminiUsage(it.resp.UsageMetadata); u != nil {
				usage = u
			}
			if text := it.resp.Text(); text != "" {
				full.WriteString(text)
				return sendChunk(ctx, ch, StreamChunk{Content: text})
			}
			return true
		}

		if ok && !handle(first) {
			return
		}
		for it := range items {
			if !handle(it) {
				return
			}
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
func (c *GeminiClient) Complete(ctx context.Context, prompt string, opts Options) (*Response, error) {
	return c.Chat(ctx, completeRequest(prompt, opts))
}

// CountTokens uses the SDK counter, 0 on failure.
func (c *GeminiClient) CountTokens(ctx context.Context, text string) int {
	if !c.Configured() {
		return 0
	}
	resp, err := c.sdk.Models.CountTokens(ctx, c.model, genai.Text(text), nil)
	if err != nil || resp == nil {
		return 0
	}
	return int(resp.TotalTokens)
}

// ListModels lists model names, or nil on any failure.
func (c *GeminiClient) ListModels(ctx context.Context) []string {
	if !c.Configured() {
		return nil
	}
	var models []string
	for m, err := range c.sdk.Models.All(ctx) {
		if err != nil {
			return nil
		}
		models = append(models, strings.TrimPrefix(m.Name, "models/"))
	}
	sort.Strings(models)
	return models
}

// TestConnection counts tokens for a one-word prompt.
func (c *GeminiClient) TestConnection(ctx context.Context) error {
	if !c.Configured() {
		return NewError(c.Name(), false, ErrProviderNotConfigured)
	}
	if _, err := c.sdk.Models.CountTokens(ctx, c.model, genai.Text("ping"), nil); err != nil {
		return c.classify(err)
	}
	return nil
}

var _ Client = (*GeminiClient)(nil)
