package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const elevenLabsAPIURL = "https://api.elevenlabs.io/v1/text-to-speech"

// ElevenLabsClient implements Synthesizer using ElevenLabs' API.
type ElevenLabsClient struct {
	apiKey       string
	modelID      string
	baseURL      string
	outputFormat string
	stability    float64
	similarity   float64
	httpClient   *http.Client
}

// ElevenLabsConfig holds configuration for the ElevenLabs client.
type ElevenLabsConfig struct {
	APIKey       string
	ModelID      string  // e.g., "eleven_flash_v2_5" for low latency
	BaseURL      string  // defaults to the public API
	OutputFormat string  // defaults to ulaw_8000
	Stability    float64 // negative means default (0.5)
	Similarity   float64 // negative means default (0.75)
	HTTPClient   *http.Client
}

// NewElevenLabsClient creates a new ElevenLabs client.
func NewElevenLabsClient(cfg ElevenLabsConfig) *ElevenLabsClient {
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = "eleven_flash_v2_5" // Low latency model with Czech support
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = elevenLabsAPIURL
	}
	format := cfg.OutputFormat
	if format == "" {
		format = "ulaw_8000"
	}
	stability := cfg.Stability
	if stability < 0 {
		stability = 0.5
	}
	similarity := cfg.Similarity
	if similarity < 0 {
		similarity = 0.75
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &ElevenLabsClient{
		apiKey:       cfg.APIKey,
		modelID:      modelID,
		baseURL:      baseURL,
		outputFormat: format,
		stability:    stability,
		similarity:   similarity,
		httpClient:   hc,
	}
}

// Name identifies the provider in breaker keys and logs.
func (c *ElevenLabsClient) Name() string { return "elevenlabs" }

// ttsRequest represents an ElevenLabs TTS request.
type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	LanguageCode  string        `json:"language_code,omitempty"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64  `json:"stability"`
	SimilarityBoost float64  `json:"similarity_boost"`
	Style           *float64 `json:"style,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
}

func (c *ElevenLabsClient) buildRequest(text string, voice Voice) ttsRequest {
	model := c.modelID
	if voice.ModelID != "" {
		model = voice.ModelID
	}
	vs := voiceSettings{
		Stability:       c.stability,
		SimilarityBoost: c.similarity,
		Style:           voice.Style,
		Speed:           voice.Speed,
	}
	if voice.Stability != nil {
		vs.Stability = *voice.Stability
	}
	if voice.Similarity != nil {
		vs.SimilarityBoost = *voice.Similarity
	}
	var lang string
	if strings.HasPrefix(model, "eleven_flash_v2_5") || strings.HasPrefix(model, "eleven_turbo_v2_5") {
		lang, _, _ = strings.Cut(strings.ToLower(voice.Language), "-")
	}
	return ttsRequest{Text: text, ModelID: model, LanguageCode: lang, VoiceSettings: vs}
}

func (c *ElevenLabsClient) post(ctx context.Context, path string, text string, voice Voice) (*http.Response, error) {
	if voice.ProviderVoiceID == "" {
		return nil, fmt.Errorf("%s: %w", c.Name(), ErrVoiceNotConfigured)
	}

	body, err := json.Marshal(c.buildRequest(text, voice))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/%s%s?output_format=%s", c.baseURL, url.PathEscape(voice.ProviderVoiceID), path, url.QueryEscape(c.outputFormat))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{Provider: c.Name(), Err: fmt.Errorf("failed to send request: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{
			Provider:   c.Name(),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
			RetryAfter: retryAfter(resp.Header),
		}
	}
	return resp, nil
}

// Synthesize converts text to speech and returns the audio.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error) {
	resp, err := c.post(ctx, "", text, voice)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Provider: c.Name(), Err: fmt.Errorf("read audio: %w", err)}
	}
	return audio, nil
}

// SynthesizeStream converts text to speech and streams audio in
// FrameBytes-sized chunks.
func (c *ElevenLabsClient) SynthesizeStream(ctx context.Context, text string, voice Voice) (<-chan Chunk, error) {
	resp, err := c.post(ctx, "/stream", text, voice)
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, 100)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, FrameBytes)
		for {
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case <-ctx.Done():
					return
				case ch <- Chunk{Audio: chunk}:
				}
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return
			}
			if err != nil {
				select {
				case ch <- Chunk{Err: &APIError{Provider: c.Name(), Err: err}}:
				default:
				}
				return
			}
		}
	}()

	return ch, nil
}

var _ Synthesizer = (*ElevenLabsClient)(nil)
