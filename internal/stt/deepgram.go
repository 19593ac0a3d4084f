package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const deepgramURL = "https://api.deepgram.com/v1/listen"

// DeepgramClient implements Transcriber using Deepgram's pre-recorded API.
type DeepgramClient struct {
	apiKey     string
	baseURL    string
	cfg        DeepgramConfig
	httpClient *http.Client
}

// DeepgramConfig holds configuration for the Deepgram client.
type DeepgramConfig struct {
	APIKey     string
	BaseURL    string
	Language   string // e.g., "cs" for Czech
	Model      string // e.g., "nova-3"
	SampleRate int    // e.g., 8000 for μ-law
	Encoding   string // e.g., "mulaw"
	Channels   int    // e.g., 1 for mono
	Punctuate  bool
	HTTPClient *http.Client
}

// deepgramResponse represents a Deepgram pre-recorded response.
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// APIError is a failed Deepgram call.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deepgram: API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("deepgram: %v", e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

func (e *APIError) RetryAfterHint() time.Duration { return e.RetryAfter }

func (e *APIError) IsRetryable() bool {
	if e.StatusCode == 0 {
		return !errors.Is(e.Err, context.Canceled)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewDeepgramClient creates a new Deepgram client.
func NewDeepgramClient(cfg DeepgramConfig) *DeepgramClient {
	if cfg.Model == "" {
		cfg.Model = "nova-3"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = deepgramURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &DeepgramClient{apiKey: cfg.APIKey, baseURL: baseURL, cfg: cfg, httpClient: hc}
}

func (c *DeepgramClient) endpoint(opts Options) string {
	q := url.Values{}
	q.Set("model", c.cfg.Model)
	lang := c.cfg.Language
	if opts.Language != "" {
		lang = opts.Language
	}
	if lang != "" {
		q.Set("language", lang)
	} else {
		q.Set("detect_language", "true")
	}
	enc := c.cfg.Encoding
	if opts.Encoding != "" {
		enc = opts.Encoding
	}
	rate := c.cfg.SampleRate
	if opts.SampleRate > 0 {
		rate = opts.SampleRate
	}
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", strconv.Itoa(c.cfg.Channels))
	q.Set("punctuate", strconv.FormatBool(c.cfg.Punctuate))
	return c.baseURL + "?" + q.Encode()
}

// Transcribe sends one buffered audio segment to Deepgram.
func (c *DeepgramClient) Transcribe(ctx context.Context, audio []byte, opts Options) (Transcript, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(opts), bytes.NewReader(audio))
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Transcript{}, &APIError{Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
		return Transcript{}, e
	}

	var dr deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return Transcript{}, &APIError{Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	var out Transcript
	if len(dr.Results.Channels) > 0 {
		ch := dr.Results.Channels[0]
		out.Language = ch.DetectedLanguage
		if len(ch.Alternatives) > 0 {
			out.Text = strings.TrimSpace(ch.Alternatives[0].Transcript)
			out.Confidence = ch.Alternatives[0].Confidence
		}
	}
	return out, nil
}

var _ Transcriber = (*DeepgramClient)(nil)
