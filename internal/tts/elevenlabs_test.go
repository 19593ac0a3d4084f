package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lukasbauer/callcore/internal/breaker"
)

func ptr(f float64) *float64 { return &f }

func TestNewElevenLabsClient_DefaultValues(t *testing.T) {
	// Negative values signal "use defaults" since 0.0 is a valid setting
	client := NewElevenLabsClient(ElevenLabsConfig{
		APIKey:     "test-key",
		Stability:  -1,
		Similarity: -1,
	})

	if client.modelID != "eleven_flash_v2_5" {
		t.Errorf("modelID = %q, want %q", client.modelID, "eleven_flash_v2_5")
	}
	if client.outputFormat != "ulaw_8000" {
		t.Errorf("outputFormat = %q, want ulaw_8000", client.outputFormat)
	}
	if client.stability != 0.5 {
		t.Errorf("stability = %f, want %f", client.stability, 0.5)
	}
	if client.similarity != 0.75 {
		t.Errorf("similarity = %f, want %f", client.similarity, 0.75)
	}
}

func TestNewElevenLabsClient_ZeroIsValid(t *testing.T) {
	client := NewElevenLabsClient(ElevenLabsConfig{APIKey: "k", Stability: 0, Similarity: 0})
	if client.stability != 0 || client.similarity != 0 {
		t.Errorf("stability/similarity = %f/%f, want 0/0", client.stability, client.similarity)
	}
}

func TestBuildRequest_VoiceOverrides(t *testing.T) {
	client := NewElevenLabsClient(ElevenLabsConfig{APIKey: "k", Stability: -1, Similarity: -1})

	tests := []struct {
		name           string
		voice          Voice
		wantStability  float64
		wantSimilarity float64
		wantModel      string
		wantLang       string
	}{
		{
			name:           "client defaults",
			voice:          Voice{ProviderVoiceID: "v"},
			wantStability:  0.5,
			wantSimilarity: 0.75,
			wantModel:      "eleven_flash_v2_5",
		},
		{
			name:           "per-voice settings",
			voice:          Voice{ProviderVoiceID: "v", Stability: ptr(0.9), Similarity: ptr(0.1), Language: "cs-CZ"},
			wantStability:  0.9,
			wantSimilarity: 0.1,
			wantModel:      "eleven_flash_v2_5",
			wantLang:       "cs",
		},
		{
			name:           "multilingual model takes no language code",
			voice:          Voice{ProviderVoiceID: "v", ModelID: "eleven_multilingual_v2", Language: "cs"},
			wantStability:  0.5,
			wantSimilarity: 0.75,
			wantModel:      "eleven_multilingual_v2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := client.buildRequest("hi", tt.voice)
			if req.VoiceSettings.Stability != tt.wantStability {
				t.Errorf("stability = %f, want %f", req.VoiceSettings.Stability, tt.wantStability)
			}
			if req.VoiceSettings.SimilarityBoost != tt.wantSimilarity {
				t.Errorf("similarity = %f, want %f", req.VoiceSettings.SimilarityBoost, tt.wantSimilarity)
			}
			if req.ModelID != tt.wantModel {
				t.Errorf("model = %q, want %q", req.ModelID, tt.wantModel)
			}
			if req.LanguageCode != tt.wantLang {
				t.Errorf("language_code = %q, want %q", req.LanguageCode, tt.wantLang)
			}
		})
	}
}

func TestSynthesize(t *testing.T) {
	audio := bytes.Repeat([]byte{0x7f}, 1500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voice-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("output_format") != "ulaw_8000" {
			t.Errorf("output_format = %q", r.URL.Query().Get("output_format"))
		}
		if r.Header.Get("xi-api-key") != "k" {
			t.Errorf("xi-api-key = %q", r.Header.Get("xi-api-key"))
		}
		var req ttsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Text != "Hello there." {
			t.Errorf("text = %q", req.Text)
		}
		w.Write(audio)
	}))
	defer srv.Close()

	client := NewElevenLabsClient(ElevenLabsConfig{APIKey: "k", BaseURL: srv.URL, Stability: -1, Similarity: -1})
	got, err := client.Synthesize(context.Background(), "Hello there.", Voice{ProviderVoiceID: "voice-1"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("audio length = %d, want %d", len(got), len(audio))
	}
}

func TestSynthesizeStream(t *testing.T) {
	audio := bytes.Repeat([]byte{1}, FrameBytes*2+100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/stream") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write(audio)
	}))
	defer srv.Close()

	client := NewElevenLabsClient(ElevenLabsConfig{APIKey: "k", BaseURL: srv.URL})
	ch, err := client.SynthesizeStream(context.Background(), "x", Voice{ProviderVoiceID: "v"})
	if err != nil {
		t.Fatalf("SynthesizeStream() error = %v", err)
	}
	var sizes []int
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("chunk error = %v", c.Err)
		}
		sizes = append(sizes, len(c.Audio))
	}
	if len(sizes) != 3 || sizes[0] != FrameBytes || sizes[1] != FrameBytes || sizes[2] != 100 {
		t.Errorf("chunk sizes = %v", sizes)
	}
}

func TestSynthesizeErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusUnauthorized, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"detail":"nope"}`)
			}))
			defer srv.Close()

			client := NewElevenLabsClient(ElevenLabsConfig{APIKey: "k", BaseURL: srv.URL})
			_, err := client.Synthesize(context.Background(), "x", Voice{ProviderVoiceID: "v"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.IsRetryable() != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", apiErr.IsRetryable(), tt.retryable)
			}
			if apiErr.RateLimited() && apiErr.RetryAfterHint() != time.Second {
				t.Errorf("RetryAfterHint() = %v, want 1s", apiErr.RetryAfterHint())
			}
		})
	}
}

func TestSynthesizeMissingVoice(t *testing.T) {
	client := NewElevenLabsClient(ElevenLabsConfig{APIKey: "k"})
	if _, err := client.Synthesize(context.Background(), "x", Voice{ID: "v"}); !errors.Is(err, ErrVoiceNotConfigured) {
		t.Errorf("Synthesize() error = %v, want ErrVoiceNotConfigured", err)
	}
}

func TestFrames(t *testing.T) {
	tests := []struct {
		n    int
		size int
		want []int
	}{
		{0, 640, []int{}},
		{640, 640, []int{640}},
		{641, 640, []int{640, 1}},
		{1500, 0, []int{640, 640, 220}},
	}
	for _, tt := range tests {
		frames := Frames(make([]byte, tt.n), tt.size)
		got := make([]int, len(frames))
		for i, f := range frames {
			got[i] = len(f)
		}
		if len(got) != len(tt.want) {
			t.Errorf("Frames(%d, %d) = %v, want %v", tt.n, tt.size, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Frames(%d, %d) = %v, want %v", tt.n, tt.size, got, tt.want)
				break
			}
		}
	}
}

func TestGuardedCountsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := breaker.DefaultConfig()
	cfg.VolumeThreshold = 2
	group := breaker.NewGroup(cfg, log.New(io.Discard, "", 0))
	g := NewGuarded("elevenlabs", NewElevenLabsClient(ElevenLabsConfig{APIKey: "k", BaseURL: srv.URL}), group)

	for i := 0; i < 2; i++ {
		_, _ = g.Synthesize(context.Background(), "x", Voice{ProviderVoiceID: "v"})
	}
	if st := group.Stats("tts:elevenlabs:synthesize"); st.State != breaker.StateOpen {
		t.Errorf("state = %s, want open", st.State)
	}
	if _, err := g.Synthesize(context.Background(), "x", Voice{ProviderVoiceID: "v"}); !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("Synthesize() error = %v, want ErrOpen", err)
	}
}

func TestCatalog(t *testing.T) {
	c := NewCatalog([]Voice{
		{ID: "b", ProviderVoiceID: "pb"},
		{ID: "a", ProviderVoiceID: "pa"},
		{ID: "no-provider-id"},
	})
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	if list := c.List(); list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("List() = %+v, want sorted by id", list)
	}
	if _, ok := c.Voice("no-provider-id"); ok {
		t.Error("voice without provider id accepted")
	}

	c.Replace([]Voice{{ID: "c", ProviderVoiceID: "pc"}})
	if _, ok := c.Voice("a"); ok {
		t.Error("Replace kept old voice")
	}
	if v, ok := c.Voice("c"); !ok || v.ProviderVoiceID != "pc" {
		t.Errorf("Voice(c) = %+v, %v", v, ok)
	}
}
