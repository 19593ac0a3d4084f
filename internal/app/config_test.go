package app

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/lukasbauer/callcore/internal/orchestrator"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		defValue string
		want     string
	}{
		{
			name:     "env set",
			envKey:   "TEST_ENV_VAR",
			envValue: "custom_value",
			defValue: "default",
			want:     "custom_value",
		},
		{
			name:     "env not set",
			envKey:   "TEST_ENV_VAR_NOTSET",
			envValue: "",
			defValue: "default",
			want:     "default",
		},
		{
			name:     "empty default",
			envKey:   "TEST_ENV_VAR_EMPTY",
			envValue: "",
			defValue: "",
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.envKey, tt.envValue)
				defer os.Unsetenv(tt.envKey)
			}

			got := getenv(tt.envKey, tt.defValue)
			if got != tt.want {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.envKey, tt.defValue, got, tt.want)
			}
		})
	}
}

func TestGetenvIntClamped(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		def      int
		min      int
		max      int
		want     int
	}{
		{
			name:     "value within range",
			envKey:   "TEST_INT_NORMAL",
			envValue: "500",
			def:      100,
			min:      0,
			max:      1000,
			want:     500,
		},
		{
			name:     "value below min - clamp to min",
			envKey:   "TEST_INT_LOW",
			envValue: "-100",
			def:      100,
			min:      0,
			max:      1000,
			want:     0,
		},
		{
			name:     "value above max - clamp to max",
			envKey:   "TEST_INT_HIGH",
			envValue: "2000",
			def:      100,
			min:      0,
			max:      1000,
			want:     1000,
		},
		{
			name:     "env not set - use default",
			envKey:   "TEST_INT_NOTSET",
			envValue: "",
			def:      100,
			min:      0,
			max:      1000,
			want:     100,
		},
		{
			name:     "invalid value - use default",
			envKey:   "TEST_INT_INVALID",
			envValue: "not_a_number",
			def:      100,
			min:      0,
			max:      1000,
			want:     100,
		},
		{
			name:     "boundary: exactly min",
			envKey:   "TEST_INT_MIN",
			envValue: "200",
			def:      500,
			min:      200,
			max:      800,
			want:     200,
		},
		{
			name:     "boundary: exactly max",
			envKey:   "TEST_INT_MAX",
			envValue: "800",
			def:      500,
			min:      200,
			max:      800,
			want:     800,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.envKey, tt.envValue)
				defer os.Unsetenv(tt.envKey)
			}

			got := getenvIntClamped(tt.envKey, tt.def, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("getenvIntClamped(%q, %d, %d, %d) = %d, want %d",
					tt.envKey, tt.def, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestGetenvFloatClamped(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		def      float64
		min      float64
		max      float64
		want     float64
	}{
		{
			name:     "value within range",
			envKey:   "TEST_FLOAT_NORMAL",
			envValue: "0.5",
			def:      0.3,
			min:      0.0,
			max:      1.0,
			want:     0.5,
		},
		{
			name:     "value below min - clamp to min",
			envKey:   "TEST_FLOAT_LOW",
			envValue: "-0.5",
			def:      0.3,
			min:      0.0,
			max:      1.0,
			want:     0.0,
		},
		{
			name:     "value above max - clamp to max",
			envKey:   "TEST_FLOAT_HIGH",
			envValue: "1.5",
			def:      0.3,
			min:      0.0,
			max:      1.0,
			want:     1.0,
		},
		{
			name:     "env not set - use default",
			envKey:   "TEST_FLOAT_NOTSET",
			envValue: "",
			def:      0.75,
			min:      0.0,
			max:      1.0,
			want:     0.75,
		},
		{
			name:     "invalid value - use default",
			envKey:   "TEST_FLOAT_INVALID",
			envValue: "not_a_float",
			def:      0.5,
			min:      0.0,
			max:      1.0,
			want:     0.5,
		},
		{
			name:     "boundary: exactly min",
			envKey:   "TEST_FLOAT_MIN",
			envValue: "0.0",
			def:      0.5,
			min:      0.0,
			max:      1.0,
			want:     0.0,
		},
		{
			name:     "boundary: exactly max",
			envKey:   "TEST_FLOAT_MAX",
			envValue: "1.0",
			def:      0.5,
			min:      0.0,
			max:      1.0,
			want:     1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.envKey, tt.envValue)
				defer os.Unsetenv(tt.envKey)
			}

			got := getenvFloatClamped(tt.envKey, tt.def, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("getenvFloatClamped(%q, %f, %f, %f) = %f, want %f",
					tt.envKey, tt.def, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 5 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"bogus", 5 * time.Second},
		{"-1s", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			if got := getenvDuration("TEST_DURATION", 5*time.Second); got != tt.want {
				t.Errorf("getenvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetenvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "false")
	if getenvBool("TEST_BOOL", true) {
		t.Error("explicit false ignored")
	}
	t.Setenv("TEST_BOOL", "yes please")
	if !getenvBool("TEST_BOOL", true) {
		t.Error("invalid value should fall back to default")
	}
}

func TestGetenvList(t *testing.T) {
	t.Setenv("TEST_LIST", " groq, ,openrouter ,")
	got := getenvList("TEST_LIST")
	if len(got) != 2 || got[0] != "groq" || got[1] != "openrouter" {
		t.Errorf("getenvList() = %q", got)
	}
	if got := getenvList("TEST_LIST_NOTSET"); got != nil {
		t.Errorf("unset list = %q, want nil", got)
	}
}

func TestProvidersFromEnv(t *testing.T) {
	for _, p := range envProviders {
		t.Setenv(p.prefix+"_API_KEY", "")
	}
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("GROQ_MODEL", "llama-3.1-8b-instant")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	got := providersFromEnv()
	if len(got) != 2 {
		t.Fatalf("providers = %+v", got)
	}
	if got[0].Name != "openai" || got[1].Name != "groq" {
		t.Errorf("order = %q, %q", got[0].Name, got[1].Name)
	}
	if got[1].DefaultModel != "llama-3.1-8b-instant" || !got[1].Enabled {
		t.Errorf("groq = %+v", got[1])
	}
}

func TestParseVoices(t *testing.T) {
	voices, err := parseVoices(`[{"id":"anna","provider_voice_id":"el-1","language":"de"}]`)
	if err != nil {
		t.Fatalf("parseVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "anna" || voices[0].Language != "de" {
		t.Errorf("voices = %+v", voices)
	}

	if voices, err := parseVoices("  "); err != nil || voices != nil {
		t.Errorf("blank = %v, %v", voices, err)
	}
	if _, err := parseVoices("{not json"); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "LOG_LEVEL", "VOICES", "TURN_PROFILE", "CACHE_PRELOAD", "STREAM_MIN_AUDIO_BYTES"} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.Orchestrator.DefaultProfile != orchestrator.ProfileLow {
		t.Errorf("DefaultProfile = %q, want low", cfg.Orchestrator.DefaultProfile)
	}
	if !cfg.Preload {
		t.Error("Preload should default to true")
	}
	if cfg.MinAudioBytes != 16000 {
		t.Errorf("MinAudioBytes = %d, want 16000", cfg.MinAudioBytes)
	}
	if cfg.Orchestrator.Debug {
		t.Error("Debug should be off at info level")
	}
}

func TestLoadConfigFromEnvCustomValues(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TURN_PROFILE", "ultralow")
	t.Setenv("LLM_FALLBACK_CHAIN", "groq,openrouter")
	t.Setenv("BREAKER_ERROR_THRESHOLD", "250")
	t.Setenv("VOICES", `[{"id":"v1","provider_voice_id":"el-1"}]`)

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
	}
	if !cfg.Orchestrator.Debug {
		t.Error("Debug should follow LOG_LEVEL=debug")
	}
	if cfg.Orchestrator.DefaultProfile != orchestrator.ProfileUltraLow {
		t.Errorf("DefaultProfile = %q, want ultraLow", cfg.Orchestrator.DefaultProfile)
	}
	if len(cfg.FallbackChain) != 2 {
		t.Errorf("FallbackChain = %q", cfg.FallbackChain)
	}
	if cfg.Breaker.ErrorThresholdPercentage != 100 {
		t.Errorf("ErrorThresholdPercentage = %v, want clamped 100", cfg.Breaker.ErrorThresholdPercentage)
	}
	if len(cfg.Voices) != 1 || cfg.Voices[0].ID != "v1" {
		t.Errorf("Voices = %+v", cfg.Voices)
	}
}

func TestLoadConfigFromEnvInvalidVoices(t *testing.T) {
	t.Setenv("VOICES", "[oops")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}
