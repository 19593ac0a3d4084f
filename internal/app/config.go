package app

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lukasbauer/callcore/internal/breaker"
	"github.com/lukasbauer/callcore/internal/llm"
	"github.com/lukasbauer/callcore/internal/orchestrator"
	"github.com/lukasbauer/callcore/internal/tts"
)

type Config struct {
	HTTPAddr    string
	LogLevel    string
	SentryDSN   string
	DatabaseURL string
	RedisURL    string

	// Text generation providers
	Providers       []llm.ProviderConfig
	PrimaryProvider string
	FallbackChain   []string

	Breaker breaker.Config

	// Speech providers
	ElevenLabsAPIKey  string
	ElevenLabsModelID string
	DeepgramAPIKey    string
	DeepgramModel     string

	// Voices from VOICES (JSON array); stored voices are merged over them.
	Voices          []tts.Voice
	DefaultVoiceID  string
	DefaultLanguage string

	// Response cache
	CacheMaxEntries int
	CacheTTL        time.Duration
	CacheRemoteTTL  time.Duration
	Preload         bool // synthesize the phrase catalog before reporting ready
	PreloadParallel int

	Orchestrator orchestrator.Config

	// Streaming transport
	StreamTokenSecret string
	AdminToken        string
	MinAudioBytes     int
	AudioEncoding     string
	AudioSampleRate   int

	DiscordWebhookURL     string
	ConfigRefreshInterval time.Duration
}

func LoadConfigFromEnv() (Config, error) {
	voices, err := parseVoices(os.Getenv("VOICES"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: VOICES: %v", ErrConfiguration, err)
	}
	logLevel := getenv("LOG_LEVEL", "info")
	debug := strings.EqualFold(logLevel, "debug")

	profile := orchestrator.ProfileLow
	if p, ok := orchestrator.ParseProfile(getenv("TURN_PROFILE", "low")); ok {
		profile = p
	}

	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    logLevel,
		SentryDSN:   os.Getenv("SENTRY_DSN"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		// Text generation providers
		Providers:       providersFromEnv(),
		PrimaryProvider: os.Getenv("LLM_PRIMARY_PROVIDER"),
		FallbackChain:   getenvList("LLM_FALLBACK_CHAIN"),

		Breaker: breaker.Config{
			Timeout:                  getenvDuration("BREAKER_TIMEOUT", 10*time.Second),
			ErrorThresholdPercentage: getenvFloatClamped("BREAKER_ERROR_THRESHOLD", 50, 1, 100),
			RollingWindow:            getenvDuration("BREAKER_WINDOW", 10*time.Second),
			RollingBuckets:           getenvIntClamped("BREAKER_BUCKETS", 10, 1, 100),
			VolumeThreshold:          getenvIntClamped("BREAKER_VOLUME_THRESHOLD", 5, 1, 1000),
			ResetTimeout:             getenvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			MaxRateLimitRetries:      getenvIntClamped("BREAKER_MAX_RETRIES", 3, 0, 10),
			BaseDelay:                getenvDuration("BREAKER_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:                 getenvDuration("BREAKER_MAX_DELAY", 10*time.Second),
			ResetBuffer:              getenvDuration("BREAKER_RESET_BUFFER", 100*time.Millisecond),
		},

		// Speech providers
		ElevenLabsAPIKey:  os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsModelID: getenv("ELEVENLABS_MODEL_ID", "eleven_flash_v2_5"),
		DeepgramAPIKey:    os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:     getenv("DEEPGRAM_MODEL", "nova-3"),

		Voices:          voices,
		DefaultVoiceID:  os.Getenv("DEFAULT_VOICE_ID"),
		DefaultLanguage: getenv("DEFAULT_LANGUAGE", "en"),

		// Response cache
		CacheMaxEntries: getenvIntClamped("CACHE_MAX_ENTRIES", 5000, 0, 1_000_000),
		CacheTTL:        getenvDuration("CACHE_TTL", 24*time.Hour),
		CacheRemoteTTL:  getenvDuration("CACHE_REMOTE_TTL", 7*24*time.Hour),
		Preload:         getenvBool("CACHE_PRELOAD", true),
		PreloadParallel: getenvIntClamped("CACHE_PRELOAD_PARALLEL", 4, 1, 32),

		Orchestrator: orchestrator.Config{
			MaxParallelSynthesis:  getenvIntClamped("TURN_MAX_PARALLEL_SYNTHESIS", 3, 1, 16),
			SynthesisTimeout:      getenvDuration("TURN_SYNTHESIS_TIMEOUT", 15*time.Second),
			HistoryLimit:          getenvIntClamped("TURN_HISTORY_LIMIT", 20, 1, 200),
			FillerCooldown:        getenvDuration("FILLER_COOLDOWN", 10*time.Second),
			FillerSkipProbability: getenvFloatClamped("FILLER_SKIP_PROBABILITY", 0.3, -1, 1),
			DefaultProfile:        profile,
			Temperature:           getenvFloatClamped("LLM_TEMPERATURE", 0.7, 0, 2),
			MaxTokens:             getenvIntClamped("LLM_MAX_TOKENS", 300, 16, 4096),
			Debug:                 debug,
		},

		// Streaming transport
		StreamTokenSecret: os.Getenv("STREAM_TOKEN_SECRET"), // Required for ?token= - no fallback for security
		AdminToken:        os.Getenv("ADMIN_TOKEN"),
		MinAudioBytes:     getenvIntClamped("STREAM_MIN_AUDIO_BYTES", 16000, 160, 1<<20),
		AudioEncoding:     getenv("STREAM_AUDIO_ENCODING", "mulaw"),
		AudioSampleRate:   getenvIntClamped("STREAM_AUDIO_SAMPLE_RATE", 8000, 8000, 48000),

		DiscordWebhookURL:     os.Getenv("DISCORD_WEBHOOK_URL"),
		ConfigRefreshInterval: getenvDuration("CONFIG_REFRESH_INTERVAL", time.Minute),
	}, nil
}

// envProviders maps provider names to their environment prefix.
var envProviders = []struct{ name, prefix string }{
	{"openai", "OPENAI"},
	{"anthropic", "ANTHROPIC"},
	{"gemini", "GEMINI"},
	{"groq", "GROQ"},
	{"openrouter", "OPENROUTER"},
}

// providersFromEnv returns a config for every provider with an API key set.
func providersFromEnv() []llm.ProviderConfig {
	var out []llm.ProviderConfig
	for _, p := range envProviders {
		key := os.Getenv(p.prefix + "_API_KEY")
		if key == "" {
			continue
		}
		out = append(out, llm.ProviderConfig{
			Name:         p.name,
			APIKey:       key,
			DefaultModel: os.Getenv(p.prefix + "_MODEL"),
			BaseURL:      os.Getenv(p.prefix + "_BASE_URL"),
			Organization: os.Getenv(p.prefix + "_ORGANIZATION"),
			Enabled:      true,
		})
	}
	return out
}

func parseVoices(s string) ([]tts.Voice, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var voices []tts.Voice
	if err := json.Unmarshal([]byte(s), &voices); err != nil {
		return nil, err
	}
	return voices, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// getenvIntClamped reads an int and clamps it to [min, max].
func getenvIntClamped(k string, def, min, max int) int {
	n := getenvInt(k, def)
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// getenvFloatClamped reads a float and clamps it to [min, max].
func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}

func getenvDuration(k string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(k))
	if err != nil || d < 0 {
		return def
	}
	return d
}

func getenvBool(k string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return def
	}
	return b
}

// getenvList splits a comma-separated variable, dropping empty items.
func getenvList(k string) []string {
	s := os.Getenv(k)
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
