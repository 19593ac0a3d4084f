package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/callcore/internal/breaker"
	"github.com/lukasbauer/callcore/internal/conversation"
	"github.com/lukasbauer/callcore/internal/eventlog"
	"github.com/lukasbauer/callcore/internal/llm"
	"github.com/lukasbauer/callcore/internal/orchestrator"
	"github.com/lukasbauer/callcore/internal/stt"
	"github.com/lukasbauer/callcore/internal/tts"
)

type RouterConfig struct {
	// Bearer token for the /v1 ops endpoints. Empty disables them.
	AdminToken string

	// HS256 secret for ?token= stream authentication.
	StreamTokenSecret string

	// Session defaults when the stream does not name them.
	DefaultVoiceID  string
	DefaultLanguage string

	// Inbound audio is buffered until this many bytes before transcription.
	MinAudioBytes   int
	AudioEncoding   string // e.g., "mulaw"
	AudioSampleRate int    // e.g., 8000

	// Delay between an error frame and the close of a rejected stream.
	CloseGrace time.Duration

	Debug bool
}

// TurnProcessor runs turns. *orchestrator.Orchestrator satisfies it.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req orchestrator.TurnRequest) (<-chan orchestrator.Event, error)
	Interrupt(sessionID string) bool
}

// Gateway is the live provider gateway.
type Gateway interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
	Providers() []string
	Primary() string
	Client(name string) (llm.Client, bool)
}

// VoiceCatalog lists configured voices. *tts.Catalog satisfies it.
type VoiceCatalog interface {
	Voice(id string) (tts.Voice, bool)
	List() []tts.Voice
}

// EventLog stores per-call events. *eventlog.Logger satisfies it.
type EventLog interface {
	LogAsync(callID string, eventType eventlog.EventType, data map[string]any)
	List(ctx context.Context, callID string, limit int) ([]eventlog.Event, error)
}

type Deps struct {
	Orchestrator TurnProcessor
	Sessions     *conversation.Manager
	Voices       VoiceCatalog
	Gateway      Gateway
	Breakers     *breaker.Group
	Transcriber  stt.Transcriber // nil ignores inbound audio
	Events       EventLog
	Streams      *StreamRegistry
	Ready        func() bool // nil means always ready
}

type Router struct {
	cfg    RouterConfig
	deps   Deps
	logger *log.Logger
	mux    *http.ServeMux
}

func NewRouter(cfg RouterConfig, deps Deps, logger *log.Logger) http.Handler {
	return withSentryRecovery(newRouter(cfg, deps, logger).mux)
}

func newRouter(cfg RouterConfig, deps Deps, logger *log.Logger) *Router {
	if cfg.MinAudioBytes <= 0 {
		cfg.MinAudioBytes = 16000
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 250 * time.Millisecond
	}
	if deps.Streams == nil {
		deps.Streams = NewStreamRegistry()
	}
	r := &Router{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	r.routes()
	return r
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Streaming sessions
	r.mux.HandleFunc("GET /stream", r.handleStream)
	r.mux.HandleFunc("GET /stream/{callId}/{conversationId}", r.handleStream)

	// Ops endpoints (admin token)
	r.mux.HandleFunc("GET /v1/breakers", r.withAdmin(r.handleListBreakers))
	r.mux.HandleFunc("POST /v1/breakers/{key}/open", r.withAdmin(r.handleOpenBreaker))
	r.mux.HandleFunc("POST /v1/breakers/{key}/close", r.withAdmin(r.handleCloseBreaker))
	r.mux.HandleFunc("POST /v1/chat", r.withAdmin(r.handleChat))
	r.mux.HandleFunc("GET /v1/providers", r.withAdmin(r.handleListProviders))
	r.mux.HandleFunc("GET /v1/voices", r.withAdmin(r.handleListVoices))
	r.mux.HandleFunc("GET /v1/streams", r.withAdmin(r.handleListStreams))
	r.mux.HandleFunc("GET /v1/calls/{callId}/events", r.withAdmin(r.handleCallEvents))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz is 503 until the phrase cache is preloaded and while draining.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.deps.Streams.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	if r.deps.Ready != nil && !r.deps.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("preloading"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
