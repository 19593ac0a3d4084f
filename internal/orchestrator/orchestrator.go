// Package orchestrator turns one caller utterance into an ordered stream of
// speech: it drives generation through the gateway, cuts the reply into
// synthesis units, resolves each unit from the cache or the synthesizer and
// delivers the audio in production order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/lukasbauer/callcore/internal/cache"
	"github.com/lukasbauer/callcore/internal/conversation"
	"github.com/lukasbauer/callcore/internal/eventlog"
	"github.com/lukasbauer/callcore/internal/llm"
	"github.com/lukasbauer/callcore/internal/tts"
)

// stopWait bounds how long ProcessTurn waits for an interrupted turn to
// release its session.
const stopWait = 2 * time.Second

var (
	// ErrBusy is returned when the session already has a turn in flight
	// that was not interrupted. Nothing is queued.
	ErrBusy = errors.New("turn already in progress")

	ErrEmptyInput = errors.New("empty input")
)

// Error codes carried by EventError.
const (
	CodeGenerationFailed   = "generation_failed"
	CodeSynthesisFailed    = "synthesis_failed"
	CodeVoiceNotConfigured = "voice_not_configured"
	CodeInternal           = "internal_error"
)

// Generator produces reply text. *gateway.Gateway satisfies it.
type Generator interface {
	StreamChat(ctx context.Context, req llm.Request) (*llm.Stream, error)
	Primary() string
}

// AudioCache is the response cache. *cache.Cache satisfies it.
type AudioCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, audio []byte, opts cache.SetOptions) error
}

// Voices resolves voice ids. *tts.Catalog satisfies it.
type Voices interface {
	Voice(id string) (tts.Voice, bool)
}

// EventLogger records per-call events. *eventlog.Logger satisfies it.
type EventLogger interface {
	LogAsync(callID string, eventType eventlog.EventType, data map[string]any)
}

// Profile trades latency against naturalness.
type Profile string

const (
	ProfileUltraLow Profile = "ultraLow"
	ProfileLow      Profile = "low"
	ProfileBalanced Profile = "balanced"
)

type fillerMode int

const (
	fillerOff    fillerMode = iota
	fillerCached            // only if already cached
	fillerAny               // cached or synthesized concurrently
)

type profile struct {
	clauses       bool
	firstMinRunes int
	minRunes      int
	filler        fillerMode
	streamFirst   bool // stream the first reply unit on a cache miss
}

var profiles = map[Profile]profile{
	ProfileUltraLow: {clauses: true, firstMinRunes: 8, minRunes: 24, filler: fillerCached, streamFirst: true},
	ProfileLow:      {filler: fillerAny, streamFirst: true},
	ProfileBalanced: {firstMinRunes: 24, minRunes: 60, filler: fillerOff},
}

// ParseProfile maps a client-supplied name to a Profile. Unknown names
// return ok=false.
func ParseProfile(s string) (Profile, bool) {
	for p := range profiles {
		if strings.EqualFold(string(p), s) {
			return p, true
		}
	}
	return "", false
}

// TurnRequest is one utterance to answer.
type TurnRequest struct {
	SessionID string
	Text      string
	Language  string // overrides the session language
	Profile   Profile
	Filler    *bool // nil uses the profile default
	Priority  bool  // write synthesized audio to the shared cache tier before emitting
	Provider  string
	Model     string
}

type EventKind string

const (
	EventProcessing  EventKind = "processing"
	EventAudio       EventKind = "audio"
	EventInterrupted EventKind = "interrupted"
	EventCompleted   EventKind = "completed"
	EventError       EventKind = "error"
)

// Event is one item of a turn's output stream. Seq increases by one per
// delivered event within a turn.
type Event struct {
	TurnID  string
	Seq     int
	Kind    EventKind
	Audio   []byte // EventAudio
	Unit    int    // synthesis unit of an audio frame, in production order
	Filler  bool
	Code    string // EventError
	Message string
	Result  *Result // terminal events
}

// Result is the completion metadata of a turn.
type Result struct {
	TurnID       string `json:"turn_id"`
	Interrupted  bool   `json:"interrupted"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	FirstAudioMs int64  `json:"first_audio_ms"`
	DurationMs   int64  `json:"duration_ms"`
	Units        int    `json:"units"`
	CacheHits    int    `json:"cache_hits"`
	Filler       bool   `json:"filler"`
	FallbackUsed bool   `json:"fallback_used"`
	Text         string `json:"text"`
}

type Config struct {
	MaxParallelSynthesis  int
	SynthesisTimeout      time.Duration
	HistoryLimit          int
	FillerCooldown        time.Duration
	FillerSkipProbability float64 // negative never skips
	FrameBytes            int
	DefaultProfile        Profile
	Temperature           float64
	MaxTokens             int
	Debug                 bool
}

func (c Config) withDefaults() Config {
	if c.MaxParallelSynthesis <= 0 {
		c.MaxParallelSynthesis = 3
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 15 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.FillerCooldown <= 0 {
		c.FillerCooldown = 10 * time.Second
	}
	if c.FillerSkipProbability == 0 {
		c.FillerSkipProbability = 0.3
	}
	if c.FrameBytes <= 0 {
		c.FrameBytes = tts.FrameBytes
	}
	if _, ok := profiles[c.DefaultProfile]; !ok {
		c.DefaultProfile = ProfileLow
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Events and Logger may be
// nil.
type Deps struct {
	Generator   Generator
	Synthesizer tts.Synthesizer
	Cache       AudioCache
	Voices      Voices
	Sessions    *conversation.Manager
	Events      EventLogger
	Logger      *log.Logger
}

type Orchestrator struct {
	cfg      Config
	gen      Generator
	synth    tts.Synthesizer
	cache    AudioCache
	voices   Voices
	sessions *conversation.Manager
	events   EventLogger
	logger   *log.Logger

	flight singleflight.Group

	mu     sync.Mutex
	active map[string]*turn // by session id

	random func() float64
	now    func() time.Time
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Events == nil {
		deps.Events = nopEvents{}
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		gen:      deps.Generator,
		synth:    deps.Synthesizer,
		cache:    deps.Cache,
		voices:   deps.Voices,
		sessions: deps.Sessions,
		events:   deps.Events,
		logger:   deps.Logger,
		active:   make(map[string]*turn),
		random:   rand.Float64,
		now:      time.Now,
	}
}

type nopEvents struct{}

func (nopEvents) LogAsync(string, eventlog.EventType, map[string]any) {}

// turn is the per-turn output state. mu serializes sends so that Interrupt
// can wait out an in-progress send and then stop all further ones.
type turn struct {
	id      string
	parent  context.Context
	cancel  context.CancelFunc
	started time.Time
	out     chan Event
	done    chan struct{} // closed once the session is released

	mu      sync.Mutex
	stopped bool
	seq     int

	interrupted atomic.Bool
}

// emit delivers ev unless the turn was stopped or ctx ended first.
func (t *turn) emit(ctx context.Context, ev Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	ev.TurnID, ev.Seq = t.id, t.seq+1
	select {
	case t.out <- ev:
		t.seq++
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *turn) stop() {
	t.interrupted.Store(true)
	t.cancel()
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// ProcessTurn starts answering req. The returned channel carries the turn's
// events in order and is closed after exactly one terminal event
// (completed, interrupted or error). It must be drained until closed.
// Canceling ctx aborts the turn like Interrupt.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	sess, err := o.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	voice, ok := o.voices.Voice(sess.VoiceID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", tts.ErrVoiceNotConfigured, sess.VoiceID)
	}
	if !sess.TryBegin() && !o.awaitStopped(ctx, sess) {
		return nil, ErrBusy
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &turn{
		id:      uuid.NewString(),
		parent:  ctx,
		cancel:  cancel,
		started: o.now(),
		out:     make(chan Event),
		done:    make(chan struct{}),
	}
	o.mu.Lock()
	o.active[sess.ID] = t
	o.mu.Unlock()

	go o.run(tctx, t, sess, voice, req, text)
	return t.out, nil
}

// Interrupt aborts the session's turn in flight. Once it returns no further
// audio of that turn is delivered; the turn's stream ends with an
// interrupted event. It reports whether a turn was in flight.
func (o *Orchestrator) Interrupt(sessionID string) bool {
	o.mu.Lock()
	t := o.active[sessionID]
	o.mu.Unlock()
	if t == nil {
		return false
	}
	t.stop()
	o.logger.Printf("orchestrator: turn %s interrupted", t.id)
	return true
}

// awaitStopped waits for an interrupted turn of sess to release the session
// and then claims it. A turn that is not stopping keeps the session busy.
func (o *Orchestrator) awaitStopped(ctx context.Context, sess *conversation.Session) bool {
	o.mu.Lock()
	t := o.active[sess.ID]
	o.mu.Unlock()
	if t != nil {
		if !t.interrupted.Load() && t.parent.Err() == nil {
			return false
		}
		timer := time.NewTimer(stopWait)
		defer timer.Stop()
		select {
		case <-t.done:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return sess.TryBegin()
}

// Active reports whether the session has a turn in flight.
func (o *Orchestrator) Active(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[sessionID] != nil
}

// release frees the session before dropping t from active, so a caller that
// found t active can wait on t.done and then claim the session.
func (o *Orchestrator) release(t *turn, sess *conversation.Session) {
	sess.End()
	o.mu.Lock()
	if o.active[sess.ID] == t {
		delete(o.active, sess.ID)
	}
	o.mu.Unlock()
	close(t.done)
}

func (o *Orchestrator) debugf(format string, args ...any) {
	if o.cfg.Debug {
		o.logger.Printf(format, args...)
	}
}

// shouldSpeakFiller skips filler randomly for variety and within the
// cooldown after the last one.
func (o *Orchestrator) shouldSpeakFiller(last time.Time) (bool, string) {
	if o.random() < o.cfg.FillerSkipProbability {
		return false, "variety"
	}
	if !last.IsZero() && o.now().Sub(last) < o.cfg.FillerCooldown {
		return false, "cooldown"
	}
	return true, ""
}
