package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/callcore/internal/breaker"
	"github.com/lukasbauer/callcore/internal/cache"
	"github.com/lukasbauer/callcore/internal/conversation"
	"github.com/lukasbauer/callcore/internal/eventlog"
	"github.com/lukasbauer/callcore/internal/gateway"
	"github.com/lukasbauer/callcore/internal/httpapi"
	"github.com/lukasbauer/callcore/internal/llm"
	"github.com/lukasbauer/callcore/internal/notifications"
	"github.com/lukasbauer/callcore/internal/orchestrator"
	"github.com/lukasbauer/callcore/internal/store"
	"github.com/lukasbauer/callcore/internal/stt"
	"github.com/lukasbauer/callcore/internal/tts"
)

// ErrConfiguration marks a configuration the process cannot start with.
var ErrConfiguration = errors.New("configuration error")

// breakerCallID groups breaker transitions in the call event log.
const breakerCallID = "system"

// preloadTimeout bounds the phrase preload of voices added by a refresh.
const preloadTimeout = 2 * time.Minute

// configSource lists stored providers and voices. *store.Store satisfies it.
type configSource interface {
	ListProviderConfigs(ctx context.Context) ([]llm.ProviderConfig, error)
	ListVoices(ctx context.Context) ([]tts.Voice, error)
}

type App struct {
	cfg    Config
	logger *log.Logger

	db       *pgxpool.Pool // nil without DATABASE_URL
	store    *store.Store
	configs  configSource // nil without a store
	eventLog *eventlog.Logger
	redis    *cache.RedisStore

	httpClient *http.Client // Shared HTTP client with connection pooling for providers
	registry   *llm.Registry
	breakers   *breaker.Group
	gateway    *liveGateway
	voices     *tts.Catalog
	synth      tts.Synthesizer
	stt        stt.Transcriber
	cache      *cache.Cache
	sessions   *conversation.Manager
	orch       *orchestrator.Orchestrator
	discord    *notifications.Discord
	streams    *httpapi.StreamRegistry

	ready       atomic.Bool
	providerSig string

	bgCtx    context.Context // canceled on Shutdown
	bgCancel context.CancelFunc
	preloads sync.WaitGroup
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.ElevenLabsAPIKey == "" {
		return nil, fmt.Errorf("%w: ELEVENLABS_API_KEY is required", ErrConfiguration)
	}
	registry := llm.DefaultRegistry()
	for _, name := range append([]string{cfg.PrimaryProvider}, cfg.FallbackChain...) {
		if name != "" && !slices.Contains(registry.Names(), name) {
			return nil, fmt.Errorf("%w: unknown provider %q", ErrConfiguration, name)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		discord:  notifications.NewDiscord(cfg.DiscordWebhookURL, logger),
		streams:  httpapi.NewStreamRegistry(),
		gateway:  &liveGateway{},
		voices:   tts.NewCatalog(cfg.Voices),
	}

	if cfg.DatabaseURL != "" {
		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
		if err := store.Migrate(ctx, db, logger); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		a.store = store.New(db)
		a.configs = a.store
	} else {
		logger.Printf("app: DATABASE_URL not set, history and stored configuration disabled")
	}
	a.eventLog = eventlog.New(a.db)
	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())

	// Keeps TCP connections alive to reduce latency for repeated provider calls.
	a.httpClient = &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	a.breakers = breaker.NewGroup(cfg.Breaker, logger)
	a.breakers.OnStateChange(a.onBreakerChange)

	a.synth = tts.NewGuarded("elevenlabs", tts.NewElevenLabsClient(tts.ElevenLabsConfig{
		APIKey:     cfg.ElevenLabsAPIKey,
		ModelID:    cfg.ElevenLabsModelID,
		Stability:  -1,
		Similarity: -1,
		HTTPClient: a.httpClient,
	}), a.breakers)

	if cfg.DeepgramAPIKey != "" {
		a.stt = stt.NewGuarded("deepgram", stt.NewDeepgramClient(stt.DeepgramConfig{
			APIKey:     cfg.DeepgramAPIKey,
			Model:      cfg.DeepgramModel,
			Language:   cfg.DefaultLanguage,
			Encoding:   cfg.AudioEncoding,
			SampleRate: cfg.AudioSampleRate,
			Punctuate:  true,
			HTTPClient: a.httpClient,
		}), a.breakers)
	} else {
		logger.Printf("app: DEEPGRAM_API_KEY not set, inbound audio is ignored")
	}

	var remote cache.Remote
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStore(ctx, cfg.RedisURL, "callcore:tts:")
		if err != nil {
			logger.Printf("app: redis unavailable, using memory cache only: %v", err)
		} else {
			a.redis = rs
			remote = rs
		}
	}
	a.cache = cache.New(cache.Config{
		MaxEntries: cfg.CacheMaxEntries,
		TTL:        cfg.CacheTTL,
		RemoteTTL:  cfg.CacheRemoteTTL,
	}, remote, logger)

	var history conversation.HistoryStore
	if a.store != nil {
		history = a.store
	}
	a.sessions = conversation.NewManager(history, cfg.Orchestrator.HistoryLimit, logger)

	a.rebuildGateway(cfg.Providers)
	if a.configs != nil {
		if err := a.Refresh(ctx); err != nil {
			logger.Printf("app: initial configuration load failed: %v", err)
		}
	}

	a.orch = orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Generator:   a.gateway,
		Synthesizer: a.synth,
		Cache:       a.cache,
		Voices:      a.voices,
		Sessions:    a.sessions,
		Events:      a.eventLog,
		Logger:      logger,
	})

	if len(a.gateway.Providers()) == 0 {
		logger.Printf("app: no text provider configured, streams will be refused")
	}
	if a.voices.Len() == 0 {
		logger.Printf("app: no voice configured, streams will be refused")
	}
	return a, nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		AdminToken:        a.cfg.AdminToken,
		StreamTokenSecret: a.cfg.StreamTokenSecret,
		DefaultVoiceID:    a.cfg.DefaultVoiceID,
		DefaultLanguage:   a.cfg.DefaultLanguage,
		MinAudioBytes:     a.cfg.MinAudioBytes,
		AudioEncoding:     a.cfg.AudioEncoding,
		AudioSampleRate:   a.cfg.AudioSampleRate,
		Debug:             a.cfg.Orchestrator.Debug,
	}
	deps := httpapi.Deps{
		Orchestrator: a.orch,
		Sessions:     a.sessions,
		Voices:       a.voices,
		Gateway:      a.gateway,
		Breakers:     a.breakers,
		Transcriber:  a.stt,
		Events:       a.eventLog,
		Streams:      a.streams,
		Ready:        a.ready.Load,
	}
	return httpapi.NewRouter(routerCfg, deps, a.logger)
}

// Preload fills the response cache with the phrase catalog for every voice
// and then marks the app ready.
func (a *App) Preload(ctx context.Context) error {
	defer a.ready.Store(true)
	if !a.cfg.Preload {
		return nil
	}
	res, err := a.cache.Preload(ctx, a.voices.List(), a.synth, a.cfg.PreloadParallel)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		sentry.CaptureMessage(fmt.Sprintf("cache preload: %d of %d phrases failed", res.Failed, res.Phrases))
	}
	return nil
}

// Ready reports whether preload finished.
func (a *App) Ready() bool { return a.ready.Load() }

// Run refreshes stored configuration until ctx is done.
func (a *App) Run(ctx context.Context) {
	if a.configs == nil || a.cfg.ConfigRefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.ConfigRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := a.Refresh(rctx); err != nil {
				a.logger.Printf("app: configuration refresh failed: %v", err)
			}
			cancel()
		}
	}
}

// Refresh reloads providers and voices from the store. A changed provider
// set builds a new gateway; turns in flight keep the one they started with.
// Voices that are new or changed get the phrase catalog preloaded in the
// background once the initial preload is done.
func (a *App) Refresh(ctx context.Context) error {
	if a.configs == nil {
		return nil
	}
	configs, err := a.configs.ListProviderConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list provider configs: %w", err)
	}
	voices, err := a.configs.ListVoices(ctx)
	if err != nil {
		return fmt.Errorf("list voices: %w", err)
	}
	before := a.voices.List()
	a.voices.Replace(mergeVoices(a.cfg.Voices, voices))
	a.rebuildGateway(mergeProviders(a.cfg.Providers, configs))

	if added := changedVoices(before, a.voices.List()); len(added) > 0 && a.cfg.Preload && a.ready.Load() {
		a.preloadVoices(added)
	}
	return nil
}

func (a *App) preloadVoices(voices []tts.Voice) {
	ids := make([]string, len(voices))
	for i, v := range voices {
		ids[i] = v.ID
	}
	a.logger.Printf("app: preloading phrases for voices [%s]", strings.Join(ids, ", "))

	a.preloads.Add(1)
	go func() {
		defer a.preloads.Done()
		ctx, cancel := context.WithTimeout(a.bgCtx, preloadTimeout)
		defer cancel()
		if _, err := a.cache.Preload(ctx, voices, a.synth, a.cfg.PreloadParallel); err != nil {
			a.logger.Printf("app: voice preload: %v", err)
		}
	}()
}

func (a *App) rebuildGateway(configs []llm.ProviderConfig) {
	sig := providerSignature(configs)
	if sig == a.providerSig && a.gateway.load() != nil {
		return
	}
	first := a.gateway.load() == nil
	gw := gateway.Build(a.registry, configs, gateway.Config{
		Primary:       a.cfg.PrimaryProvider,
		FallbackChain: a.cfg.FallbackChain,
	}, a.breakers, a.httpClient, a.logger)
	a.gateway.store(gw)
	a.providerSig = sig

	names := gw.Providers()
	a.logger.Printf("app: gateway built with providers [%s], primary %q", strings.Join(names, ", "), gw.Primary())
	if !first {
		a.discord.NotifyProvidersChanged(names)
	}
}

func (a *App) onBreakerChange(key string, from, to breaker.State) {
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Category: "breaker",
		Message:  fmt.Sprintf("%s %s -> %s", key, from, to),
		Level:    sentry.LevelWarning,
	})
	a.eventLog.LogAsync(breakerCallID, eventlog.EventBreakerStateChange, map[string]any{
		"key":  key,
		"from": from.String(),
		"to":   to.String(),
	})
	switch {
	case to == breaker.StateOpen:
		st := a.breakers.Stats(key)
		a.discord.NotifyBreakerOpened(key, st.Failures+st.Timeouts, st.Failures+st.Timeouts+st.Successes)
	case to == breaker.StateClosed && from != breaker.StateClosed:
		a.discord.NotifyBreakerClosed(key)
	}
}

// Shutdown drains open streams and flushes pending writes.
func (a *App) Shutdown(ctx context.Context) error {
	a.bgCancel()
	a.preloads.Wait()
	a.streams.StartDraining()
	a.logger.Printf("app: draining %d open streams", a.streams.ActiveCount())

	done := make(chan struct{})
	go func() {
		a.streams.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("drain streams: %w", ctx.Err())
	}

	if ferr := a.cache.Flush(ctx); ferr != nil {
		a.logger.Printf("app: cache flush: %v", ferr)
	}
	a.sessions.Wait()
	a.eventLog.Wait()
	a.discord.Wait()
	return err
}

func (a *App) Close() error {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	return nil
}

// mergeProviders overlays stored configs on environment configs by name.
func mergeProviders(env, stored []llm.ProviderConfig) []llm.ProviderConfig {
	byName := make(map[string]llm.ProviderConfig, len(env)+len(stored))
	for _, c := range env {
		byName[c.Name] = c
	}
	for _, c := range stored {
		byName[c.Name] = c
	}
	out := make([]llm.ProviderConfig, 0, len(byName))
	for _, c := range byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// mergeVoices overlays stored voices on environment voices by id.
func mergeVoices(env, stored []tts.Voice) []tts.Voice {
	byID := make(map[string]tts.Voice, len(env)+len(stored))
	for _, v := range env {
		byID[v.ID] = v
	}
	for _, v := range stored {
		byID[v.ID] = v
	}
	out := make([]tts.Voice, 0, len(byID))
	for _, v := range byID {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// changedVoices returns the voices of after that are missing from before or
// synthesize differently.
func changedVoices(before, after []tts.Voice) []tts.Voice {
	old := make(map[string]tts.Voice, len(before))
	for _, v := range before {
		old[v.ID] = v
	}
	var out []tts.Voice
	for _, v := range after {
		o, ok := old[v.ID]
		if !ok || o.ProviderVoiceID != v.ProviderVoiceID || o.Language != v.Language || o.ModelID != v.ModelID {
			out = append(out, v)
		}
	}
	return out
}

func providerSignature(configs []llm.ProviderConfig) string {
	parts := make([]string, 0, len(configs))
	for _, c := range configs {
		parts = append(parts, fmt.Sprintf("%s|%s|%s|%s|%s|%t", c.Name, c.APIKey, c.DefaultModel, c.BaseURL, c.Organization, c.Enabled))
	}
	sort.Strings(parts)
	return strings.Join(parts, "\n")
}
