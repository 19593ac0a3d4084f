package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/callcore/internal/cache"
	"github.com/lukasbauer/callcore/internal/conversation"
	"github.com/lukasbauer/callcore/internal/eventlog"
	"github.com/lukasbauer/callcore/internal/llm"
	"github.com/lukasbauer/callcore/internal/tts"
)

// unitFrameBuffer bounds how far a synthesis unit may run ahead of the
// emitter, in frames.
const unitFrameBuffer = 256

// unit is one piece of speech. Its worker sends frames and closes frames
// when done; err and cached are valid after that.
type unit struct {
	index  int
	text   string
	filler bool
	frames chan []byte
	err    error
	cached bool
}

// pipeline is the shared state of one running turn.
type pipeline struct {
	o     *Orchestrator
	t     *turn
	sess  *conversation.Session
	voice tts.Voice
	req   TurnRequest
	prof  profile
	lang  string

	queue chan *unit
	sem   chan struct{}

	// written by the producer, read by the emitter after queue is closed
	genErr   error
	provider string
	model    string

	panicOnce sync.Once
	panicked  atomic.Bool
	cancel    context.CancelFunc
}

func (o *Orchestrator) run(ctx context.Context, t *turn, sess *conversation.Session, voice tts.Voice, req TurnRequest, text string) {
	res := &Result{TurnID: t.id}
	var code, msg string

	p := &pipeline{o: o, t: t, sess: sess, voice: voice, req: req}
	defer func() {
		if r := recover(); r != nil {
			p.reportPanic(r)
		}
		if p.panicked.Load() {
			code, msg = CodeInternal, "internal error"
		}
		o.finish(t, sess, res, code, msg)
	}()

	p.prof = o.profileFor(req.Profile)
	p.lang = firstNonEmpty(req.Language, sess.Language, voice.Language, "en")

	o.sessions.Record(sess, conversation.SpeakerCustomer, text, false)
	o.events.LogAsync(sess.CallID, eventlog.EventTurnStarted, map[string]any{
		"turn_id": t.id, "session_id": sess.ID, "text_length": len(text), "profile": string(req.Profile),
	})
	if !t.emit(ctx, Event{Kind: EventProcessing}) {
		return
	}

	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()
	p.cancel = wcancel
	p.queue = make(chan *unit, 64)
	p.sem = make(chan struct{}, o.cfg.MaxParallelSynthesis)

	go p.produce(wctx, o.buildRequest(sess, voice, req, p.lang))

	var spoken []string
	var failed error
	for u := range p.queue {
		started, err := p.drain(wctx, u, res)
		if started && !u.filler {
			spoken = append(spoken, u.text)
		}
		if err != nil {
			failed = err
			break
		}
	}
	wcancel()
	// Drain the queue so the producer can exit.
	for range p.queue {
	}

	res.Provider, res.Model = p.provider, p.model
	res.Text = strings.Join(spoken, " ")

	switch {
	case ctx.Err() != nil || p.panicked.Load():
	case failed != nil:
		o.logger.Printf("orchestrator: turn %s synthesis failed: %v", t.id, failed)
		code, msg = p.fallback(ctx, res, synthesisCode(failed), failed)
	case p.genErr != nil:
		o.logger.Printf("orchestrator: turn %s generation failed: %v", t.id, p.genErr)
		code, msg = p.fallback(ctx, res, CodeGenerationFailed, p.genErr)
	case res.Units == 0:
		o.logger.Printf("orchestrator: turn %s produced no reply", t.id)
		code, msg = p.fallback(ctx, res, CodeGenerationFailed, errors.New("empty reply"))
	}
}

func synthesisCode(err error) string {
	if errors.Is(err, tts.ErrVoiceNotConfigured) {
		return CodeVoiceNotConfigured
	}
	return CodeSynthesisFailed
}

// fallback plays a cached apology. It returns an error code only when no
// fallback phrase is cached for the voice.
func (p *pipeline) fallback(ctx context.Context, res *Result, code string, cause error) (string, string) {
	o := p.o
	for _, phrase := range cache.Phrases(cache.KindFallback, p.lang) {
		audio, ok := o.cache.Get(ctx, cache.Key(p.voice.ID, phrase))
		if !ok {
			continue
		}
		o.events.LogAsync(p.sess.CallID, eventlog.EventSynthFallback, map[string]any{
			"turn_id": p.t.id, "reason": code, "phrase": phrase,
		})
		res.FallbackUsed = true
		for _, f := range tts.Frames(audio, o.cfg.FrameBytes) {
			if !p.t.emit(ctx, Event{Kind: EventAudio, Audio: f, Unit: -1}) {
				break
			}
			p.markFirstAudio(res)
		}
		return "", ""
	}
	return code, cause.Error()
}

func (p *pipeline) markFirstAudio(res *Result) {
	if res.FirstAudioMs != 0 {
		return
	}
	res.FirstAudioMs = max(p.o.now().Sub(p.t.started).Milliseconds(), 1)
	p.o.events.LogAsync(p.sess.CallID, eventlog.EventTTSFirstChunk, map[string]any{
		"turn_id": p.t.id, "latency_ms": res.FirstAudioMs,
	})
}

// drain emits the frames of u in order. started reports whether any frame
// was delivered.
func (p *pipeline) drain(ctx context.Context, u *unit, res *Result) (started bool, err error) {
	if !u.filler {
		res.Units++
	}
	for f := range u.frames {
		if !p.t.emit(ctx, Event{Kind: EventAudio, Audio: f, Unit: u.index, Filler: u.filler}) {
			return started, nil
		}
		if u.filler {
			res.Filler = true
		}
		started = true
		p.markFirstAudio(res)
	}
	if u.cached && !u.filler {
		res.CacheHits++
	}
	if u.err != nil && ctx.Err() == nil {
		if u.filler {
			p.o.logger.Printf("orchestrator: turn %s filler failed: %v", p.t.id, u.err)
			return started, nil
		}
		return started, u.err
	}
	return started, nil
}

// produce runs generation and starts a unit per extracted piece of text.
// It closes the queue when done.
func (p *pipeline) produce(ctx context.Context, req llm.Request) {
	o := p.o
	defer close(p.queue)
	defer p.recover()

	index := 0
	if p.startFiller(ctx, index) {
		index++
	}

	genStart := o.now()
	stream, err := o.gen.StreamChat(ctx, req)
	if err != nil {
		p.genErr = err
		return
	}
	p.provider, p.model = stream.Provider, stream.Model
	requested := firstNonEmpty(req.Provider, o.gen.Primary())
	if stream.Provider != requested {
		o.events.LogAsync(p.sess.CallID, eventlog.EventProviderFallback, map[string]any{
			"turn_id": p.t.id, "requested": requested, "served": stream.Provider,
		})
	}

	split := newSplitter(p.prof)
	first := true
	replies := 0
	lastUnit := o.now()
	start := func(text string) bool {
		now := o.now()
		o.events.LogAsync(p.sess.CallID, eventlog.EventSentenceExtracted, map[string]any{
			"turn_id": p.t.id, "sentence_num": index, "text_length": len(text),
			"buffer_wait_ms": now.Sub(lastUnit).Milliseconds(),
		})
		lastUnit = now
		o.debugf("orchestrator: turn %s unit %d: %s", p.t.id, index, text)
		ok := p.startUnit(ctx, &unit{index: index, text: text}, p.prof.streamFirst && replies == 0)
		index++
		replies++
		return ok
	}

	for {
		var chunk llm.StreamChunk
		var open bool
		select {
		case chunk, open = <-stream.Chunks:
		case <-ctx.Done():
			return
		}
		if !open {
			break
		}
		if chunk.Err != nil {
			p.genErr = chunk.Err
			break
		}
		if first && chunk.Content != "" {
			first = false
			o.events.LogAsync(p.sess.CallID, eventlog.EventLLMFirstToken, map[string]any{
				"turn_id": p.t.id, "latency_ms": o.now().Sub(genStart).Milliseconds(), "provider": stream.Provider,
			})
		}
		for _, text := range split.Push(chunk.Content) {
			if !start(text) {
				return
			}
		}
		if chunk.Done {
			break
		}
	}
	if rest := split.Flush(); rest != "" {
		start(rest)
	}
}

// startFiller queues filler audio when the profile and cooldown allow it.
func (p *pipeline) startFiller(ctx context.Context, index int) bool {
	o := p.o
	mode := p.prof.filler
	if p.req.Filler != nil {
		switch {
		case !*p.req.Filler:
			mode = fillerOff
		case mode == fillerOff:
			mode = fillerAny
		}
	}
	if mode == fillerOff {
		return false
	}

	decision := func(spoken bool, reason, phrase string) {
		d := "skipped"
		if spoken {
			d = "spoken"
		}
		o.events.LogAsync(p.sess.CallID, eventlog.EventFillerDecision, map[string]any{
			"turn_id": p.t.id, "decision": d, "reason": reason, "filler": phrase,
		})
	}

	if ok, reason := o.shouldSpeakFiller(p.sess.LastFiller()); !ok {
		o.debugf("orchestrator: skipping filler (%s)", reason)
		decision(false, reason, "")
		return false
	}
	phrase := cache.RandomPhrase(cache.KindFiller, p.lang)
	if phrase == "" {
		return false
	}
	u := &unit{index: index, text: phrase, filler: true}
	if mode == fillerCached {
		audio, ok := o.cache.Get(ctx, cache.Key(p.voice.ID, phrase))
		if !ok {
			decision(false, "not_cached", phrase)
			return false
		}
		u.cached = true
		u.frames = make(chan []byte, unitFrameBuffer)
		go func() {
			defer close(u.frames)
			u.err = p.push(ctx, u, audio)
		}()
		if !p.enqueue(ctx, u) {
			return false
		}
	} else if !p.startUnit(ctx, u, false) {
		return false
	}
	p.sess.MarkFiller(o.now())
	decision(true, "", phrase)
	return true
}

func (p *pipeline) enqueue(ctx context.Context, u *unit) bool {
	select {
	case p.queue <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

// startUnit waits for a synthesis slot, queues u and resolves it in the
// background.
func (p *pipeline) startUnit(ctx context.Context, u *unit, stream bool) bool {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	u.frames = make(chan []byte, unitFrameBuffer)
	if !p.enqueue(ctx, u) {
		<-p.sem
		close(u.frames)
		return false
	}
	go func() {
		defer func() { <-p.sem }()
		defer close(u.frames)
		defer p.recover()
		u.err = p.resolve(ctx, u, stream)
	}()
	return true
}

// resolve fills u from the cache or the synthesizer. Concurrent misses for
// the same key share one synthesis, which runs to completion even if this
// turn is aborted so the result still lands in the cache.
func (p *pipeline) resolve(ctx context.Context, u *unit, stream bool) error {
	o := p.o
	key := cache.Key(p.voice.ID, u.text)
	if audio, ok := o.cache.Get(ctx, key); ok {
		u.cached = true
		return p.push(ctx, u, audio)
	}
	if stream {
		return p.stream(ctx, u, key)
	}

	voice, text, priority := p.voice, u.text, p.req.Priority
	ch := o.flight.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SynthesisTimeout)
		defer cancel()
		audio, err := o.synth.Synthesize(sctx, text, voice)
		if err != nil {
			return nil, err
		}
		if err := o.cache.Set(sctx, key, audio, cache.SetOptions{Priority: priority}); err != nil {
			o.logger.Printf("orchestrator: cache write: %v", err)
		}
		return audio, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return r.Err
		}
		return p.push(ctx, u, r.Val.([]byte))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stream synthesizes u incrementally, emitting frames as they arrive, and
// caches the audio once complete.
func (p *pipeline) stream(ctx context.Context, u *unit, key string) error {
	o := p.o
	sctx, cancel := context.WithTimeout(ctx, o.cfg.SynthesisTimeout)
	defer cancel()
	chunks, err := o.synth.SynthesizeStream(sctx, u.text, p.voice)
	if err != nil {
		return err
	}
	var audio []byte
	for c := range chunks {
		if c.Err != nil {
			return c.Err
		}
		audio = append(audio, c.Audio...)
		if err := p.push(sctx, u, c.Audio); err != nil {
			return err
		}
	}
	if err := sctx.Err(); err != nil {
		return err
	}
	if len(audio) == 0 {
		return fmt.Errorf("synthesis returned no audio")
	}
	if err := o.cache.Set(context.WithoutCancel(ctx), key, audio, cache.SetOptions{Priority: p.req.Priority}); err != nil {
		o.logger.Printf("orchestrator: cache write: %v", err)
	}
	return nil
}

func (p *pipeline) push(ctx context.Context, u *unit, audio []byte) error {
	for _, f := range tts.Frames(audio, p.o.cfg.FrameBytes) {
		select {
		case u.frames <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// recover turns a panic in a pipeline goroutine into an internal error for
// the turn.
func (p *pipeline) recover() {
	if r := recover(); r != nil {
		p.reportPanic(r)
	}
}

func (p *pipeline) reportPanic(r any) {
	p.panicOnce.Do(func() {
		p.panicked.Store(true)
		p.o.logger.Printf("orchestrator: panic in turn %s: %v\n%s", p.t.id, r, debug.Stack())
		hub := sentry.CurrentHub().Clone()
		hub.Scope().SetTag("turn_id", p.t.id)
		hub.Scope().SetTag("session_id", p.sess.ID)
		hub.Recover(r)
		hub.Flush(2 * time.Second)
		if p.cancel != nil {
			p.cancel()
		}
	})
}

// finish sends the terminal event, records the spoken reply and releases
// the session.
func (o *Orchestrator) finish(t *turn, sess *conversation.Session, res *Result, code, msg string) {
	res.Interrupted = t.interrupted.Load() || t.parent.Err() != nil
	res.DurationMs = o.now().Sub(t.started).Milliseconds()

	kind := EventCompleted
	logType := eventlog.EventTurnCompleted
	switch {
	case res.Interrupted:
		kind, logType = EventInterrupted, eventlog.EventTurnInterrupted
	case code != "":
		kind, logType = EventError, eventlog.EventTurnError
	}

	if res.Text != "" {
		o.sessions.Record(sess, conversation.SpeakerSystem, res.Text, res.Interrupted)
	}
	o.events.LogAsync(sess.CallID, logType, map[string]any{
		"turn_id": t.id, "provider": res.Provider, "units": res.Units, "cache_hits": res.CacheHits,
		"first_audio_ms": res.FirstAudioMs, "duration_ms": res.DurationMs, "fallback": res.FallbackUsed, "code": code,
	})
	o.logger.Printf("orchestrator: turn %s %s provider=%s units=%d cache_hits=%d first_audio=%dms total=%dms",
		t.id, kind, res.Provider, res.Units, res.CacheHits, res.FirstAudioMs, res.DurationMs)

	t.mu.Lock()
	t.stopped = true
	t.seq++
	ev := Event{TurnID: t.id, Seq: t.seq, Kind: kind, Code: code, Message: msg, Result: res}
	t.mu.Unlock()

	select {
	case t.out <- ev:
	case <-t.parent.Done():
	}
	o.release(t, sess)
	t.cancel()
	close(t.out)
}

func (o *Orchestrator) profileFor(p Profile) profile {
	if prof, ok := profiles[p]; ok {
		return prof
	}
	return profiles[o.cfg.DefaultProfile]
}

func (o *Orchestrator) buildRequest(sess *conversation.Session, voice tts.Voice, req TurnRequest, lang string) llm.Request {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: llm.SystemPrompt(lang, voice.Persona)}}
	msgs = append(msgs, sess.Messages(o.cfg.HistoryLimit)...)
	return llm.Request{
		Provider: req.Provider,
		Model:    req.Model,
		Messages: msgs,
		Options:  llm.Options{Temperature: o.cfg.Temperature, MaxTokens: o.cfg.MaxTokens},
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
