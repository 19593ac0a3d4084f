package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/callcore/internal/conversation"
	"github.com/lukasbauer/callcore/internal/eventlog"
	"github.com/lukasbauer/callcore/internal/orchestrator"
	"github.com/lukasbauer/callcore/internal/stt"
	"github.com/lukasbauer/callcore/internal/tts"
)

// ErrNotOpen is returned by sends attempted outside the OPEN state. It never
// leaves the transport.
var ErrNotOpen = errors.New("stream not open")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Close codes for rejected streams.
const (
	CloseMissingSessionIDs = 4400
	CloseConfiguration     = 4500
)

// Error codes carried by error frames, beside the orchestrator's.
const (
	CodeMissingSessionIDs = "missing_session_ids"
	CodeConfiguration     = "configuration_error"
	CodeInvalidMessage    = "invalid_message"
	CodeTranscription     = "transcription_failed"
)

const writeTimeout = 5 * time.Second

type streamState int32

const (
	stateConnecting streamState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s streamState) String() string {
	switch s {
	case stateConnecting:
		return "CONNECTING"
	case stateOpen:
		return "OPEN"
	case stateClosing:
		return "CLOSING"
	case stateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("streamState(%d)", int32(s))
}

// controlFrame is an outbound JSON frame.
type controlFrame struct {
	Type           string               `json:"type"`
	SessionID      string               `json:"session_id,omitempty"`
	CallID         string               `json:"call_id,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
	TurnID         string               `json:"turn_id,omitempty"`
	Text           string               `json:"text,omitempty"`
	Code           string               `json:"code,omitempty"`
	Message        string               `json:"message,omitempty"`
	Result         *orchestrator.Result `json:"result,omitempty"`
}

// inboundFrame is an inbound JSON frame: "text" or "interrupt".
type inboundFrame struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
	Profile  string `json:"profile,omitempty"`
	Filler   *bool  `json:"filler,omitempty"`
	Priority bool   `json:"priority,omitempty"`
}

// streamSession is one persistent connection of a call.
type streamSession struct {
	id     string // registry id
	r      *Router
	logger *log.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	state  atomic.Int32

	callID         string
	conversationID string
	voiceID        string
	language       string
	sess           *conversation.Session

	audio []byte // owned by the read loop

	ctx    context.Context
	cancel context.CancelFunc
	work   sync.WaitGroup
}

func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	streamID, ok := r.deps.Streams.Open()
	if !ok {
		r.logger.Printf("stream: rejecting stream while draining")
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	defer r.deps.Streams.Close(streamID)

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("stream: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))
	s := &streamSession{
		id:     streamID,
		r:      r,
		logger: r.logger,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
	s.setState(stateOpen)
	s.sendControl(controlFrame{Type: "ready"})

	if !s.setup(req) {
		return
	}
	s.run()
}

// setup resolves the session ids and configuration. On failure the stream
// is closed with an error frame and setup reports false.
func (s *streamSession) setup(req *http.Request) bool {
	q := req.URL.Query()
	s.callID = firstNonEmpty(req.PathValue("callId"), q.Get("callId"))
	s.conversationID = firstNonEmpty(req.PathValue("conversationId"), q.Get("conversationId"))
	s.voiceID = q.Get("voiceId")
	s.language = q.Get("language")

	if token := q.Get("token"); token != "" {
		claims, err := ParseStreamToken(s.r.cfg.StreamTokenSecret, token)
		if err != nil {
			s.logger.Printf("stream: %v", err)
		} else {
			s.callID = firstNonEmpty(s.callID, claims.CallID)
			s.conversationID = firstNonEmpty(s.conversationID, claims.ConversationID)
			s.voiceID = firstNonEmpty(s.voiceID, claims.VoiceID)
			s.language = firstNonEmpty(s.language, claims.Language)
		}
	}

	if s.callID == "" || s.conversationID == "" {
		s.reject(CloseMissingSessionIDs, CodeMissingSessionIDs, "callId and conversationId are required")
		return false
	}

	s.voiceID = firstNonEmpty(s.voiceID, s.r.cfg.DefaultVoiceID)
	voice, ok := s.r.deps.Voices.Voice(s.voiceID)
	if !ok {
		s.logger.Printf("stream: voice %q not configured for call %s", s.voiceID, s.callID)
		captureError(req, fmt.Errorf("%w: %q", tts.ErrVoiceNotConfigured, s.voiceID), "stream: configuration error")
		s.reject(CloseConfiguration, CodeConfiguration, "voice not configured")
		return false
	}
	if len(s.r.deps.Gateway.Providers()) == 0 {
		s.logger.Printf("stream: no text provider configured for call %s", s.callID)
		captureError(req, errors.New("no text provider configured"), "stream: configuration error")
		s.reject(CloseConfiguration, CodeConfiguration, "no text provider configured")
		return false
	}
	s.language = firstNonEmpty(s.language, voice.Language, s.r.cfg.DefaultLanguage)

	s.sess = s.r.deps.Sessions.Open(s.ctx, s.callID, s.conversationID, s.voiceID, s.language)
	s.r.deps.Streams.Bind(s.id, s.callID, s.conversationID, s.sess.ID)
	if n := s.r.deps.Streams.CallStreams(s.callID); n > 1 {
		s.logger.Printf("stream: call %s has %d open streams", s.callID, n)
	}
	s.r.deps.Events.LogAsync(s.callID, eventlog.EventStreamOpened, map[string]any{
		"session_id":      s.sess.ID,
		"conversation_id": s.conversationID,
		"voice_id":        s.voiceID,
		"language":        s.language,
	})
	s.logger.Printf("stream: session %s opened for call %s (voice %s, %s)", s.sess.ID, s.callID, s.voiceID, s.language)
	return true
}

func (s *streamSession) reject(closeCode int, code, message string) {
	s.sendControl(controlFrame{Type: "error", Code: code, Message: message})
	time.Sleep(s.r.cfg.CloseGrace)
	s.close(closeCode, code)
}

func (s *streamSession) run() {
	defer s.cleanup()

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("stream: connection closed for call %s", s.callID)
			} else if s.getState() == stateOpen {
				s.logger.Printf("stream: read error for call %s: %v", s.callID, err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.handleAudio(msg)
		case websocket.TextMessage:
			s.handleControl(msg)
		}
	}
}

func (s *streamSession) handleAudio(chunk []byte) {
	if s.r.deps.Transcriber == nil {
		return
	}
	s.audio = append(s.audio, chunk...)
	if len(s.audio) < s.r.cfg.MinAudioBytes {
		return
	}
	audio := s.audio
	s.audio = nil

	s.work.Add(1)
	go func() {
		defer s.work.Done()
		s.transcribe(audio)
	}()
}

func (s *streamSession) transcribe(audio []byte) {
	start := time.Now()
	tr, err := s.r.deps.Transcriber.Transcribe(s.ctx, audio, stt.Options{
		Language:   s.language,
		Encoding:   s.r.cfg.AudioEncoding,
		SampleRate: s.r.cfg.AudioSampleRate,
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Printf("stream: transcription failed for call %s: %v", s.callID, err)
		s.sendControl(controlFrame{Type: "error", Code: CodeTranscription, Message: "transcription failed"})
		return
	}
	text := strings.TrimSpace(tr.Text)
	s.r.deps.Events.LogAsync(s.callID, eventlog.EventSTTResult, map[string]any{
		"text":       text,
		"confidence": tr.Confidence,
		"bytes":      len(audio),
		"latency_ms": time.Since(start).Milliseconds(),
	})
	if text == "" {
		return
	}
	s.logger.Printf("stream: caller said: %s", text)
	s.startTurn(orchestrator.TurnRequest{Text: text, Language: tr.Language})
}

func (s *streamSession) handleControl(msg []byte) {
	var in inboundFrame
	if err := json.Unmarshal(msg, &in); err != nil {
		s.logger.Printf("stream: failed to parse message: %v", err)
		s.sendControl(controlFrame{Type: "error", Code: CodeInvalidMessage, Message: "invalid JSON"})
		return
	}

	switch in.Type {
	case "text":
		req := orchestrator.TurnRequest{
			Text:     in.Text,
			Language: in.Language,
			Filler:   in.Filler,
			Priority: in.Priority,
		}
		if in.Profile != "" {
			p, ok := orchestrator.ParseProfile(in.Profile)
			if !ok {
				s.sendControl(controlFrame{Type: "error", Code: CodeInvalidMessage, Message: "unknown profile " + in.Profile})
				return
			}
			req.Profile = p
		}
		s.startTurn(req)

	case "interrupt":
		if !s.r.deps.Orchestrator.Interrupt(s.sess.ID) {
			s.r.debugf("stream: interrupt with no turn in flight for call %s", s.callID)
		}

	default:
		s.sendControl(controlFrame{Type: "error", Code: CodeInvalidMessage, Message: "unknown message type " + in.Type})
	}
}

func (s *streamSession) startTurn(req orchestrator.TurnRequest) {
	req.SessionID = s.sess.ID
	events, err := s.r.deps.Orchestrator.ProcessTurn(s.ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrBusy):
		s.logger.Printf("stream: call %s busy, ignoring utterance", s.callID)
		return
	case errors.Is(err, orchestrator.ErrEmptyInput):
		return
	case errors.Is(err, tts.ErrVoiceNotConfigured):
		s.sendControl(controlFrame{Type: "error", Code: CodeConfiguration, Message: err.Error()})
		return
	default:
		s.logger.Printf("stream: failed to start turn for call %s: %v", s.callID, err)
		s.sendControl(controlFrame{Type: "error", Code: orchestrator.CodeInternal, Message: "failed to start turn"})
		return
	}

	s.work.Add(1)
	go func() {
		defer s.work.Done()
		s.pump(events, req.Text)
	}()
}

// pump forwards one turn's events to the connection. It drains events until
// the orchestrator closes the channel even when sends are dropped.
func (s *streamSession) pump(events <-chan orchestrator.Event, input string) {
	for ev := range events {
		switch ev.Kind {
		case orchestrator.EventAudio:
			if err := s.send(websocket.BinaryMessage, ev.Audio); err != nil {
				s.r.debugf("stream: dropped audio frame for call %s: %v", s.callID, err)
			}
		case orchestrator.EventProcessing:
			s.sendControl(controlFrame{
				Type:           "processing",
				SessionID:      s.sess.ID,
				CallID:         s.callID,
				ConversationID: s.conversationID,
				TurnID:         ev.TurnID,
				Text:           input,
			})
		case orchestrator.EventInterrupted:
			s.sendControl(controlFrame{Type: "interrupted", TurnID: ev.TurnID, Result: ev.Result})
		case orchestrator.EventCompleted:
			s.sendControl(controlFrame{Type: "completed", TurnID: ev.TurnID, Result: ev.Result})
		case orchestrator.EventError:
			s.sendControl(controlFrame{Type: "error", TurnID: ev.TurnID, Code: ev.Code, Message: ev.Message, Result: ev.Result})
		}
	}
}

func (s *streamSession) getState() streamState {
	return streamState(s.state.Load())
}

func (s *streamSession) setState(st streamState) {
	old := streamState(s.state.Swap(int32(st)))
	if old != st {
		s.r.debugf("stream: call %s %s -> %s", s.callID, old, st)
	}
}

// send writes one message. Writes are serialized and only attempted while
// OPEN.
func (s *streamSession) send(messageType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.getState() != stateOpen {
		return ErrNotOpen
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		s.setState(stateClosing)
		s.cancel()
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (s *streamSession) sendControl(f controlFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Printf("stream: failed to marshal %s frame: %v", f.Type, err)
		return
	}
	if err := s.send(websocket.TextMessage, data); err != nil {
		s.logger.Printf("stream: dropped %s frame for call %s: %v", f.Type, s.callID, err)
	}
}

// close sends a close frame with code and releases the connection.
func (s *streamSession) close(code int, reason string) {
	s.connMu.Lock()
	if s.getState() == stateOpen {
		s.setState(stateClosing)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	s.connMu.Unlock()

	s.cancel()
	s.work.Wait()

	s.connMu.Lock()
	s.setState(stateClosed)
	s.conn.Close()
	s.connMu.Unlock()
}

func (s *streamSession) cleanup() {
	s.close(websocket.CloseNormalClosure, "")

	s.r.deps.Sessions.Close(s.sess.ID)
	s.r.deps.Events.LogAsync(s.callID, eventlog.EventStreamClosed, map[string]any{
		"session_id": s.sess.ID,
		"turns":      len(s.sess.Turns()),
	})
	s.logger.Printf("stream: session cleaned up for call %s", s.callID)
}

func (r *Router) debugf(format string, args ...any) {
	if r.cfg.Debug {
		r.logger.Printf(format, args...)
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
