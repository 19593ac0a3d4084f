// Package conversation holds per-call session state: the append-only turn
// history and the single-active-turn flag.
package conversation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbauer/callcore/internal/llm"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

type Speaker string

const (
	SpeakerCustomer Speaker = "customer"
	SpeakerSystem   Speaker = "system"
)

// Turn is one utterance. Turns are never modified once appended.
type Turn struct {
	ID          string    `json:"id"`
	Speaker     Speaker   `json:"speaker"`
	Text        string    `json:"text"`
	Interrupted bool      `json:"interrupted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is one live conversation bound to a call.
type Session struct {
	ID             string
	CallID         string
	ConversationID string
	VoiceID        string
	Language       string
	CreatedAt      time.Time

	mu         sync.Mutex
	turns      []Turn
	busy       bool
	lastFiller time.Time

	saveMu  sync.Mutex
	unsaved []Turn // queued for the history store, oldest first
	saving  bool
}

// NewSession creates a session with a fresh id.
func NewSession(callID, conversationID, voiceID, language string) *Session {
	return &Session{
		ID:             uuid.NewString(),
		CallID:         callID,
		ConversationID: conversationID,
		VoiceID:        voiceID,
		Language:       language,
		CreatedAt:      time.Now().UTC(),
	}
}

// Turns returns a copy of the history.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// Append adds a turn and returns it.
func (s *Session) Append(speaker Speaker, text string, interrupted bool) Turn {
	t := Turn{
		ID:          uuid.NewString(),
		Speaker:     speaker,
		Text:        text,
		Interrupted: interrupted,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
	return t
}

// TryBegin marks the session busy. It returns false if a turn is already in
// flight.
func (s *Session) TryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

// End clears the busy flag.
func (s *Session) End() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// LastFiller returns when filler audio was last played.
func (s *Session) LastFiller() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFiller
}

// MarkFiller records that filler audio was played at t.
func (s *Session) MarkFiller(t time.Time) {
	s.mu.Lock()
	s.lastFiller = t
	s.mu.Unlock()
}

// Messages converts the last limit turns to chat messages, oldest first.
// limit <= 0 returns all of them.
func (s *Session) Messages(limit int) []llm.Message {
	turns := s.Turns()
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Speaker == SpeakerSystem {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: t.Text})
	}
	return out
}

// HistoryStore persists turns across reconnects.
type HistoryStore interface {
	LoadTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	AppendTurn(ctx context.Context, conversationID, callID string, t Turn) error
}

// Manager owns live sessions.
type Manager struct {
	history      HistoryStore
	logger       *log.Logger
	historyLimit int

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  sync.WaitGroup
}

// NewManager creates a manager. history may be nil.
func NewManager(history HistoryStore, historyLimit int, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &Manager{
		history:      history,
		logger:       logger,
		historyLimit: historyLimit,
		sessions:     make(map[string]*Session),
	}
}

// Open starts a session, seeding it with stored turns of the same
// conversation when a history store is configured.
func (m *Manager) Open(ctx context.Context, callID, conversationID, voiceID, language string) *Session {
	s := NewSession(callID, conversationID, voiceID, language)
	if m.history != nil {
		turns, err := m.history.LoadTurns(ctx, conversationID, m.historyLimit)
		if err != nil {
			m.logger.Printf("conversation: load history for %s: %v", conversationID, err)
		}
		s.turns = turns
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close forgets a session.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Record appends a turn to s and persists it without blocking. Turns of one
// session reach the history store in the order they were recorded.
func (m *Manager) Record(s *Session, speaker Speaker, text string, interrupted bool) Turn {
	t := s.Append(speaker, text, interrupted)
	if m.history == nil || s.ConversationID == "" {
		return t
	}
	s.saveMu.Lock()
	s.unsaved = append(s.unsaved, t)
	if s.saving {
		s.saveMu.Unlock()
		return t
	}
	s.saving = true
	m.pending.Add(1)
	s.saveMu.Unlock()
	go m.save(s)
	return t
}

// save writes the session's queued turns one at a time until the queue is
// empty.
func (m *Manager) save(s *Session) {
	defer m.pending.Done()
	for {
		s.saveMu.Lock()
		if len(s.unsaved) == 0 {
			s.saving = false
			s.saveMu.Unlock()
			return
		}
		t := s.unsaved[0]
		s.unsaved = s.unsaved[1:]
		s.saveMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.history.AppendTurn(ctx, s.ConversationID, s.CallID, t); err != nil {
			m.logger.Printf("conversation: persist turn %s: %v", t.ID, err)
		}
		cancel()
	}
}

// Wait blocks until pending history writes finish.
func (m *Manager) Wait() {
	m.pending.Wait()
}
