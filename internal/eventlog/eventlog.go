package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of call event
type EventType string

const (
	EventStreamOpened EventType = "stream_opened"
	EventStreamClosed EventType = "stream_closed"
	EventSTTResult    EventType = "stt_result"

	EventTurnStarted      EventType = "turn_started"
	EventTurnCompleted    EventType = "turn_completed"
	EventTurnInterrupted  EventType = "turn_interrupted"
	EventTurnError        EventType = "turn_error"
	EventProviderFallback EventType = "provider_fallback"
	EventSynthFallback    EventType = "synthesis_fallback"

	// Latency debugging
	EventLLMFirstToken     EventType = "llm_first_token"
	EventSentenceExtracted EventType = "sentence_extracted"
	EventTTSFirstChunk     EventType = "tts_first_chunk"
	EventFillerDecision    EventType = "filler_decision"

	EventBreakerStateChange EventType = "breaker_state_change"
)

// Event is one stored call event.
type Event struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Logger provides async event logging to the database
type Logger struct {
	db      *pgxpool.Pool
	pending sync.WaitGroup
}

// New creates a new event logger. A nil pool disables logging.
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, callID string, eventType EventType, data map[string]any) error {
	if l.db == nil || callID == "" {
		return nil // Silently skip if no DB or call ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO call_events (call_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, callID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(callID string, eventType EventType, data map[string]any) {
	if l.db == nil || callID == "" {
		return
	}

	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, callID, eventType, data)
	}()
}

// List returns up to limit events for a call, oldest first.
func (l *Logger) List(ctx context.Context, callID string, limit int) ([]Event, error) {
	if l.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := l.db.Query(ctx, `
		SELECT id::text, call_id, event_type, event_data, created_at
		FROM call_events
		WHERE call_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, callID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var data []byte
		if err := rows.Scan(&e.ID, &e.CallID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventData = json.RawMessage(data)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Wait blocks until async writes finish.
func (l *Logger) Wait() {
	l.pending.Wait()
}
