package eventlog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestEventTypeConstants(t *testing.T) {
	expectedEvents := map[EventType]string{
		EventStreamOpened:       "stream_opened",
		EventStreamClosed:       "stream_closed",
		EventSTTResult:          "stt_result",
		EventTurnStarted:        "turn_started",
		EventTurnCompleted:      "turn_completed",
		EventTurnInterrupted:    "turn_interrupted",
		EventTurnError:          "turn_error",
		EventProviderFallback:   "provider_fallback",
		EventSynthFallback:      "synthesis_fallback",
		EventLLMFirstToken:      "llm_first_token",
		EventSentenceExtracted:  "sentence_extracted",
		EventTTSFirstChunk:      "tts_first_chunk",
		EventFillerDecision:     "filler_decision",
		EventBreakerStateChange: "breaker_state_change",
	}

	for eventType, expectedValue := range expectedEvents {
		if string(eventType) != expectedValue {
			t.Errorf("EventType %q = %q, want %q", expectedValue, string(eventType), expectedValue)
		}
	}
}

func TestLoggerWithNilDB(t *testing.T) {
	logger := New(nil)

	// Should not panic
	logger.LogAsync("test-call-id", EventTurnStarted, map[string]any{"turn_id": "t1"})
	logger.LogAsync("", EventTurnStarted, nil)
	logger.Wait()

	if err := logger.Log(context.Background(), "test-call-id", EventTurnStarted, nil); err != nil {
		t.Errorf("Log with nil DB should return nil error, got %v", err)
	}
	events, err := logger.List(context.Background(), "test-call-id", 10)
	if err != nil || events != nil {
		t.Errorf("List with nil DB = %v, %v", events, err)
	}
}

func TestLoggerRoundTrip(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db.Close()

	logger := New(db)
	callID := "test-" + time.Now().Format("150405.000000")
	logger.LogAsync(callID, EventTurnStarted, map[string]any{"turn_id": "t1"})
	logger.Wait()
	if err := logger.Log(ctx, callID, EventTurnCompleted, map[string]any{"units": 2}); err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	events, err := logger.List(ctx, callID, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 2 || events[0].EventType != string(EventTurnStarted) {
		t.Errorf("List() = %+v", events)
	}
	_, _ = db.Exec(ctx, `DELETE FROM call_events WHERE call_id = $1`, callID)
}
