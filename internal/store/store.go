package store

import (
	"context"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/callcore/internal/conversation"
	"github.com/lukasbauer/callcore/internal/llm"
	"github.com/lukasbauer/callcore/internal/tts"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// ============================================================================
// Conversation history
// ============================================================================

// LoadTurns returns the last limit turns of a conversation, oldest first.
// Turns with equal timestamps keep their insertion order.
func (s *Store) LoadTurns(ctx context.Context, conversationID string, limit int) ([]conversation.Turn, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, speaker, text, interrupted, created_at
		FROM conversation_turns
		WHERE conversation_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var t conversation.Turn
		var speaker string
		if err := rows.Scan(&t.ID, &speaker, &t.Text, &t.Interrupted, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Speaker = conversation.Speaker(speaker)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(turns)
	return turns, nil
}

// AppendTurn stores a turn. Re-inserting the same turn id is a no-op.
func (s *Store) AppendTurn(ctx context.Context, conversationID, callID string, t conversation.Turn) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation_turns (id, conversation_id, call_id, speaker, text, interrupted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, conversationID, callID, string(t.Speaker), t.Text, t.Interrupted, t.CreatedAt)
	return err
}

var _ conversation.HistoryStore = (*Store)(nil)

// ============================================================================
// Configuration
// ============================================================================

// ListProviderConfigs returns every stored provider row. The enabled flag is
// returned as stored.
func (s *Store) ListProviderConfigs(ctx context.Context) ([]llm.ProviderConfig, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, api_key, default_model, base_url, organization, enabled
		FROM provider_configs
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []llm.ProviderConfig
	for rows.Next() {
		var c llm.ProviderConfig
		if err := rows.Scan(&c.Name, &c.APIKey, &c.DefaultModel, &c.BaseURL, &c.Organization, &c.Enabled); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListVoices returns the enabled voices.
func (s *Store) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, provider_voice_id, language, persona, model_id,
		       stability, similarity, style, speed
		FROM voices
		WHERE enabled
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tts.Voice
	for rows.Next() {
		var v tts.Voice
		if err := rows.Scan(&v.ID, &v.Name, &v.ProviderVoiceID, &v.Language, &v.Persona, &v.ModelID,
			&v.Stability, &v.Similarity, &v.Style, &v.Speed); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
