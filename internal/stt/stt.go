package stt

import (
	"context"

	"github.com/lukasbauer/callcore/internal/breaker"
)

// Transcript represents a speech-to-text transcription result.
type Transcript struct {
	Text       string  // The transcribed text
	Confidence float64 // Confidence score (0-1)
	Language   string  // Detected language when the provider reports one
}

// Options describe the buffered audio.
type Options struct {
	Language   string // e.g., "cs" for Czech; empty keeps the client default
	Encoding   string // e.g., "mulaw"
	SampleRate int    // e.g., 8000
}

// Transcriber defines the interface for speech-to-text providers.
type Transcriber interface {
	// Transcribe converts a buffered audio segment to text.
	Transcribe(ctx context.Context, audio []byte, opts Options) (Transcript, error)
}

// Guarded routes every transcription through the breaker group under
// "stt:<name>:transcribe".
type Guarded struct {
	next     Transcriber
	breakers *breaker.Group
	key      string
}

// NewGuarded wraps next.
func NewGuarded(name string, next Transcriber, breakers *breaker.Group) *Guarded {
	return &Guarded{next: next, breakers: breakers, key: "stt:" + name + ":transcribe"}
}

func (g *Guarded) Transcribe(ctx context.Context, audio []byte, opts Options) (Transcript, error) {
	return breaker.Do(ctx, g.breakers, g.key, func(ctx context.Context) (Transcript, error) {
		return g.next.Transcribe(ctx, audio, opts)
	})
}
