package tts

import "context"

// FrameBytes is the transport frame size: 80ms of μ-law audio at 8kHz.
const FrameBytes = 640

// Voice is a configured synthesis identity bound to a session.
type Voice struct {
	ID              string   `json:"id"`
	Name            string   `json:"name,omitempty"`
	ProviderVoiceID string   `json:"provider_voice_id"`
	Language        string   `json:"language,omitempty"`
	Persona         string   `json:"persona,omitempty"` // system prompt for the reply
	ModelID         string   `json:"model_id,omitempty"`
	Stability       *float64 `json:"stability,omitempty"`
	Similarity      *float64 `json:"similarity,omitempty"`
	Style           *float64 `json:"style,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
}

// Chunk is one piece of streamed audio. The stream ends when the channel is
// closed; a non-nil Err on the last chunk means it ended early.
type Chunk struct {
	Audio []byte
	Err   error
}

// Synthesizer defines the interface for text-to-speech providers.
type Synthesizer interface {
	// Synthesize converts text to speech and returns the complete audio.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)

	// SynthesizeStream converts text to speech and streams audio chunks. The
	// returned error covers establishment only.
	SynthesizeStream(ctx context.Context, text string, voice Voice) (<-chan Chunk, error)
}

// Frames splits audio into transport frames of at most size bytes. The
// frames share audio's backing array.
func Frames(audio []byte, size int) [][]byte {
	if size <= 0 {
		size = FrameBytes
	}
	frames := make([][]byte, 0, (len(audio)+size-1)/size)
	for len(audio) > 0 {
		n := min(size, len(audio))
		frames = append(frames, audio[:n:n])
		audio = audio[n:]
	}
	return frames
}
