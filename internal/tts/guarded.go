package tts

import (
	"context"

	"github.com/lukasbauer/callcore/internal/breaker"
)

// Guarded routes every call of a Synthesizer through the breaker group.
type Guarded struct {
	next     Synthesizer
	breakers *breaker.Group
	key      string
}

// NewGuarded wraps next. Keys are "tts:<name>:synthesize" and
// "tts:<name>:stream".
func NewGuarded(name string, next Synthesizer, breakers *breaker.Group) *Guarded {
	return &Guarded{next: next, breakers: breakers, key: "tts:" + name}
}

func (g *Guarded) Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error) {
	return breaker.Do(ctx, g.breakers, g.key+":synthesize", func(ctx context.Context) ([]byte, error) {
		return g.next.Synthesize(ctx, text, voice)
	})
}

// SynthesizeStream guards establishment only; the stream itself runs on the
// caller's context.
func (g *Guarded) SynthesizeStream(ctx context.Context, text string, voice Voice) (<-chan Chunk, error) {
	var out <-chan Chunk
	err := g.breakers.Execute(ctx, g.key+":stream", func(actx context.Context) error {
		sctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(actx, cancel)
		ch, err := g.next.SynthesizeStream(sctx, text, voice)
		if !stop() {
			cancel()
			if err == nil {
				err = actx.Err()
			}
			return err
		}
		if err != nil {
			cancel()
			return err
		}
		out = relay(sctx, ch, cancel)
		return nil
	})
	return out, err
}

func relay(ctx context.Context, in <-chan Chunk, done context.CancelFunc) <-chan Chunk {
	out := make(chan Chunk, cap(in))
	go func() {
		defer close(out)
		defer done()
		for c := range in {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

var _ Synthesizer = (*Guarded)(nil)
