package cache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lukasbauer/callcore/internal/tts"
)

// PreloadResult summarizes a preload run.
type PreloadResult struct {
	Voices   int           `json:"voices"`
	Phrases  int           `json:"phrases"`
	Loaded   int           `json:"loaded"`
	Skipped  int           `json:"skipped"` // already cached
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Preload synthesizes the phrase catalog for every voice in its language,
// with at most parallel syntheses in flight. Catalog entries are pinned. Individual failures are logged
// and counted; only ctx cancellation aborts the run.
func (c *Cache) Preload(ctx context.Context, voices []tts.Voice, synth tts.Synthesizer, parallel int) (PreloadResult, error) {
	start := time.Now()
	if parallel <= 0 {
		parallel = 4
	}

	var loaded, skipped, failed atomic.Int64
	res := PreloadResult{Voices: len(voices)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, v := range voices {
		for _, phrase := range AllPhrases(v.Language) {
			res.Phrases++
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				key := Key(v.ID, phrase)
				if audio, ok := c.Get(gctx, key); ok {
					c.insert(key, audio, SetOptions{Pinned: true})
					skipped.Add(1)
					return nil
				}
				audio, err := synth.Synthesize(gctx, phrase, v)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					failed.Add(1)
					c.logger.Printf("cache: preload %s %q: %v", v.ID, phrase, err)
					return nil
				}
				if err := c.Set(gctx, key, audio, SetOptions{Priority: true, Pinned: true}); err != nil {
					c.logger.Printf("cache: preload remote write %s %q: %v", v.ID, phrase, err)
				}
				loaded.Add(1)
				return nil
			})
		}
	}
	err := g.Wait()

	res.Loaded = int(loaded.Load())
	res.Skipped = int(skipped.Load())
	res.Failed = int(failed.Load())
	res.Duration = time.Since(start)
	c.logger.Printf("cache: preload voices=%d phrases=%d loaded=%d skipped=%d failed=%d in %s",
		res.Voices, res.Phrases, res.Loaded, res.Skipped, res.Failed, res.Duration.Round(time.Millisecond))
	return res, err
}
