package tts

import (
	"sort"
	"sync"
)

// Catalog is the set of configured voices. It is replaced wholesale when
// the configuration store changes.
type Catalog struct {
	mu     sync.RWMutex
	voices map[string]Voice
}

func NewCatalog(voices []Voice) *Catalog {
	c := &Catalog{}
	c.Replace(voices)
	return c
}

// Voice looks up a voice by id.
func (c *Catalog) Voice(id string) (Voice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.voices[id]
	return v, ok
}

// List returns all voices sorted by id.
func (c *Catalog) List() []Voice {
	c.mu.RLock()
	out := make([]Voice, 0, len(c.voices))
	for _, v := range c.voices {
		out = append(out, v)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replace swaps in a new voice set. Voices without an id or provider voice
// id are ignored.
func (c *Catalog) Replace(voices []Voice) {
	m := make(map[string]Voice, len(voices))
	for _, v := range voices {
		if v.ID == "" || v.ProviderVoiceID == "" {
			continue
		}
		m[v.ID] = v
	}
	c.mu.Lock()
	c.voices = m
	c.mu.Unlock()
}

// Len returns the number of voices.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.voices)
}
