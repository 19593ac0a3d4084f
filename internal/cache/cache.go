// Package cache maps (voice, normalized text) to synthesized audio. The
// in-memory tier is authoritative for the process; an optional remote tier
// (Redis) shares entries across instances and restarts.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
)

// Entry is one cached synthesis result. Entries are never mutated after
// insertion.
type Entry struct {
	Key       string
	Audio     []byte
	CreatedAt time.Time
	Priority  bool
	Pinned    bool // exempt from eviction and TTL
}

// SetOptions controls a write. Priority writes reach the remote tier before
// Set returns; other remote writes are best effort. Pinned entries stay in
// memory for the life of the process and do not count against MaxEntries.
type SetOptions struct {
	Priority bool
	Pinned   bool
}

// Remote is a shared backing tier.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, audio []byte, ttl time.Duration) error
}

// Config bounds the in-memory tier.
type Config struct {
	MaxEntries   int           // unpinned entries; 0 means unbounded
	TTL          time.Duration // 0 means no expiry
	RemoteTTL    time.Duration
	WriteTimeout time.Duration // bound for async remote writes
}

// Stats counts cache activity.
type Stats struct {
	Entries int   `json:"entries"`
	Pinned  int   `json:"pinned"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Evicted int64 `json:"evicted"`
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg    Config
	remote Remote
	logger *log.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // unpinned, insertion order, oldest first
	pinned  *list.List

	pending sync.WaitGroup
	hits    atomic.Int64
	misses  atomic.Int64
	evicted atomic.Int64

	now func() time.Time
}

// New creates a cache. remote may be nil.
func New(cfg Config, remote Remote, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Cache{
		cfg:     cfg,
		remote:  remote,
		logger:  logger,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		pinned:  list.New(),
		now:     time.Now,
	}
}

// Normalize canonicalizes text for keying: case-folded, whitespace
// collapsed. Punctuation is kept since it changes intonation.
func Normalize(text string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.TrimSpace(text) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Key returns the cache key for voiceID and text.
func Key(voiceID, text string) string {
	sum := sha256.Sum256([]byte(voiceID + "\x00" + Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Has reports whether key is in the in-memory tier.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lookupLocked(key)
	return ok
}

// Get returns the audio for key, consulting the remote tier on a memory
// miss and promoting what it finds. The returned slice must not be modified.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.lookupLocked(key)
	c.mu.Unlock()
	if ok {
		c.hits.Add(1)
		return e.Audio, true
	}

	if c.remote != nil {
		audio, found, err := c.remote.Get(ctx, key)
		if err != nil {
			c.logger.Printf("cache: remote get %s: %v", short(key), err)
		} else if found && len(audio) > 0 {
			c.hits.Add(1)
			c.insert(key, audio, SetOptions{})
			return audio, true
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Set stores a copy of audio under key. An existing live entry is kept
// as-is.
func (c *Cache) Set(ctx context.Context, key string, audio []byte, opts SetOptions) error {
	if len(audio) == 0 {
		return nil
	}
	stored := append([]byte(nil), audio...)
	if !c.insert(key, stored, opts) {
		return nil
	}
	if c.remote == nil {
		return nil
	}
	if opts.Priority {
		return c.remote.Set(ctx, key, stored, c.cfg.RemoteTTL)
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
		defer cancel()
		if err := c.remote.Set(wctx, key, stored, c.cfg.RemoteTTL); err != nil {
			c.logger.Printf("cache: remote set %s: %v", short(key), err)
		}
	}()
	return nil
}

// Size returns the number of in-memory entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries, pinned := len(c.entries), c.pinned.Len()
	c.mu.Unlock()
	return Stats{
		Entries: entries,
		Pinned:  pinned,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Evicted: c.evicted.Load(),
	}
}

// Flush waits for pending best-effort remote writes or ctx.
func (c *Cache) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// insert adds an entry unless a live one exists. A pinned write over a live
// unpinned entry pins it in place. It reports whether the entry was added.
func (c *Cache) insert(key string, audio []byte, opts SetOptions) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lookupLocked(key); ok {
		if opts.Pinned && !e.Pinned {
			c.removeLocked(c.entries[key])
			pinned := *e
			pinned.Pinned = true
			c.entries[key] = c.pinned.PushBack(&pinned)
		}
		return false
	}
	e := &Entry{Key: key, Audio: audio, CreatedAt: c.now(), Priority: opts.Priority, Pinned: opts.Pinned}
	if e.Pinned {
		c.entries[key] = c.pinned.PushBack(e)
		return true
	}
	c.entries[key] = c.order.PushBack(e)
	for c.cfg.MaxEntries > 0 && c.order.Len() > c.cfg.MaxEntries {
		c.removeLocked(c.order.Front())
		c.evicted.Add(1)
	}
	return true
}

func (c *Cache) lookupLocked(key string) (*Entry, bool) {
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*Entry)
	if !e.Pinned && c.cfg.TTL > 0 && c.now().Sub(e.CreatedAt) > c.cfg.TTL {
		c.removeLocked(el)
		return nil, false
	}
	return e, true
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*Entry)
	if e.Pinned {
		c.pinned.Remove(el)
	} else {
		c.order.Remove(el)
	}
	delete(c.entries, e.Key)
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
