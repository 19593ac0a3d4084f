package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lukasbauer/callcore/internal/tts"
)

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

type memRemote struct {
	mu    sync.Mutex
	data  map[string][]byte
	sets  int
	delay time.Duration
}

func newMemRemote() *memRemote { return &memRemote{data: make(map[string][]byte)} }

func (m *memRemote) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	return b, ok, nil
}

func (m *memRemote) Set(ctx context.Context, key string, audio []byte, _ time.Duration) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = audio
	m.sets++
	return nil
}

func (m *memRemote) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

func TestNormalizeAndKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello", "hello"},
		{"  Hello   there \n", "hello there"},
		{"Dobrý DEN.", "dobrý den."},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if Key("v1", "Hello  there") != Key("v1", "hello there") {
		t.Error("Key differs for texts that normalize equal")
	}
	if Key("v1", "hello") == Key("v2", "hello") {
		t.Error("Key ignores voice")
	}
	if Key("v1", "hello.") == Key("v1", "hello") {
		t.Error("Key ignores punctuation")
	}
}

func TestSetGet(t *testing.T) {
	c := New(Config{}, nil, discard())
	ctx := context.Background()
	key := Key("v1", "hello")

	if c.Has(key) {
		t.Fatal("Has() before Set = true")
	}
	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("Get() before Set found an entry")
	}

	audio := []byte{1, 2, 3}
	if err := c.Set(ctx, key, audio, SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	audio[0] = 9

	got, ok := c.Get(ctx, key)
	if !ok || got[0] != 1 {
		t.Fatalf("Get() = %v, %v; want stored copy", got, ok)
	}
	if !c.Has(key) {
		t.Error("Has() after Set = false")
	}

	// A second write for a live key keeps the original.
	_ = c.Set(ctx, key, []byte{7}, SetOptions{})
	if got, _ := c.Get(ctx, key); len(got) != 3 {
		t.Errorf("Get() after second Set = %v, want original", got)
	}

	st := c.Stats()
	if st.Entries != 1 || st.Hits != 2 || st.Misses != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestSetIgnoresEmptyAudio(t *testing.T) {
	c := New(Config{}, nil, discard())
	_ = c.Set(context.Background(), "k", nil, SetOptions{})
	if c.Size() != 0 {
		t.Errorf("Size() = %d, want 0", c.Size())
	}
}

func TestEvictsOldest(t *testing.T) {
	c := New(Config{MaxEntries: 2}, nil, discard())
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_ = c.Set(ctx, k, []byte(k), SetOptions{})
	}
	if c.Has("a") {
		t.Error("oldest entry survived eviction")
	}
	if !c.Has("b") || !c.Has("c") {
		t.Error("newer entries evicted")
	}
	if st := c.Stats(); st.Evicted != 1 || st.Entries != 2 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestTTLExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(Config{TTL: time.Minute}, nil, discard())
	c.now = func() time.Time { return now }

	_ = c.Set(context.Background(), "k", []byte{1}, SetOptions{})
	now = now.Add(30 * time.Second)
	if !c.Has("k") {
		t.Fatal("entry expired early")
	}
	now = now.Add(time.Minute)
	if c.Has("k") {
		t.Fatal("entry outlived TTL")
	}
	if c.Size() != 0 {
		t.Errorf("Size() = %d, want expired entry removed", c.Size())
	}
}

func TestRemoteTier(t *testing.T) {
	ctx := context.Background()

	t.Run("async write", func(t *testing.T) {
		r := newMemRemote()
		r.delay = 20 * time.Millisecond
		c := New(Config{}, r, discard())

		start := time.Now()
		_ = c.Set(ctx, "k", []byte{1}, SetOptions{})
		if time.Since(start) >= r.delay {
			t.Error("non-priority Set waited for the remote write")
		}
		if err := c.Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if r.count() != 1 {
			t.Errorf("remote sets = %d, want 1", r.count())
		}
	})

	t.Run("priority write is synchronous", func(t *testing.T) {
		r := newMemRemote()
		c := New(Config{}, r, discard())
		_ = c.Set(ctx, "k", []byte{1}, SetOptions{Priority: true})
		if r.count() != 1 {
			t.Errorf("remote sets = %d, want 1 before Set returns", r.count())
		}
	})

	t.Run("async write survives caller cancel", func(t *testing.T) {
		r := newMemRemote()
		r.delay = 10 * time.Millisecond
		c := New(Config{}, r, discard())
		cctx, cancel := context.WithCancel(ctx)
		_ = c.Set(cctx, "k", []byte{1}, SetOptions{})
		cancel()
		_ = c.Flush(ctx)
		if r.count() != 1 {
			t.Errorf("remote sets = %d, want write to complete", r.count())
		}
	})

	t.Run("promotes remote hit", func(t *testing.T) {
		r := newMemRemote()
		r.data["k"] = []byte{4, 5}
		c := New(Config{}, r, discard())
		got, ok := c.Get(ctx, "k")
		if !ok || len(got) != 2 {
			t.Fatalf("Get() = %v, %v", got, ok)
		}
		if !c.Has("k") {
			t.Error("remote hit not promoted to memory")
		}
	})
}

func TestCatalog(t *testing.T) {
	if got := BaseLanguage("cs-CZ"); got != "cs" {
		t.Errorf("BaseLanguage(cs-CZ) = %q", got)
	}
	if got := BaseLanguage("de"); got != "en" {
		t.Errorf("BaseLanguage(de) = %q, want en", got)
	}
	for _, lang := range []string{"en", "cs"} {
		for _, kind := range []PhraseKind{KindGreeting, KindAcknowledgment, KindFiller, KindFallback} {
			if len(Phrases(kind, lang)) == 0 {
				t.Errorf("no %s phrases for %s", kind, lang)
			}
		}
	}
	p := RandomPhrase(KindFiller, "cs")
	found := false
	for _, f := range Phrases(KindFiller, "cs") {
		found = found || f == p
	}
	if !found {
		t.Errorf("RandomPhrase() = %q, not in catalog", p)
	}
}

type fakeSynth struct {
	calls atomic.Int32
	fail  string
}

func (f *fakeSynth) Synthesize(_ context.Context, text string, _ tts.Voice) ([]byte, error) {
	f.calls.Add(1)
	if text == f.fail {
		return nil, errors.New("boom")
	}
	return []byte(text), nil
}

func (f *fakeSynth) SynthesizeStream(ctx context.Context, text string, v tts.Voice) (<-chan tts.Chunk, error) {
	return nil, errors.New("not used")
}

func TestPreload(t *testing.T) {
	ctx := context.Background()
	voices := []tts.Voice{{ID: "en1", Language: "en"}, {ID: "cs1", Language: "cs"}}
	want := len(AllPhrases("en")) + len(AllPhrases("cs"))

	r := newMemRemote()
	c := New(Config{}, r, discard())
	s := &fakeSynth{fail: Phrases(KindFallback, "en")[0]}

	res, err := c.Preload(ctx, voices, s, 3)
	if err != nil {
		t.Fatalf("Preload() error = %v", err)
	}
	if res.Phrases != want || res.Loaded != want-1 || res.Failed != 1 {
		t.Errorf("Preload() = %+v, want %d phrases with one failure", res, want)
	}
	if !c.Has(Key("cs1", Phrases(KindGreeting, "cs")[0])) {
		t.Error("czech greeting not cached for czech voice")
	}
	if r.count() != want-1 {
		t.Errorf("remote sets = %d, want priority writes for every loaded phrase", r.count())
	}

	// A second run only retries what failed.
	s.calls.Store(0)
	res, _ = c.Preload(ctx, voices, s, 3)
	if res.Skipped != want-1 || s.calls.Load() != 1 {
		t.Errorf("second Preload() = %+v after %d syntheses", res, s.calls.Load())
	}
}

func TestPreloadedPhrasesArePinned(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c := New(Config{MaxEntries: 50, TTL: 24 * time.Hour}, nil, discard())
	c.now = func() time.Time { return now }
	voice := tts.Voice{ID: "en1", Language: "en"}
	apology := Key("en1", Phrases(KindFallback, "en")[0])

	if _, err := c.Preload(ctx, []tts.Voice{voice}, &fakeSynth{}, 2); err != nil {
		t.Fatalf("Preload() error = %v", err)
	}
	for i := range 50 {
		_ = c.Set(ctx, fmt.Sprintf("live-%d", i), []byte{1}, SetOptions{})
	}
	if !c.Has(apology) {
		t.Fatal("apology evicted by live traffic")
	}
	if st := c.Stats(); st.Pinned != len(AllPhrases("en")) || st.Evicted != 0 {
		t.Errorf("Stats() = %+v", st)
	}

	_ = c.Set(ctx, "live-extra", []byte{1}, SetOptions{})
	if c.Has("live-0") {
		t.Error("oldest live entry survived eviction")
	}

	now = now.Add(25 * time.Hour)
	if !c.Has(apology) {
		t.Error("apology expired with the memory TTL")
	}
	if c.Has("live-extra") {
		t.Error("live entry outlived TTL")
	}
}

func TestPreloadPinsExistingEntry(t *testing.T) {
	ctx := context.Background()
	c := New(Config{MaxEntries: 1}, nil, discard())
	voice := tts.Voice{ID: "en1", Language: "en"}
	greeting := Key("en1", Phrases(KindGreeting, "en")[0])
	_ = c.Set(ctx, greeting, []byte("hello"), SetOptions{})

	s := &fakeSynth{}
	if _, err := c.Preload(ctx, []tts.Voice{voice}, s, 1); err != nil {
		t.Fatalf("Preload() error = %v", err)
	}
	if int(s.calls.Load()) != len(AllPhrases("en"))-1 {
		t.Errorf("syntheses = %d, want the cached greeting skipped", s.calls.Load())
	}
	_ = c.Set(ctx, "live", []byte{1}, SetOptions{})
	_ = c.Set(ctx, "live-2", []byte{1}, SetOptions{})
	if audio, ok := c.Get(ctx, greeting); !ok || string(audio) != "hello" {
		t.Errorf("greeting = %q, %v; want the original entry pinned", audio, ok)
	}
}

func TestPreloadCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Config{}, nil, discard())
	_, err := c.Preload(ctx, []tts.Voice{{ID: "v", Language: "en"}}, &fakeSynth{}, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Preload() error = %v, want context.Canceled", err)
	}
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	r, err := NewRedisStore(ctx, url, "callcore:test:")
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer r.Close()

	key := Key("test", time.Now().String())
	if _, ok, err := r.Get(ctx, key); err != nil || ok {
		t.Fatalf("Get() missing = %v, %v", ok, err)
	}
	if err := r.Set(ctx, key, []byte{1, 2}, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := r.Get(ctx, key)
	if err != nil || !ok || len(got) != 2 {
		t.Errorf("Get() = %v, %v, %v", got, ok, err)
	}
}
