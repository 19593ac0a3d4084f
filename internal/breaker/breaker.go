// Package breaker implements a rate-limit-aware circuit breaker shared by
// every outbound provider call. Hard failures trip a closed/open/half-open
// breaker per operation key; capacity errors (HTTP 429) bypass the breaker
// statistics and are retried with backoff that honours server reset hints,
// coordinated across all callers of the same key.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrOpen is returned when a call is rejected because the circuit is open or
// a half-open trial is already in flight.
var ErrOpen = errors.New("circuit breaker is open")

// ErrRateLimited is returned when the key is known to be rate limited for
// longer than the configured maximum delay.
var ErrRateLimited = errors.New("rate limited")

// State is the breaker status of one key.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// MarshalJSON renders the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Config tunes a Group. Every key in the group uses the same config.
type Config struct {
	// Timeout bounds a single attempt. Zero disables it.
	Timeout time.Duration

	// ErrorThresholdPercentage trips the breaker once the failure share in
	// the rolling window reaches it.
	ErrorThresholdPercentage float64
	RollingWindow            time.Duration
	RollingBuckets           int
	// VolumeThreshold is the minimum number of counted calls in the window
	// before the threshold is evaluated.
	VolumeThreshold int
	ResetTimeout    time.Duration

	MaxRateLimitRetries int
	BaseDelay           time.Duration
	// MaxDelay caps computed backoff. A server hint longer than this
	// fails the call instead of being shortened.
	MaxDelay            time.Duration
	ResetBuffer         time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:                  10 * time.Second,
		ErrorThresholdPercentage: 50,
		RollingWindow:            10 * time.Second,
		RollingBuckets:           10,
		VolumeThreshold:          5,
		ResetTimeout:             30 * time.Second,
		MaxRateLimitRetries:      3,
		BaseDelay:                500 * time.Millisecond,
		MaxDelay:                 10 * time.Second,
		ResetBuffer:              100 * time.Millisecond,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ErrorThresholdPercentage <= 0 {
		c.ErrorThresholdPercentage = d.ErrorThresholdPercentage
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = d.RollingWindow
	}
	if c.RollingBuckets <= 0 {
		c.RollingBuckets = d.RollingBuckets
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = 1
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.MaxRateLimitRetries < 0 {
		c.MaxRateLimitRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// Stats is a point-in-time snapshot of one key.
type Stats struct {
	Key              string    `json:"key"`
	State            State     `json:"state"`
	Forced           bool      `json:"forced,omitempty"`
	Successes        int       `json:"successes"`
	Failures         int       `json:"failures"`
	Timeouts         int       `json:"timeouts"`
	Rejects          int       `json:"rejects"`
	RateLimited      int       `json:"rate_limited"`
	InFlightRetries  int       `json:"in_flight_retries"`
	RateLimitResetAt time.Time `json:"rate_limit_reset_at,omitzero"`
	OpenedAt         time.Time `json:"opened_at,omitzero"`
}

// StateChangeFunc observes breaker transitions. It is called outside the
// group lock.
type StateChangeFunc func(key string, from, to State)

// Group holds breaker state for all operation keys. Safe for concurrent use.
type Group struct {
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	circuits map[string]*circuit
	onChange []StateChangeFunc

	now    func() time.Time
	jitter func() float64
}

// NewGroup creates a breaker group.
func NewGroup(cfg Config, logger *log.Logger) *Group {
	if logger == nil {
		logger = log.Default()
	}
	return &Group{
		cfg:      cfg.normalized(),
		logger:   logger,
		circuits: make(map[string]*circuit),
		now:      time.Now,
		jitter:   rand.Float64,
	}
}

// Config returns the effective configuration.
func (g *Group) Config() Config { return g.cfg }

// OnStateChange registers an observer for state transitions.
func (g *Group) OnStateChange(fn StateChangeFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = append(g.onChange, fn)
}

// Execute runs fn under the breaker for key. Rate-limited attempts are
// retried; everything else is returned as-is after being counted.
func (g *Group) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	var (
		attempt  int
		lastHint time.Duration
		lastRL   bool
		holding  bool
	)
	release := func() {
		if holding {
			g.releaseRetry(key)
			holding = false
		}
	}

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		if !lastRL || attempt > g.cfg.MaxRateLimitRetries {
			return 0, true
		}
		d, ok := g.rateLimitDelay(attempt, lastHint)
		if !ok {
			// A hint past MaxDelay is not capped: the 429 is returned
			// now so the gateway can move to a fallback.
			return 0, true
		}
		g.noteRetry(key, d)
		holding = true
		return d, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		release()
		lastRL, lastHint = false, 0

		if err := g.waitRateLimit(ctx, key); err != nil {
			return err
		}
		trial, err := g.admit(key)
		if err != nil {
			return err
		}

		actx, cancel := ctx, context.CancelFunc(func() {})
		if g.cfg.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		}
		err = fn(actx)
		timedOut := err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		o := classify(ctx, err, timedOut)
		g.record(key, o, trial)

		if o == outcomeRateLimited {
			lastRL = true
			lastHint = retryAfterHint(err)
			g.noteRateLimit(key, lastHint)
			return retry.RetryableError(err)
		}
		return err
	})

	release()
	return err
}

// Do is Execute for calls that produce a value.
func Do[T any](ctx context.Context, g *Group, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Execute(ctx, key, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Open forces key open until Close is called.
func (g *Group) Open(key string) {
	g.mu.Lock()
	c := g.circuitLocked(key)
	from := c.state
	c.state = StateOpen
	c.forced = true
	c.openedAt = g.now()
	c.trialInFlight = false
	fns := g.onChange
	g.mu.Unlock()
	g.notify(fns, key, from, StateOpen)
}

// Close resets key to closed and clears its rolling statistics.
func (g *Group) Close(key string) {
	g.mu.Lock()
	c := g.circuitLocked(key)
	from := c.state
	c.reset()
	fns := g.onChange
	g.mu.Unlock()
	g.notify(fns, key, from, StateClosed)
}

// Stats returns a snapshot for key. Unknown keys report closed.
func (g *Group) Stats(key string) Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.circuits[key]
	if !ok {
		return Stats{Key: key, State: StateClosed}
	}
	return c.stats(g.now(), g.cfg)
}

// AllStats returns snapshots for every known key, sorted by key.
func (g *Group) AllStats() []Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	out := make([]Stats, 0, len(g.circuits))
	for _, c := range g.circuits {
		out = append(out, c.stats(now, g.cfg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (g *Group) circuitLocked(key string) *circuit {
	c, ok := g.circuits[key]
	if !ok {
		c = &circuit{key: key}
		g.circuits[key] = c
	}
	return c
}

// admit decides whether a call may proceed. It reports whether the call is
// the half-open trial.
func (g *Group) admit(key string) (bool, error) {
	g.mu.Lock()
	c := g.circuitLocked(key)
	now := g.now()

	switch c.state {
	case StateClosed:
		g.mu.Unlock()
		return false, nil
	case StateOpen:
		if c.forced || now.Sub(c.openedAt) < g.cfg.ResetTimeout {
			c.rejects++
			g.mu.Unlock()
			return false, ErrOpen
		}
		c.state = StateHalfOpen
		c.trialInFlight = true
		fns := g.onChange
		g.mu.Unlock()
		g.notify(fns, key, StateOpen, StateHalfOpen)
		return true, nil
	default: // half-open
		if c.trialInFlight {
			c.rejects++
			g.mu.Unlock()
			return false, ErrOpen
		}
		c.trialInFlight = true
		g.mu.Unlock()
		return true, nil
	}
}

func (g *Group) record(key string, o outcome, trial bool) {
	g.mu.Lock()
	c := g.circuitLocked(key)
	now := g.now()
	from := c.state

	switch o {
	case outcomeSuccess:
		c.bucket(now, g.cfg).successes++
	case outcomeFailure:
		c.bucket(now, g.cfg).failures++
	case outcomeTimeout:
		c.bucket(now, g.cfg).timeouts++
	case outcomeRateLimited:
		c.rateLimited++
	}

	if trial {
		c.trialInFlight = false
		switch o {
		case outcomeSuccess:
			if c.state == StateHalfOpen {
				c.reset()
			}
		case outcomeFailure, outcomeTimeout:
			if c.state == StateHalfOpen {
				c.state = StateOpen
				c.openedAt = now
			}
		}
	} else if c.state == StateClosed && (o == outcomeFailure || o == outcomeTimeout) {
		succ, fail := c.window(now, g.cfg)
		total := succ + fail
		if total >= g.cfg.VolumeThreshold && float64(fail)*100/float64(total) >= g.cfg.ErrorThresholdPercentage {
			c.state = StateOpen
			c.openedAt = now
		}
	}

	to := c.state
	fns := g.onChange
	g.mu.Unlock()
	if from != to {
		g.notify(fns, key, from, to)
	}
}

func (g *Group) notify(fns []StateChangeFunc, key string, from, to State) {
	if from == to {
		return
	}
	g.logger.Printf("breaker: %s %s -> %s", key, from, to)
	for _, fn := range fns {
		fn(key, from, to)
	}
}

// rateLimitDelay computes the wait before retry n (1-based). With a server
// hint the wait is hint+buffer; a hint beyond MaxDelay stops retrying so the
// caller can fall back instead of holding the line.
func (g *Group) rateLimitDelay(n int, hint time.Duration) (time.Duration, bool) {
	if hint > 0 {
		d := hint + g.cfg.ResetBuffer
		if d > g.cfg.MaxDelay {
			return 0, false
		}
		return d, true
	}
	d := g.cfg.BaseDelay << (n - 1)
	if d <= 0 || d > g.cfg.MaxDelay {
		d = g.cfg.MaxDelay
	}
	return time.Duration(float64(d) * (0.5 + 0.5*g.jitter())), true
}

// noteRateLimit publishes a server reset hint to every caller of key.
func (g *Group) noteRateLimit(key string, hint time.Duration) {
	if hint <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.circuitLocked(key)
	resetAt := g.now().Add(hint + g.cfg.ResetBuffer)
	if resetAt.After(c.resetAt) {
		c.resetAt = resetAt
	}
}

// noteRetry marks a caller as waiting to retry key. Without a server hint the
// computed backoff also becomes the shared reset time, so concurrent callers
// back off together.
func (g *Group) noteRetry(key string, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.circuitLocked(key)
	c.retrying++
	resetAt := g.now().Add(d)
	if resetAt.After(c.resetAt) {
		c.resetAt = resetAt
	}
	g.logger.Printf("breaker: %s rate limited, retry in %s", key, d.Round(time.Millisecond))
}

// releaseRetry frees the in-flight retry slot taken by noteRetry.
func (g *Group) releaseRetry(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c := g.circuitLocked(key); c.retrying > 0 {
		c.retrying--
	}
}

// waitRateLimit blocks until the shared reset time for key has passed.
func (g *Group) waitRateLimit(ctx context.Context, key string) error {
	g.mu.Lock()
	c := g.circuitLocked(key)
	wait := c.resetAt.Sub(g.now())
	g.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	if wait > g.cfg.MaxDelay+g.cfg.ResetBuffer {
		return ErrRateLimited
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
