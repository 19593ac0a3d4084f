package breaker

import (
	"context"
	"errors"
	"time"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeTimeout
	outcomeRateLimited
	// outcomeIgnored covers caller cancellation and non-retryable client
	// errors: neither says anything about backend health.
	outcomeIgnored
)

// Errors are classified through these method sets so the breaker does not
// depend on any provider package.
type rateLimiter interface{ RateLimited() bool }

type retryAfterHinter interface{ RetryAfterHint() time.Duration }

type retryabler interface{ IsRetryable() bool }

func classify(ctx context.Context, err error, timedOut bool) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if timedOut {
		return outcomeTimeout
	}
	var rl rateLimiter
	if errors.As(err, &rl) && rl.RateLimited() {
		return outcomeRateLimited
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return outcomeIgnored
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return outcomeTimeout
	}
	var r retryabler
	if errors.As(err, &r) && !r.IsRetryable() {
		return outcomeIgnored
	}
	return outcomeFailure
}

func retryAfterHint(err error) time.Duration {
	var h retryAfterHinter
	if errors.As(err, &h) {
		return h.RetryAfterHint()
	}
	return 0
}

type bucket struct {
	start     time.Time
	successes int
	failures  int
	timeouts  int
}

// circuit is the state of one operation key. Guarded by Group.mu.
type circuit struct {
	key           string
	state         State
	forced        bool
	openedAt      time.Time
	trialInFlight bool
	buckets       []*bucket
	rejects       int

	rateLimited int
	resetAt     time.Time
	retrying    int
}

func (c *circuit) reset() {
	c.state = StateClosed
	c.forced = false
	c.openedAt = time.Time{}
	c.trialInFlight = false
	c.buckets = nil
}

// bucket returns the bucket covering now, pruning buckets that left the
// rolling window.
func (c *circuit) bucket(now time.Time, cfg Config) *bucket {
	c.prune(now, cfg)
	width := cfg.RollingWindow / time.Duration(cfg.RollingBuckets)
	start := now.Truncate(width)
	if n := len(c.buckets); n > 0 && c.buckets[n-1].start.Equal(start) {
		return c.buckets[n-1]
	}
	b := &bucket{start: start}
	c.buckets = append(c.buckets, b)
	return b
}

func (c *circuit) prune(now time.Time, cfg Config) {
	cutoff := now.Add(-cfg.RollingWindow)
	i := 0
	for i < len(c.buckets) && !c.buckets[i].start.After(cutoff) {
		i++
	}
	if i > 0 {
		c.buckets = append(c.buckets[:0], c.buckets[i:]...)
	}
}

// window sums the rolling window. Timeouts count as failures.
func (c *circuit) window(now time.Time, cfg Config) (successes, failures int) {
	c.prune(now, cfg)
	for _, b := range c.buckets {
		successes += b.successes
		failures += b.failures + b.timeouts
	}
	return successes, failures
}

func (c *circuit) stats(now time.Time, cfg Config) Stats {
	s := Stats{
		Key:             c.key,
		State:           c.state,
		Forced:          c.forced,
		Rejects:         c.rejects,
		RateLimited:     c.rateLimited,
		InFlightRetries: c.retrying,
		OpenedAt:        c.openedAt,
	}
	c.prune(now, cfg)
	for _, b := range c.buckets {
		s.Successes += b.successes
		s.Failures += b.failures
		s.Timeouts += b.timeouts
	}
	if c.resetAt.After(now) {
		s.RateLimitResetAt = c.resetAt
	}
	return s
}
