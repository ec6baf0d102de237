package webhook

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRate is the fallback sustained number of deliveries per second
	// accepted from one source.
	DefaultRate  = 10
	DefaultBurst = 20

	defaultRateTTL = 5 * time.Minute
	defaultRateCap = 4096
)

// RateLimiter keeps a token bucket per delivery source while preventing
// unbounded memory growth. It is safe for concurrent use by multiple
// goroutines.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	limit rate.Limit
	burst int
	ttl   time.Duration
	cap   int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterOption configures a RateLimiter instance.
type RateLimiterOption func(*RateLimiter)

// NewRateLimiter constructs a rate limiter with sensible defaults.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   DefaultRate,
		burst:   DefaultBurst,
		ttl:     defaultRateTTL,
		cap:     defaultRateCap,
	}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.limit <= 0 {
		rl.limit = DefaultRate
	}
	if rl.burst <= 0 {
		rl.burst = DefaultBurst
	}
	if rl.ttl < 0 {
		rl.ttl = 0
	}
	if rl.cap < 0 {
		rl.cap = 0
	}
	return rl
}

// WithRate overrides the sustained per-source rate and burst.
func WithRate(perSecond float64, burst int) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.limit = rate.Limit(perSecond)
		rl.burst = burst
	}
}

// WithRateTTL overrides how long an idle source is remembered.
func WithRateTTL(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.ttl = d
	}
}

// WithRateCap sets the maximum number of tracked sources.
func WithRateCap(cap int) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.cap = cap
	}
}

// Allow reports whether source may deliver at now.
func (rl *RateLimiter) Allow(source string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.pruneLocked(now)

	b, ok := rl.buckets[source]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[source] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	if rl.cap > 0 && len(rl.buckets) > rl.cap {
		rl.enforceCapLocked()
	}
	return allowed
}

// RetryAfter estimates how long source must wait before its next delivery
// is accepted.
func (rl *RateLimiter) RetryAfter(source string, now time.Time) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[source]
	if !ok {
		return 0
	}
	tokens := b.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(rl.limit) * float64(time.Second))
}

// Len returns the number of tracked sources. Primarily for testing.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	if rl.ttl > 0 {
		for source, b := range rl.buckets {
			if now.Sub(b.lastSeen) > rl.ttl {
				delete(rl.buckets, source)
			}
		}
	}
	if rl.cap > 0 && len(rl.buckets) > rl.cap {
		rl.enforceCapLocked()
	}
}

func (rl *RateLimiter) enforceCapLocked() {
	if rl.cap <= 0 || len(rl.buckets) <= rl.cap {
		return
	}
	type entry struct {
		source   string
		lastSeen time.Time
	}
	entries := make([]entry, 0, len(rl.buckets))
	for source, b := range rl.buckets {
		entries = append(entries, entry{source: source, lastSeen: b.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastSeen.Before(entries[j].lastSeen)
	})
	excess := len(rl.buckets) - rl.cap
	for i := 0; i < excess && i < len(entries); i++ {
		delete(rl.buckets, entries[i].source)
	}
}
