// Package ratelimit provides per-key token bucket limits for inbound events.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the maximum number of events allowed in a burst.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 2,
		BurstSize:         10,
		Enabled:           true,
	}
}

func (c Config) normalized() Config {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if c.BurstSize <= 0 {
		c.BurstSize = int(c.RequestsPerSecond * 2)
		if c.BurstSize < 1 {
			c.BurstSize = 1
		}
	}
	return c
}

// DefaultMaxKeys bounds how many keys a limiter tracks before pruning.
const DefaultMaxKeys = 10000

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per key (user, user and event type, ...).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	config  Config
	maxKeys int
	idle    time.Duration
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		config:  config.normalized(),
		maxKeys: DefaultMaxKeys,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

// Allow reports whether an event for key may proceed and consumes a token if so.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN reports whether n events for key may proceed.
func (l *Limiter) AllowN(key string, n int) bool {
	if n <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.config.Enabled {
		return true
	}
	now := l.now()
	return l.bucketLocked(key, now).limiter.AllowN(now, n)
}

// WaitTime returns how long until one event for key would be allowed.
func (l *Limiter) WaitTime(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.config.Enabled {
		return 0
	}
	now := l.now()
	lim := l.bucketLocked(key, now).limiter
	if lim.TokensAt(now) >= 1 {
		return 0
	}
	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return delay
}

// Update swaps the configuration. Existing buckets adopt the new rate and
// burst immediately; a disabled limiter allows everything.
func (l *Limiter) Update(config Config) {
	config = config.normalized()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.config = config
	now := l.now()
	for _, b := range l.buckets {
		b.limiter.SetLimitAt(now, rate.Limit(config.RequestsPerSecond))
		b.limiter.SetBurstAt(now, config.BurstSize)
	}
}

// Config returns the active configuration.
func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// Reset forgets the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucketLocked(key string, now time.Time) *bucket {
	if b, ok := l.buckets[key]; ok {
		b.lastSeen = now
		return b
	}
	if len(l.buckets) >= l.maxKeys {
		l.pruneLocked(now)
	}
	b := &bucket{
		limiter:  rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.BurstSize),
		lastSeen: now,
	}
	l.buckets[key] = b
	return b
}

// pruneLocked drops buckets that are full or have been idle for a while.
func (l *Limiter) pruneLocked(now time.Time) {
	full := float64(l.config.BurstSize) * 0.9
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle || b.limiter.TokensAt(now) >= full {
			delete(l.buckets, key)
		}
	}
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
