// Package typing tracks per-scope typing indicators that expire on their own.
package typing

import (
	"sync"
	"time"

	"github.com/haasonsaas/pulse/pkg/models"
)

// DefaultTTL is how long a typing indicator lives without a refresh.
const DefaultTTL = 5 * time.Second

// ExpireFunc is called, outside the tracker lock, when an indicator lapses
// without an explicit stop.
type ExpireFunc func(scope models.ScopeKey, userID string)

type key struct {
	scope  models.ScopeKey
	userID string
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Tracker holds one TTL timer per (scope, user).
//
// Every indicator ends exactly once: by Stop, by Clear, or by expiry. A
// generation counter guards against a timer that fires after the entry was
// refreshed or stopped, and the tracker is sealed by Close so late callbacks
// cannot re-arm anything.
type Tracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	entries  map[key]*entry
	gen      uint64
	sealed   bool
	onExpire ExpireFunc
}

// NewTracker creates a tracker. A non-positive ttl selects DefaultTTL.
func NewTracker(ttl time.Duration, onExpire ExpireFunc) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:      ttl,
		entries:  make(map[key]*entry),
		onExpire: onExpire,
	}
}

// TTL returns the configured indicator lifetime.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Start begins or refreshes the indicator. It reports whether the indicator
// was newly started rather than refreshed.
func (t *Tracker) Start(scope models.ScopeKey, userID string) bool {
	k := key{scope, userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return false
	}

	t.gen++
	gen := t.gen
	if e, ok := t.entries[k]; ok {
		e.timer.Stop()
		e.gen = gen
		e.timer = time.AfterFunc(t.ttl, func() { t.expire(k, gen) })
		return false
	}
	t.entries[k] = &entry{
		gen:   gen,
		timer: time.AfterFunc(t.ttl, func() { t.expire(k, gen) }),
	}
	return true
}

// Stop ends the indicator early. It reports whether one was active, so the
// caller only announces "stopped typing" for a user who was typing.
func (t *Tracker) Stop(scope models.ScopeKey, userID string) bool {
	k := key{scope, userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[k]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, k)
	return true
}

// Clear is Stop for a disconnecting connection.
func (t *Tracker) Clear(scope models.ScopeKey, userID string) bool {
	return t.Stop(scope, userID)
}

// Active reports whether the user is currently typing in scope.
func (t *Tracker) Active(scope models.ScopeKey, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key{scope, userID}]
	return ok
}

// Len returns the number of active indicators.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close stops every timer and seals the tracker.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}

func (t *Tracker) expire(k key, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok || e.gen != gen || t.sealed {
		t.mu.Unlock()
		return
	}
	delete(t.entries, k)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(k.scope, k.userID)
	}
}
