// Package registry tracks live connections by scope and user.
//
// A user holds at most one connection per scope. Admitting a second one
// swaps the entry under the scope's shard lock, so no broadcast ever observes
// both, and closes the first before Admit returns.
package registry

import (
	"context"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/pulse/pkg/models"
)

// shardCount must be a power of 2.
const shardCount = 32

// Handle is the transport side of a connection.
type Handle interface {
	// Deliver writes one encoded frame, giving up when ctx is done.
	Deliver(ctx context.Context, frame []byte) error

	// Close sends a close frame and tears the transport down. It may block
	// briefly; the registry never calls it while holding a shard lock.
	Close(code int, reason string) error
}

// Connection is one admitted transport bound to a user and scope.
type Connection struct {
	ID            string
	UserID        string
	Scope         models.ScopeKey
	EstablishedAt time.Time
	Handle        Handle

	lastPing atomic.Int64
}

// NewConnection creates a connection established now.
func NewConnection(id, userID string, scope models.ScopeKey, handle Handle) *Connection {
	c := &Connection{
		ID:            id,
		UserID:        userID,
		Scope:         scope,
		EstablishedAt: time.Now(),
		Handle:        handle,
	}
	c.lastPing.Store(c.EstablishedAt.UnixNano())
	return c
}

// Touch records client liveness.
func (c *Connection) Touch(at time.Time) {
	c.lastPing.Store(at.UnixNano())
}

// LastPingAt returns when the client last showed liveness.
func (c *Connection) LastPingAt() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

// ChangeKind describes a registry mutation.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
)

func (k ChangeKind) String() string {
	if k == Added {
		return "added"
	}
	return "removed"
}

// Change is published to observers after every mutation.
type Change struct {
	Kind ChangeKind
	Conn *Connection

	// Evicted marks a removal caused by a newer connection for the same
	// user and scope.
	Evicted bool
}

// Observer receives changes synchronously on the mutating goroutine, after
// the shard lock is released. Observers must not block.
type Observer func(Change)

type shard struct {
	mu     sync.RWMutex
	scopes map[models.ScopeKey]map[string]*Connection
}

// Registry is the authoritative map of live connections.
type Registry struct {
	shards [shardCount]*shard
	seed   maphash.Seed
	size   atomic.Int64

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{seed: maphash.MakeSeed()}
	for i := range r.shards {
		r.shards[i] = &shard{scopes: make(map[models.ScopeKey]map[string]*Connection)}
	}
	return r
}

// Observe registers fn for every subsequent change.
func (r *Registry) Observe(fn Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

func (r *Registry) shardFor(scope models.ScopeKey) *shard {
	var h maphash.Hash
	h.SetSeed(r.seed)
	h.WriteString(string(scope.Type))
	h.WriteByte(':')
	h.WriteString(scope.ID)
	return r.shards[h.Sum64()&(shardCount-1)]
}

// Admit registers conn. Any existing connection for the same user and scope
// is removed and closed before conn becomes visible; it is returned so the
// caller can log the eviction.
func (r *Registry) Admit(conn *Connection) (evicted *Connection) {
	sh := r.shardFor(conn.Scope)

	sh.mu.Lock()
	users := sh.scopes[conn.Scope]
	if users == nil {
		users = make(map[string]*Connection)
		sh.scopes[conn.Scope] = users
	}
	if old := users[conn.UserID]; old != nil && old != conn {
		evicted = old
	} else {
		r.size.Add(1)
	}
	users[conn.UserID] = conn
	sh.mu.Unlock()

	if evicted != nil {
		_ = evicted.Handle.Close(models.CloseNormal, models.ReasonReplaced)
		r.notify(Change{Kind: Removed, Conn: evicted, Evicted: true})
	}
	r.notify(Change{Kind: Added, Conn: conn})
	return evicted
}

// Remove deletes conn if it is still the registered connection for its user
// and scope. A connection that was already replaced is left alone, so late
// cleanup from an evicted connection cannot remove its successor.
func (r *Registry) Remove(conn *Connection) bool {
	if conn == nil {
		return false
	}
	sh := r.shardFor(conn.Scope)

	sh.mu.Lock()
	users := sh.scopes[conn.Scope]
	if users == nil || users[conn.UserID] != conn {
		sh.mu.Unlock()
		return false
	}
	delete(users, conn.UserID)
	if len(users) == 0 {
		delete(sh.scopes, conn.Scope)
	}
	r.size.Add(-1)
	sh.mu.Unlock()

	r.notify(Change{Kind: Removed, Conn: conn})
	return true
}

// Lookup returns a snapshot of the connections in scope. Later mutations do
// not affect the returned slice.
func (r *Registry) Lookup(scope models.ScopeKey) []*Connection {
	sh := r.shardFor(scope)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	users := sh.scopes[scope]
	if len(users) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(users))
	for _, c := range users {
		out = append(out, c)
	}
	return out
}

// Get returns the user's connection in scope, if any.
func (r *Registry) Get(scope models.ScopeKey, userID string) (*Connection, bool) {
	sh := r.shardFor(scope)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.scopes[scope][userID]
	return c, ok
}

// Count returns how many connections are registered in scope.
func (r *Registry) Count(scope models.ScopeKey) int {
	sh := r.shardFor(scope)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.scopes[scope])
}

// Len returns the total number of registered connections.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	out := make([]*Connection, 0, r.Len())
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, users := range sh.scopes {
			for _, c := range users {
				out = append(out, c)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// CloseAll removes and closes every connection, used on shutdown.
func (r *Registry) CloseAll(code int, reason string) int {
	closed := 0
	for _, c := range r.All() {
		if r.Remove(c) {
			_ = c.Handle.Close(code, reason)
			closed++
		}
	}
	return closed
}

func (r *Registry) notify(change Change) {
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(change)
	}
}
