package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/pulse/pkg/models"
)

type fakeHandle struct {
	closes atomic.Int32
	code   atomic.Int32
}

func (h *fakeHandle) Deliver(context.Context, []byte) error { return nil }

func (h *fakeHandle) Close(code int, _ string) error {
	h.closes.Add(1)
	h.code.Store(int32(code))
	return nil
}

func newConn(id, user string, scope models.ScopeKey) (*Connection, *fakeHandle) {
	h := &fakeHandle{}
	return NewConnection(id, user, scope, h), h
}

func TestAdmitReplacesExistingConnection(t *testing.T) {
	r := New()
	scope := models.ThreadScope("1")

	first, firstHandle := newConn("c1", "10", scope)
	second, secondHandle := newConn("c2", "10", scope)

	if evicted := r.Admit(first); evicted != nil {
		t.Fatalf("first Admit() evicted %v", evicted.ID)
	}
	evicted := r.Admit(second)
	if evicted != first {
		t.Fatalf("Admit() evicted = %v, want first connection", evicted)
	}

	// The old transport is closed before Admit returns.
	if got := firstHandle.closes.Load(); got != 1 {
		t.Fatalf("first handle closes = %d, want 1", got)
	}
	if got := firstHandle.code.Load(); got != models.CloseNormal {
		t.Fatalf("close code = %d, want %d", got, models.CloseNormal)
	}
	if secondHandle.closes.Load() != 0 {
		t.Fatal("replacement must stay open")
	}

	conns := r.Lookup(scope)
	if len(conns) != 1 || conns[0] != second {
		t.Fatalf("Lookup() = %v, want only second", conns)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRemoveIgnoresReplacedConnection(t *testing.T) {
	r := New()
	scope := models.ThreadScope("1")
	first, _ := newConn("c1", "10", scope)
	second, _ := newConn("c2", "10", scope)
	r.Admit(first)
	r.Admit(second)

	if r.Remove(first) {
		t.Fatal("Remove(first) should be a no-op after replacement")
	}
	if _, ok := r.Get(scope, "10"); !ok {
		t.Fatal("replacement was removed by stale cleanup")
	}
	if !r.Remove(second) {
		t.Fatal("Remove(second) = false")
	}
	if r.Count(scope) != 0 || r.Len() != 0 {
		t.Fatalf("Count() = %d, Len() = %d", r.Count(scope), r.Len())
	}
}

func TestDifferentUsersShareScope(t *testing.T) {
	r := New()
	scope := models.PlaceScope("p1")
	a, _ := newConn("a", "10", scope)
	b, _ := newConn("b", "20", scope)
	other, _ := newConn("c", "10", models.UserScope("10"))
	r.Admit(a)
	r.Admit(b)
	r.Admit(other)

	if got := r.Count(scope); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	if got := r.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
}

func TestLookupReturnsSnapshot(t *testing.T) {
	r := New()
	scope := models.ThreadScope("1")
	a, _ := newConn("a", "10", scope)
	r.Admit(a)

	snapshot := r.Lookup(scope)
	b, _ := newConn("b", "20", scope)
	r.Admit(b)
	r.Remove(a)

	if len(snapshot) != 1 || snapshot[0] != a {
		t.Fatalf("snapshot mutated: %v", snapshot)
	}
}

func TestObserversSeeEvictionAndAdd(t *testing.T) {
	r := New()
	var mu sync.Mutex
	var changes []string
	r.Observe(func(c Change) {
		mu.Lock()
		changes = append(changes, fmt.Sprintf("%s:%s:%v", c.Kind, c.Conn.ID, c.Evicted))
		mu.Unlock()
	})

	scope := models.UserScope("10")
	first, _ := newConn("c1", "10", scope)
	second, _ := newConn("c2", "10", scope)
	r.Admit(first)
	r.Admit(second)
	r.Remove(second)

	want := []string{"added:c1:false", "removed:c1:true", "added:c2:false", "removed:c2:false"}
	if fmt.Sprint(changes) != fmt.Sprint(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
}

func TestConcurrentAdmitKeepsOneConnection(t *testing.T) {
	r := New()
	scope := models.ThreadScope("1")
	const n = 64

	handles := make([]*fakeHandle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conn, h := newConn(fmt.Sprintf("c%d", i), "10", scope)
		handles[i] = h
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Admit(conn)
		}()
	}
	wg.Wait()

	if got := r.Count(scope); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	closed := 0
	for _, h := range handles {
		switch h.closes.Load() {
		case 0:
		case 1:
			closed++
		default:
			t.Fatal("handle closed more than once")
		}
	}
	if closed != n-1 {
		t.Fatalf("closed = %d, want %d", closed, n-1)
	}
}

func TestCloseAll(t *testing.T) {
	r := New()
	a, ha := newConn("a", "10", models.ThreadScope("1"))
	b, hb := newConn("b", "20", models.PlaceScope("p"))
	r.Admit(a)
	r.Admit(b)

	if got := r.CloseAll(models.CloseGoingAway, models.ReasonShutdown); got != 2 {
		t.Fatalf("CloseAll() = %d, want 2", got)
	}
	if ha.code.Load() != models.CloseGoingAway || hb.code.Load() != models.CloseGoingAway {
		t.Fatal("expected going-away close on every handle")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after CloseAll", r.Len())
	}
}

// blockingHandle stalls in Close until release is closed.
type blockingHandle struct {
	entered chan struct{}
	release chan struct{}
}

func (h *blockingHandle) Deliver(context.Context, []byte) error { return nil }

func (h *blockingHandle) Close(int, string) error {
	close(h.entered)
	<-h.release
	return nil
}

func TestAdmitClosesEvictedOutsideShardLock(t *testing.T) {
	r := New()
	scope := models.ThreadScope("1")

	stalled := &blockingHandle{entered: make(chan struct{}), release: make(chan struct{})}
	r.Admit(NewConnection("c1", "10", scope, stalled))
	peer, _ := newConn("c2", "20", scope)
	r.Admit(peer)

	replacement, _ := newConn("c3", "10", scope)
	admitted := make(chan *Connection, 1)
	go func() { admitted <- r.Admit(replacement) }()

	select {
	case <-stalled.entered:
	case <-time.After(time.Second):
		t.Fatal("evicted handle was never closed")
	}

	// Admit is stuck in Close; the scope must stay readable and writable.
	done := make(chan []*Connection, 1)
	go func() {
		other, _ := newConn("c4", "30", scope)
		r.Admit(other)
		done <- r.Lookup(scope)
	}()
	select {
	case conns := <-done:
		if len(conns) != 3 {
			t.Fatalf("Lookup() returned %d connections, want 3", len(conns))
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Lookup blocked while an evicted connection was closing")
	}

	select {
	case <-admitted:
		t.Fatal("Admit returned before the evicted connection finished closing")
	default:
	}
	close(stalled.release)
	if evicted := <-admitted; evicted == nil || evicted.ID != "c1" {
		t.Fatalf("Admit() evicted = %v, want c1", evicted)
	}
}
