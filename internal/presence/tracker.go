// Package presence derives online/offline state from user-scope connections
// and announces transitions to every thread the user participates in.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/pulse/internal/broadcast"
	"github.com/haasonsaas/pulse/internal/observability"
	"github.com/haasonsaas/pulse/internal/registry"
	"github.com/haasonsaas/pulse/pkg/models"
)

// ThreadLister resolves the threads whose participants should hear about a
// user's presence.
type ThreadLister interface {
	UserThreads(ctx context.Context, userID string) ([]string, error)
}

// Publisher fans an event out to several scopes.
type Publisher interface {
	Publish(ctx context.Context, scopes []models.ScopeKey, ev models.OutboundEvent, filter broadcast.Filter) (broadcast.Result, error)
}

// maxConcurrentAnnounces bounds the publishes one flush runs at a time.
const maxConcurrentAnnounces = 32

// Tracker is the single writer of presence. Registry changes only mark a user
// dirty and poke the loop; Run recomputes from the registry and publishes
// when the result differs from what was last announced. Bursts of
// connect/disconnect therefore collapse into at most one transition.
type Tracker struct {
	registry  *registry.Registry
	threads   ThreadLister
	publisher Publisher
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu     sync.Mutex
	dirty  map[string]struct{}
	signal chan struct{}

	// published is owned by the Run goroutine.
	published map[string]bool
}

// NewTracker creates a tracker and subscribes it to reg.
func NewTracker(reg *registry.Registry, threads ThreadLister, publisher Publisher, logger *slog.Logger, metrics *observability.Metrics) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		registry:  reg,
		threads:   threads,
		publisher: publisher,
		logger:    logger.With("component", "presence"),
		metrics:   metrics,
		now:       time.Now,
		dirty:     make(map[string]struct{}),
		signal:    make(chan struct{}, 1),
		published: make(map[string]bool),
	}
	reg.Observe(t.observe)
	return t
}

// Online reports whether the user currently holds a user-scope connection.
func (t *Tracker) Online(userID string) bool {
	return t.registry.Count(models.UserScope(userID)) > 0
}

// Touch marks userID for re-evaluation. It never blocks.
func (t *Tracker) Touch(userID string) {
	t.mu.Lock()
	t.dirty[userID] = struct{}{}
	t.mu.Unlock()

	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (t *Tracker) observe(c registry.Change) {
	if c.Conn == nil || c.Conn.Scope.Type != models.ScopeUser {
		return
	}
	t.Touch(c.Conn.UserID)
}

// Run processes dirty users until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.signal:
			t.flush(ctx)
		}
	}
}

func (t *Tracker) flush(ctx context.Context) {
	t.mu.Lock()
	if len(t.dirty) == 0 {
		t.mu.Unlock()
		return
	}
	users := t.dirty
	t.dirty = make(map[string]struct{})
	t.mu.Unlock()

	// Publishes run concurrently. The flush waits for all of them so each
	// user's transitions stay ordered across flushes.
	var g errgroup.Group
	g.SetLimit(maxConcurrentAnnounces)
	for userID := range users {
		online := t.Online(userID)
		if online == t.published[userID] {
			continue
		}
		if online {
			t.published[userID] = true
		} else {
			delete(t.published, userID)
		}
		g.Go(func() error {
			t.announce(ctx, userID, online)
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Tracker) announce(ctx context.Context, userID string, online bool) {
	t.metrics.RecordPresence(online)

	threads, err := t.threads.UserThreads(ctx, userID)
	if err != nil {
		t.metrics.RecordError("presence", "user_threads")
		t.logger.WarnContext(ctx, "resolve threads for presence",
			"user_id", userID,
			"online", online,
			"error", err,
		)
		return
	}
	if len(threads) == 0 {
		return
	}

	scopes := make([]models.ScopeKey, len(threads))
	for i, id := range threads {
		scopes[i] = models.ThreadScope(id)
	}
	ev := models.OutboundEvent{
		Type: models.EventPresence,
		Payload: models.PresencePayload{
			UserID: userID,
			Online: online,
			At:     t.now().UTC(),
		},
	}
	res, err := t.publisher.Publish(ctx, scopes, ev, broadcast.Filter{ExcludeUser: userID})
	if err != nil {
		t.logger.ErrorContext(ctx, "publish presence", "user_id", userID, "error", err)
		return
	}
	t.logger.DebugContext(ctx, "presence changed",
		"user_id", userID,
		"online", online,
		"threads", len(threads),
		"delivered", res.Delivered,
	)
}
