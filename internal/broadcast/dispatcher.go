// Package broadcast fans outbound events out to every live connection in a
// scope.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/pulse/internal/observability"
	"github.com/haasonsaas/pulse/internal/registry"
	"github.com/haasonsaas/pulse/pkg/models"
)

// DefaultDeliveryTimeout bounds one delivery attempt to one connection.
const DefaultDeliveryTimeout = 3 * time.Second

// Config configures the dispatcher.
type Config struct {
	DeliveryTimeout time.Duration
}

// Filter excludes recipients from a broadcast.
type Filter struct {
	// ExcludeConn skips one connection, usually the event's origin.
	ExcludeConn string

	// ExcludeUser skips every connection of one user.
	ExcludeUser string
}

func (f Filter) skip(c *registry.Connection) bool {
	return (f.ExcludeConn != "" && c.ID == f.ExcludeConn) ||
		(f.ExcludeUser != "" && c.UserID == f.ExcludeUser)
}

// Result summarizes a fan-out.
type Result struct {
	Targets   int
	Delivered int
	Failed    int
}

func (r *Result) add(o Result) {
	r.Targets += o.Targets
	r.Delivered += o.Delivered
	r.Failed += o.Failed
}

// Dispatcher delivers events concurrently with a per-connection timeout. A
// connection that fails or times out is evicted and closed; the rest of the
// fan-out proceeds unaffected.
type Dispatcher struct {
	registry *registry.Registry
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewDispatcher creates a dispatcher over reg. If logger is nil,
// slog.Default() is used; metrics and tracer may be nil.
func NewDispatcher(reg *registry.Registry, cfg Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	return &Dispatcher{
		registry: reg,
		timeout:  cfg.DeliveryTimeout,
		logger:   logger.With("component", "broadcast"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Broadcast delivers ev to every connection in ev.Scope that the filter does
// not exclude. It returns once every attempt has succeeded, failed or timed out.
func (d *Dispatcher) Broadcast(ctx context.Context, ev models.OutboundEvent, filter Filter) (Result, error) {
	frame, err := json.Marshal(ev)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return d.broadcastFrame(ctx, ev, frame, filter), nil
}

// Publish broadcasts ev to several scopes concurrently, encoding it once.
func (d *Dispatcher) Publish(ctx context.Context, scopes []models.ScopeKey, ev models.OutboundEvent, filter Filter) (Result, error) {
	frame, err := json.Marshal(ev)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	var (
		mu    sync.Mutex
		total Result
		g     errgroup.Group
	)
	for _, scope := range scopes {
		scoped := ev
		scoped.Scope = scope
		g.Go(func() error {
			res := d.broadcastFrame(ctx, scoped, frame, filter)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return total, nil
}

// Send delivers ev privately to one connection under the same timeout and
// eviction rules as a broadcast.
func (d *Dispatcher) Send(ctx context.Context, conn *registry.Connection, ev models.OutboundEvent) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return d.deliver(ctx, conn, ev.Type, frame)
}

func (d *Dispatcher) broadcastFrame(ctx context.Context, ev models.OutboundEvent, frame []byte, filter Filter) Result {
	start := time.Now()
	ctx, span := d.tracer.TraceBroadcast(ctx, ev.Scope.String(), string(ev.Type))
	defer span.End()

	var targets []*registry.Connection
	for _, c := range d.registry.Lookup(ev.Scope) {
		if !filter.skip(c) {
			targets = append(targets, c)
		}
	}

	res := Result{Targets: len(targets)}
	if len(targets) > 0 {
		errs := make([]error, len(targets))
		var wg sync.WaitGroup
		wg.Add(len(targets))
		for i, conn := range targets {
			go func(idx int, c *registry.Connection) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						d.logger.Error("panic in broadcast delivery",
							"connection_id", c.ID,
							"panic", r)
						errs[idx] = fmt.Errorf("panic during delivery: %v", r)
						d.evict(c)
					}
				}()
				errs[idx] = d.deliver(ctx, c, ev.Type, frame)
			}(i, conn)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				res.Failed++
			} else {
				res.Delivered++
			}
		}
	}

	d.metrics.ObserveBroadcast(string(ev.Scope.Type), res.Targets, time.Since(start))
	observability.SetAttributes(span,
		"pulse.targets", res.Targets,
		"pulse.delivered", res.Delivered,
		"pulse.failed", res.Failed,
	)
	return res
}

// deliver runs one bounded attempt. The attempt is detached from the
// caller's cancellation so that, for example, the sender disconnecting does
// not abort delivery to everyone else.
func (d *Dispatcher) deliver(ctx context.Context, conn *registry.Connection, typ models.EventType, frame []byte) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	err := conn.Handle.Deliver(dctx, frame)
	if err == nil {
		d.metrics.RecordDelivery(string(typ), "delivered")
		return nil
	}

	status := "failed"
	if errors.Is(err, context.DeadlineExceeded) {
		status = "timeout"
	}
	d.metrics.RecordDelivery(string(typ), status)
	d.logger.WarnContext(ctx, "delivery failed, evicting connection",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"scope", conn.Scope.String(),
		"event_type", typ,
		"status", status,
		"error", err,
	)
	d.evict(conn)
	return err
}

func (d *Dispatcher) evict(conn *registry.Connection) {
	if d.registry.Remove(conn) {
		d.metrics.RecordEviction("delivery_failed")
	}
	_ = conn.Handle.Close(models.CloseGoingAway, models.ReasonSlowConsumer)
}
