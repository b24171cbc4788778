package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/broadcast"
	"github.com/haasonsaas/pulse/internal/media"
	"github.com/haasonsaas/pulse/internal/observability"
	"github.com/haasonsaas/pulse/internal/ratelimit"
	"github.com/haasonsaas/pulse/internal/registry"
	"github.com/haasonsaas/pulse/internal/storage"
	"github.com/haasonsaas/pulse/internal/typing"
	"github.com/haasonsaas/pulse/pkg/models"
)

const (
	DefaultMaxTextLength   = 4000
	DefaultMaxAuthFailures = 3
)

// connState is the lifecycle of one connection as seen by the router.
type connState int32

const (
	stateConnecting connState = iota
	stateActive
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// connection is the router's per-connection state. Everything but state is
// touched only by the connection's read goroutine.
type connection struct {
	conn         *registry.Connection
	identity     *auth.Identity
	state        atomic.Int32
	authFailures int
}

func newConnection(conn *registry.Connection, identity *auth.Identity) *connection {
	return &connection{conn: conn, identity: identity}
}

func (c *connection) State() connState { return connState(c.state.Load()) }

func (c *connection) activate() bool {
	return c.state.CompareAndSwap(int32(stateConnecting), int32(stateActive))
}

// beginClose moves the connection to closing. Only the first caller wins.
func (c *connection) beginClose() bool {
	for {
		cur := c.state.Load()
		if cur >= int32(stateClosing) {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(stateClosing)) {
			return true
		}
	}
}

func (c *connection) markClosed() { c.state.Store(int32(stateClosed)) }

// OutcomeKind tags the result of handling one inbound event.
type OutcomeKind int

const (
	// OutcomeHandled means the event was processed or silently dropped.
	OutcomeHandled OutcomeKind = iota
	// OutcomeRejected means a private error was sent; the connection stays open.
	OutcomeRejected
	// OutcomeClose means the connection must close with CloseCode.
	OutcomeClose
)

// Outcome is the tagged result of Router.Handle.
type Outcome struct {
	Kind        OutcomeKind
	Code        string
	CloseCode   int
	CloseReason string
}

var (
	handled = Outcome{Kind: OutcomeHandled}

	// errDropped marks an event that is discarded without telling the client.
	errDropped = errors.New("event dropped")
)

// RouterConfig tunes per-event validation.
type RouterConfig struct {
	MaxTextLength   int
	MaxAuthFailures int
	TypingTTL       time.Duration
}

// Router validates inbound events and performs their side effects.
type Router struct {
	gate       *HandshakeGate
	access     storage.AccessStore
	messages   storage.MessageStore
	dispatcher *broadcast.Dispatcher
	typing     *typing.Tracker
	limiter    *ratelimit.Limiter
	media      media.Resolver
	cfg        RouterConfig
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	now        func() time.Time
}

// RouterDeps are the collaborators a Router needs. Limiter and Media may be
// nil to disable rate limiting and attachments.
type RouterDeps struct {
	Gate       *HandshakeGate
	Access     storage.AccessStore
	Messages   storage.MessageStore
	Dispatcher *broadcast.Dispatcher
	Limiter    *ratelimit.Limiter
	Media      media.Resolver
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// NewRouter creates a router and its typing tracker.
func NewRouter(deps RouterDeps, cfg RouterConfig) *Router {
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}
	if cfg.MaxAuthFailures <= 0 {
		cfg.MaxAuthFailures = DefaultMaxAuthFailures
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		gate:       deps.Gate,
		access:     deps.Access,
		messages:   deps.Messages,
		dispatcher: deps.Dispatcher,
		limiter:    deps.Limiter,
		media:      deps.Media,
		cfg:        cfg,
		logger:     logger.With("component", "router"),
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		now:        time.Now,
	}
	r.typing = typing.NewTracker(cfg.TypingTTL, r.typingExpired)
	return r
}

// Close stops every typing timer.
func (r *Router) Close() {
	r.typing.Close()
}

// Handle processes one raw inbound frame for c.
func (r *Router) Handle(ctx context.Context, c *connection, raw []byte) Outcome {
	if c.State() != stateActive {
		return handled
	}
	if c.identity.Expired(r.now()) {
		r.metrics.RecordInbound(string(c.conn.Scope.Type), "unknown", "token_expired")
		return Outcome{Kind: OutcomeClose, CloseCode: models.CloseUnauthenticated, CloseReason: models.ReasonTokenExpired}
	}

	ev, eerr := decodeInbound(raw)
	ctx, span := r.tracer.TraceEvent(ctx, c.conn.Scope.String(), eventLabel(ev.Type))
	defer span.End()

	var err error
	switch {
	case eerr != nil:
		err = eerr
	case !scopeAccepts(c.conn.Scope.Type, ev.Type):
		err = eventErr(CodeUnsupportedEvent, fmt.Sprintf("%s is not supported on %s connections", ev.Type, c.conn.Scope.Type))
	default:
		err = r.dispatch(ctx, c, ev)
	}
	if err != nil {
		observability.RecordError(span, err)
	}
	return r.finish(ctx, c, ev, err)
}

func (r *Router) dispatch(ctx context.Context, c *connection, ev *inboundEvent) error {
	switch ev.Type {
	case models.EventPing:
		return r.handlePing(ctx, c, ev)
	case models.EventTyping:
		return r.handleTyping(ctx, c, ev)
	case models.EventMessage:
		return r.handleMessage(ctx, c, ev)
	case models.EventMarkRead:
		return r.handleMarkRead(ctx, c, ev)
	case models.EventReaction:
		return r.handleReaction(ctx, c, ev)
	default:
		return eventErr(CodeUnknownEvent, "unknown event type "+string(ev.Type))
	}
}

// finish turns a handler error into an Outcome and sends the private error
// event, if any.
func (r *Router) finish(ctx context.Context, c *connection, ev *inboundEvent, err error) Outcome {
	scopeType := string(c.conn.Scope.Type)
	label := eventLabel(ev.Type)

	if errors.Is(err, ErrForbidden) && c.authFailures >= r.cfg.MaxAuthFailures {
		r.metrics.RecordInbound(scopeType, label, "forbidden")
		r.logger.WarnContext(ctx, "closing connection after repeated authorization failures",
			"connection_id", c.conn.ID,
			"user_id", c.conn.UserID,
			"scope", c.conn.Scope.String(),
			"failures", c.authFailures,
		)
		if !errors.Is(err, errDropped) {
			r.sendError(ctx, c, CodeForbidden, "not allowed in this conversation", ev.Ref)
		}
		return Outcome{Kind: OutcomeClose, Code: CodeForbidden, CloseCode: models.CloseForbidden, CloseReason: models.ReasonForbidden}
	}

	switch {
	case err == nil:
		r.metrics.RecordInbound(scopeType, label, "ok")
		return handled
	case errors.Is(err, errDropped):
		r.metrics.RecordInbound(scopeType, label, "dropped")
		return handled
	case errors.Is(err, ErrForbidden):
		r.metrics.RecordInbound(scopeType, label, CodeForbidden)
		r.sendError(ctx, c, CodeForbidden, "not allowed in this conversation", ev.Ref)
		return Outcome{Kind: OutcomeRejected, Code: CodeForbidden}
	}

	var ee *EventError
	if !errors.As(err, &ee) {
		ee = wrapEventErr(CodeUnavailable, "internal error", err)
	}
	if ee.Err != nil {
		r.logger.WarnContext(ctx, "event failed",
			"connection_id", c.conn.ID,
			"event_type", label,
			"code", ee.Code,
			"error", ee.Err,
		)
	}
	r.metrics.RecordInbound(scopeType, label, ee.Code)
	r.sendError(ctx, c, ee.Code, ee.Detail, ev.Ref)
	return Outcome{Kind: OutcomeRejected, Code: ee.Code}
}

func (r *Router) sendError(ctx context.Context, c *connection, code, detail, ref string) {
	_ = r.dispatcher.Send(ctx, c.conn, errorEvent(c.conn.Scope, code, detail, ref))
}

// authorize re-checks the scope's admission rule for an
// authorization-sensitive event and tracks consecutive failures.
func (r *Router) authorize(ctx context.Context, c *connection) error {
	err := r.gate.Authorize(ctx, c.identity.User.ID, c.conn.Scope)
	switch {
	case err == nil:
		c.authFailures = 0
		return nil
	case errors.Is(err, ErrForbidden):
		c.authFailures++
		return err
	default:
		return wrapEventErr(CodeUnavailable, "authorization unavailable", err)
	}
}

func (r *Router) allow(c *connection, typ models.EventType) error {
	if r.limiter == nil {
		return nil
	}
	if !r.limiter.Allow(ratelimit.CompositeKey(c.identity.User.ID, string(typ))) {
		return eventErr(CodeRateLimited, "slow down")
	}
	return nil
}

// persist runs a store call inside a span.
func (r *Router) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := r.tracer.TraceStore(ctx, op)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		observability.RecordError(span, err)
	}
	return err
}

func (r *Router) handlePing(ctx context.Context, c *connection, ev *inboundEvent) error {
	c.conn.Touch(r.now())
	pong := models.OutboundEvent{Type: models.EventPong, Scope: c.conn.Scope}
	if ev.Ref != "" {
		pong.Payload = refPayload{Ref: ev.Ref}
	}
	_ = r.dispatcher.Send(ctx, c.conn, pong)
	return nil
}

func (r *Router) handleTyping(ctx context.Context, c *connection, ev *inboundEvent) error {
	if err := r.authorize(ctx, c); err != nil {
		return fmt.Errorf("%w: %w", errDropped, err)
	}

	scope, userID := c.conn.Scope, c.identity.User.ID
	on := ev.Typing != nil && *ev.Typing
	if on {
		r.typing.Start(scope, userID)
	} else if !r.typing.Stop(scope, userID) {
		return nil
	}
	r.broadcastTyping(ctx, scope, userID, on, broadcast.Filter{ExcludeConn: c.conn.ID})
	return nil
}

func (r *Router) broadcastTyping(ctx context.Context, scope models.ScopeKey, userID string, on bool, filter broadcast.Filter) {
	ev := models.OutboundEvent{
		Type:    models.EventTyping,
		Scope:   scope,
		Payload: models.TypingPayload{UserID: userID, Typing: on},
	}
	if _, err := r.dispatcher.Broadcast(ctx, ev, filter); err != nil {
		r.logger.ErrorContext(ctx, "broadcast typing", "scope", scope.String(), "error", err)
	}
}

func (r *Router) handleMessage(ctx context.Context, c *connection, ev *inboundEvent) error {
	if err := r.allow(c, models.EventMessage); err != nil {
		return err
	}

	scope := c.conn.Scope
	text := strings.TrimSpace(ev.Text)
	switch {
	case text == "" && len(ev.MediaKeys) == 0:
		return eventErr(CodeInvalidEvent, "text is required")
	case utf8.RuneCountInString(text) > r.cfg.MaxTextLength:
		return eventErr(CodeInvalidEvent, fmt.Sprintf("text exceeds %d characters", r.cfg.MaxTextLength))
	case len(ev.MediaKeys) > 0 && scope.Type != models.ScopeThread:
		return eventErr(CodeInvalidEvent, "media is only supported in direct messages")
	case len(ev.MediaKeys) > 0 && r.media == nil:
		return eventErr(CodeInvalidEvent, "media is disabled")
	}

	if err := r.authorize(ctx, c); err != nil {
		return err
	}

	var attachments []models.Attachment
	if len(ev.MediaKeys) > 0 {
		var err error
		attachments, err = r.media.Resolve(ctx, ev.MediaKeys)
		switch {
		case errors.Is(err, media.ErrObjectNotFound), errors.Is(err, media.ErrInvalidKey), errors.Is(err, media.ErrTooManyAttachments):
			return eventErr(CodeInvalidEvent, err.Error())
		case err != nil:
			return wrapEventErr(CodeUnavailable, "media unavailable", err)
		}
	}

	msg := &models.Message{
		Scope:       scope,
		SenderID:    c.identity.User.ID,
		Text:        text,
		ReplyToID:   string(ev.ReplyToID),
		Attachments: attachments,
	}
	if err := r.persist(ctx, "append_message", func(ctx context.Context) error {
		return r.messages.AppendMessage(ctx, msg)
	}); err != nil {
		return wrapEventErr(CodePersistenceFailed, "message was not saved", err)
	}

	if r.typing.Stop(scope, msg.SenderID) {
		r.broadcastTyping(ctx, scope, msg.SenderID, false, broadcast.Filter{ExcludeConn: c.conn.ID})
	}

	payload := models.MessagePayload{Message: *msg}
	if scope.Type == models.ScopeThread {
		payload.ThreadID = scope.ID
	} else {
		payload.PlaceID = scope.ID
	}
	out := models.OutboundEvent{Type: models.EventMessage, Scope: scope, Payload: payload, Origin: c.conn.ID}
	if _, err := r.dispatcher.Broadcast(ctx, out, broadcast.Filter{ExcludeConn: c.conn.ID}); err != nil {
		r.logger.ErrorContext(ctx, "broadcast message", "scope", scope.String(), "error", err)
	}

	r.ack(ctx, c, models.AckPayload{Ref: ev.Ref, MessageID: msg.ID, CreatedAt: msg.CreatedAt})

	if scope.Type == models.ScopeThread {
		r.notifyParticipants(ctx, msg)
	}
	return nil
}

// notifyParticipants pushes a "dm" notification to the user scope of every
// other thread participant, so clients not viewing the thread still hear
// about it.
func (r *Router) notifyParticipants(ctx context.Context, msg *models.Message) {
	participants, err := r.access.ThreadParticipants(ctx, msg.Scope.ID)
	if err != nil {
		r.metrics.RecordError("router", "thread_participants")
		r.logger.WarnContext(ctx, "resolve participants for notification",
			"thread_id", msg.Scope.ID,
			"error", err,
		)
		return
	}

	scopes := make([]models.ScopeKey, 0, len(participants))
	for _, p := range participants {
		if p != msg.SenderID {
			scopes = append(scopes, models.UserScope(p))
		}
	}
	if len(scopes) == 0 {
		return
	}
	ev := models.OutboundEvent{
		Type: models.EventNotification,
		Payload: models.NotificationPayload{
			NotificationType: "dm",
			ThreadID:         msg.Scope.ID,
			Message:          msg,
			Timestamp:        msg.CreatedAt,
		},
	}
	if _, err := r.dispatcher.Publish(ctx, scopes, ev, broadcast.Filter{}); err != nil {
		r.logger.ErrorContext(ctx, "publish dm notification", "thread_id", msg.Scope.ID, "error", err)
	}
}

func (r *Router) handleMarkRead(ctx context.Context, c *connection, ev *inboundEvent) error {
	if err := r.authorize(ctx, c); err != nil {
		return err
	}

	receipt := models.ReadReceipt{
		ThreadID:   c.conn.Scope.ID,
		UserID:     c.identity.User.ID,
		LastReadAt: r.now().UTC(),
	}
	if err := r.persist(ctx, "set_last_read", func(ctx context.Context) error {
		return r.messages.SetLastRead(ctx, receipt.ThreadID, receipt.UserID, receipt.LastReadAt)
	}); err != nil {
		return wrapEventErr(CodePersistenceFailed, "read position was not saved", err)
	}

	out := models.OutboundEvent{Type: models.EventReadReceipt, Scope: c.conn.Scope, Payload: receipt, Origin: c.conn.ID}
	if _, err := r.dispatcher.Broadcast(ctx, out, broadcast.Filter{ExcludeConn: c.conn.ID}); err != nil {
		r.logger.ErrorContext(ctx, "broadcast read receipt", "error", err)
	}
	r.ack(ctx, c, models.AckPayload{Ref: ev.Ref, CreatedAt: receipt.LastReadAt})
	return nil
}

func (r *Router) handleReaction(ctx context.Context, c *connection, ev *inboundEvent) error {
	if err := r.allow(c, models.EventReaction); err != nil {
		return err
	}
	if err := r.authorize(ctx, c); err != nil {
		return err
	}

	threadID := c.conn.Scope.ID
	reaction := &models.Reaction{
		MessageID: string(ev.MessageID),
		UserID:    c.identity.User.ID,
		Emoji:     ev.Emoji,
		CreatedAt: r.now().UTC(),
	}
	err := r.persist(ctx, "add_reaction", func(ctx context.Context) error {
		return r.messages.AddReaction(ctx, threadID, reaction)
	})
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		return eventErr(CodeAlreadyReacted, "you already reacted with this emoji")
	case errors.Is(err, storage.ErrNotFound):
		return eventErr(CodeNotFound, "message not found in this thread")
	case err != nil:
		return wrapEventErr(CodePersistenceFailed, "reaction was not saved", err)
	}

	out := models.OutboundEvent{
		Type:    models.EventReaction,
		Scope:   c.conn.Scope,
		Payload: models.ReactionPayload{ThreadID: threadID, Reaction: *reaction},
		Origin:  c.conn.ID,
	}
	if _, err := r.dispatcher.Broadcast(ctx, out, broadcast.Filter{ExcludeConn: c.conn.ID}); err != nil {
		r.logger.ErrorContext(ctx, "broadcast reaction", "error", err)
	}
	r.ack(ctx, c, models.AckPayload{Ref: ev.Ref, MessageID: reaction.MessageID, CreatedAt: reaction.CreatedAt})
	return nil
}

func (r *Router) ack(ctx context.Context, c *connection, payload models.AckPayload) {
	_ = r.dispatcher.Send(ctx, c.conn, models.OutboundEvent{Type: models.EventAck, Scope: c.conn.Scope, Payload: payload})
}

// Disconnect clears the user's typing indicator in the connection's scope
// and tells the rest of the scope if one was active.
func (r *Router) Disconnect(ctx context.Context, c *connection) {
	scope, userID := c.conn.Scope, c.conn.UserID
	if r.typing.Clear(scope, userID) {
		r.broadcastTyping(ctx, scope, userID, false, broadcast.Filter{ExcludeUser: userID})
	}
}

func (r *Router) typingExpired(scope models.ScopeKey, userID string) {
	r.broadcastTyping(context.Background(), scope, userID, false, broadcast.Filter{ExcludeUser: userID})
}

func eventLabel(t models.EventType) string {
	if _, ok := wsSchemas.events[t]; ok {
		return string(t)
	}
	return "unknown"
}
