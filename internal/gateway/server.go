// Package gateway serves the realtime WebSocket endpoints and the small HTTP
// surface around them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/broadcast"
	"github.com/haasonsaas/pulse/internal/config"
	"github.com/haasonsaas/pulse/internal/media"
	"github.com/haasonsaas/pulse/internal/observability"
	"github.com/haasonsaas/pulse/internal/presence"
	"github.com/haasonsaas/pulse/internal/ratelimit"
	"github.com/haasonsaas/pulse/internal/registry"
	"github.com/haasonsaas/pulse/internal/storage"
	"github.com/haasonsaas/pulse/pkg/models"
)

// Options wires a Server. Store and Auth are required; Media, Limiter,
// Metrics and Tracer are optional.
type Options struct {
	Config  *config.Config
	Auth    *auth.Service
	Store   storage.Store
	Media   media.Resolver
	Limiter *ratelimit.Limiter
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Server owns the connection registry and every component built on it.
type Server struct {
	config     *config.Config
	auth       *auth.Service
	store      storage.Store
	registry   *registry.Registry
	dispatcher *broadcast.Dispatcher
	presence   *presence.Tracker
	gate       *HandshakeGate
	router     *Router
	metrics    *observability.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	sessionCfg sessionConfig

	httpServer *http.Server
}

// NewServer builds a server from opts.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("gateway: config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if !opts.Auth.Enabled() {
		return nil, errors.New("gateway: auth service has no credentials configured")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := opts.Config.Realtime

	reg := registry.New()
	dispatcher := broadcast.NewDispatcher(reg, broadcast.Config{DeliveryTimeout: rt.DeliveryTimeout}, logger, opts.Metrics, opts.Tracer)
	gate := NewHandshakeGate(opts.Auth, opts.Store, rt.PlaceChatWindow, logger, opts.Metrics, opts.Tracer)
	router := NewRouter(RouterDeps{
		Gate:       gate,
		Access:     opts.Store,
		Messages:   opts.Store,
		Dispatcher: dispatcher,
		Limiter:    opts.Limiter,
		Media:      opts.Media,
		Logger:     logger,
		Metrics:    opts.Metrics,
		Tracer:     opts.Tracer,
	}, RouterConfig{
		MaxTextLength:   rt.MaxTextLength,
		MaxAuthFailures: rt.MaxAuthFailures,
		TypingTTL:       rt.TypingTTL,
	})

	s := &Server{
		config:     opts.Config,
		auth:       opts.Auth,
		store:      opts.Store,
		registry:   reg,
		dispatcher: dispatcher,
		presence:   presence.NewTracker(reg, opts.Store, dispatcher, logger, opts.Metrics),
		gate:       gate,
		router:     router,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "gateway"),
		sessionCfg: sessionConfig{
			SendBuffer:   rt.SendBuffer,
			WriteTimeout: rt.WriteTimeout,
			IdleTimeout:  rt.IdleTimeout,
			MaxBytes:     rt.MaxMessageBytes,
		},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(rt.AllowedOrigins),
	}
	reg.Observe(s.observeRegistry)
	return s, nil
}

// Registry exposes the connection registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws/dms/{threadID}", s.serveWS(models.ScopeThread, "threadID"))
	mux.HandleFunc("GET /ws/user/{userID}", s.serveWS(models.ScopeUser, "userID"))
	mux.HandleFunc("GET /ws/places/{placeID}/chat", s.serveWS(models.ScopePlace, "placeID"))
	mux.Handle("GET /v1/presence/{userID}", auth.Middleware(s.auth, s.logger)(http.HandlerFunc(s.handlePresence)))
	mux.Handle("POST /internal/users/{userID}/notifications", auth.ServiceMiddleware(s.auth, s.logger)(http.HandlerFunc(s.handleNotification)))
	return mux
}

// Run serves HTTP on the configured address and runs the presence loop
// until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting http server", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.presence.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown closes every connection with 1001 and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	closed := s.registry.CloseAll(models.CloseGoingAway, models.ReasonShutdown)
	s.router.Close()
	s.logger.Info("closed realtime connections", "count", closed)
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}

func (s *Server) observeRegistry(c registry.Change) {
	scopeType := string(c.Conn.Scope.Type)
	if c.Kind == registry.Added {
		s.metrics.ConnectionOpened(scopeType)
		return
	}
	s.metrics.ConnectionClosed(scopeType)
	if c.Evicted {
		s.metrics.RecordEviction("replaced")
	}
}

// serveWS upgrades first so that rejections can carry a close code, then
// runs the handshake, admits the connection and reads until it closes.
func (s *Server) serveWS(scopeType models.ScopeType, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := models.ScopeKey{Type: scopeType, ID: strings.TrimSpace(r.PathValue(param))}
		if scope.ID == "" {
			http.Error(w, "missing scope id", http.StatusBadRequest)
			return
		}
		cred := auth.CredentialFromRequest(r)

		wsConn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "scope", scope.String(), "error", err)
			return
		}

		connID := uuid.NewString()
		ctx := observability.AddConnectionID(context.WithoutCancel(r.Context()), connID)
		ctx = observability.AddScope(ctx, scope.String())
		session := newWSSession(connID, wsConn, s.sessionCfg, s.logger)
		go session.writeLoop()

		verdict := s.gate.Evaluate(ctx, cred, scope)
		if verdict.Kind == Rejected {
			s.logger.InfoContext(ctx, "handshake rejected",
				"close_code", verdict.CloseCode,
				"error", verdict.Err,
			)
			_ = session.Close(verdict.CloseCode, verdict.Reason)
			return
		}

		identity := verdict.Identity
		ctx = observability.AddUserID(ctx, identity.User.ID)
		conn := registry.NewConnection(connID, identity.User.ID, scope, session)
		c := newConnection(conn, identity)

		if evicted := s.registry.Admit(conn); evicted != nil {
			s.logger.InfoContext(ctx, "replaced existing connection", "evicted_connection_id", evicted.ID)
		}
		c.activate()
		s.logger.DebugContext(ctx, "connection admitted")

		code, reason := session.readLoop(func(raw []byte) {
			out := s.router.Handle(ctx, c, raw)
			if out.Kind == OutcomeClose && c.beginClose() {
				_ = session.Close(out.CloseCode, out.CloseReason)
			}
		})
		s.cleanup(ctx, c, session, code, reason)
	}
}

// cleanup runs once the read loop ends: registry removal and typing
// cleanup, then the transport close.
func (s *Server) cleanup(ctx context.Context, c *connection, session *wsSession, code int, reason string) {
	c.beginClose()

	s.registry.Remove(c.conn)
	// A replacement connection for the same user and scope keeps the typing
	// state alive.
	if _, replaced := s.registry.Get(c.conn.Scope, c.conn.UserID); !replaced {
		s.router.Disconnect(ctx, c)
	}

	_ = session.Close(code, reason)
	c.markClosed()
	s.logger.DebugContext(ctx, "connection closed",
		"close_code", session.closeCode,
		"close_reason", session.closeReason,
		"duration", time.Since(c.conn.EstablishedAt).String(),
	)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Len(),
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userID"))
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"online":  s.presence.Online(userID),
	})
}

// notificationRequest is the body other services post to push a user-wide
// notification (new follower, like, check-in nearby, ...).
type notificationRequest struct {
	NotificationType string         `json:"notification_type"`
	ThreadID         string         `json:"thread_id,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userID"))
	var req notificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.NotificationType) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "notification_type is required"})
		return
	}

	ev := models.OutboundEvent{
		Type:  models.EventNotification,
		Scope: models.UserScope(userID),
		Payload: models.NotificationPayload{
			NotificationType: req.NotificationType,
			ThreadID:         req.ThreadID,
			Data:             req.Data,
			Timestamp:        time.Now().UTC(),
		},
	}
	res, err := s.dispatcher.Broadcast(r.Context(), ev, broadcast.Filter{})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"targets":   res.Targets,
		"delivered": res.Delivered,
	})
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
