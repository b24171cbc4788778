package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" (default) or "text".
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	AddSource bool

	// RedactPatterns extend DefaultRedactPatterns.
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// ConnectionIDKey carries the WebSocket connection ID.
	ConnectionIDKey ContextKey = "connection_id"

	// UserIDKey carries the authenticated user ID.
	UserIDKey ContextKey = "user_id"

	// ScopeKey carries the "type:id" scope a connection joined.
	ScopeKey ContextKey = "scope"

	// RequestIDKey carries an HTTP request ID.
	RequestIDKey ContextKey = "request_id"
)

var contextFields = []ContextKey{RequestIDKey, ConnectionIDKey, UserIDKey, ScopeKey}

// DefaultRedactPatterns match credentials that can end up in URLs, headers or
// error strings. The WebSocket handshake accepts ?token= so query strings are
// covered too.
var DefaultRedactPatterns = []string{
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`(?i)(bearer)\s+[a-zA-Z0-9_\-\.]{16,}`,
	`(?i)([?&]token=)[^&\s]+`,
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?[a-zA-Z0-9_\-]{16,}["']?`,
	`(?i)(secret|password)[\s:=]+["']?[^\s"']{8,}["']?`,
}

// NewLogger builds a slog logger that adds correlation fields from the context
// and scrubs secrets from messages and string attributes. The returned
// LevelVar can be adjusted at runtime, e.g. on config reload.
func NewLogger(config LogConfig) (*slog.Logger, *slog.LevelVar) {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	level := new(slog.LevelVar)
	level.Set(LogLevelFromString(config.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	patterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return slog.New(&contextHandler{next: handler, redacts: redacts}), level
}

// contextHandler decorates records with context fields and redacts secrets.
type contextHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.redact(r.Message), r.PC)
	if ctx != nil {
		for _, key := range contextFields {
			if v, ok := ctx.Value(key).(string); ok && v != "" {
				out.AddAttrs(slog.String(string(key), v))
			}
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &contextHandler{next: h.next.WithAttrs(redacted), redacts: h.redacts}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{next: h.next.WithGroup(name), redacts: h.redacts}
}

func (h *contextHandler) redactAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redact(v.String()))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, len(group))
		for i, ga := range group {
			out[i] = h.redactAttr(ga)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, h.redact(err.Error()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func (h *contextHandler) redact(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// AddConnectionID adds a connection ID to the context.
func AddConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, id)
}

// AddUserID adds a user ID to the context.
func AddUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// AddScope adds a scope key to the context.
func AddScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, ScopeKey, scope)
}

// AddRequestID adds a request ID to the context.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
