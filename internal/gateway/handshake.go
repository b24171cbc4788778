package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/observability"
	"github.com/haasonsaas/pulse/internal/storage"
	"github.com/haasonsaas/pulse/pkg/models"
)

// DefaultPlaceChatWindow is how recent a check-in must be to join place chat.
const DefaultPlaceChatWindow = 12 * time.Hour

// Authenticator resolves a credential to an identity.
type Authenticator interface {
	Verify(ctx context.Context, cred auth.Credential) (*auth.Identity, error)
}

// VerdictKind tags a handshake result.
type VerdictKind int

const (
	Admitted VerdictKind = iota
	Rejected
)

// Verdict is the outcome of a handshake. Identity is set when Admitted;
// CloseCode, Reason and Err are set when Rejected.
type Verdict struct {
	Kind      VerdictKind
	Identity  *auth.Identity
	CloseCode int
	Reason    string
	Err       error
}

func admitted(identity *auth.Identity) Verdict {
	return Verdict{Kind: Admitted, Identity: identity}
}

func rejected(err error) Verdict {
	v := Verdict{Kind: Rejected, Err: err}
	switch {
	case errors.Is(err, ErrUnauthenticated):
		v.CloseCode, v.Reason = models.CloseUnauthenticated, models.ReasonUnauthorized
		if errors.Is(err, auth.ErrExpiredToken) {
			v.Reason = models.ReasonTokenExpired
		}
	case errors.Is(err, ErrForbidden):
		v.CloseCode, v.Reason = models.CloseForbidden, models.ReasonForbidden
	default:
		v.CloseCode, v.Reason = models.CloseInternalError, models.ReasonUnavailable
	}
	return v
}

// result names the verdict for metrics.
func (v Verdict) result() string {
	if v.Kind == Admitted {
		return "admitted"
	}
	switch v.CloseCode {
	case models.CloseUnauthenticated:
		return "unauthenticated"
	case models.CloseForbidden:
		return "forbidden"
	default:
		return "unavailable"
	}
}

// HandshakeGate authenticates a connection attempt and applies the scope's
// admission rules. It has no side effects beyond the lookups it performs.
type HandshakeGate struct {
	auth        Authenticator
	access      storage.AccessStore
	placeWindow time.Duration
	now         func() time.Time
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
}

// NewHandshakeGate creates a gate. A non-positive placeWindow selects
// DefaultPlaceChatWindow.
func NewHandshakeGate(authn Authenticator, access storage.AccessStore, placeWindow time.Duration, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *HandshakeGate {
	if placeWindow <= 0 {
		placeWindow = DefaultPlaceChatWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HandshakeGate{
		auth:        authn,
		access:      access,
		placeWindow: placeWindow,
		now:         time.Now,
		logger:      logger.With("component", "handshake"),
		metrics:     metrics,
		tracer:      tracer,
	}
}

// Evaluate authenticates cred and authorizes the identity for scope.
func (g *HandshakeGate) Evaluate(ctx context.Context, cred auth.Credential, scope models.ScopeKey) Verdict {
	ctx, span := g.tracer.TraceHandshake(ctx, scope.String())
	defer span.End()

	v := g.evaluate(ctx, cred, scope)
	g.metrics.RecordHandshake(string(scope.Type), v.result())
	if v.Kind == Rejected {
		observability.SetAttributes(span, "pulse.close_code", v.CloseCode)
		observability.RecordError(span, v.Err)
	}
	return v
}

func (g *HandshakeGate) evaluate(ctx context.Context, cred auth.Credential, scope models.ScopeKey) Verdict {
	if cred.Empty() {
		return rejected(fmt.Errorf("%w: %w", ErrUnauthenticated, auth.ErrMissingCredential))
	}
	identity, err := g.auth.Verify(ctx, cred)
	if err != nil {
		return rejected(fmt.Errorf("%w: %w", ErrUnauthenticated, err))
	}
	if identity.Expired(g.now()) {
		return rejected(fmt.Errorf("%w: %w", ErrUnauthenticated, auth.ErrExpiredToken))
	}
	if err := g.Authorize(ctx, identity.User.ID, scope); err != nil {
		return rejected(err)
	}
	return admitted(identity)
}

// Authorize applies the scope's admission rule to userID. It returns nil,
// an error wrapping ErrForbidden, or one wrapping ErrUnavailable. The router
// calls it again for authorization-sensitive events.
func (g *HandshakeGate) Authorize(ctx context.Context, userID string, scope models.ScopeKey) error {
	switch scope.Type {
	case models.ScopeUser:
		if userID == "" || userID != scope.ID {
			return fmt.Errorf("%w: user scope belongs to another user", ErrForbidden)
		}
		return nil

	case models.ScopeThread:
		member, err := g.access.IsMember(ctx, scope.ID, userID)
		if err != nil {
			return g.unavailable(ctx, "is_member", scope, err)
		}
		if !member {
			return fmt.Errorf("%w: not an accepted participant", ErrForbidden)
		}
		participants, err := g.access.ThreadParticipants(ctx, scope.ID)
		if err != nil {
			return g.unavailable(ctx, "thread_participants", scope, err)
		}
		for _, other := range participants {
			if other == userID {
				continue
			}
			blocked, err := g.access.IsBlocked(ctx, userID, other)
			if err != nil {
				return g.unavailable(ctx, "is_blocked", scope, err)
			}
			if blocked {
				return fmt.Errorf("%w: blocked", ErrForbidden)
			}
		}
		return nil

	case models.ScopePlace:
		since := g.now().Add(-g.placeWindow)
		ok, err := g.access.HasRecentCheckIn(ctx, userID, scope.ID, since)
		if err != nil {
			return g.unavailable(ctx, "has_recent_check_in", scope, err)
		}
		if !ok {
			return fmt.Errorf("%w: no recent check-in", ErrForbidden)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown scope type %q", ErrForbidden, scope.Type)
}

func (g *HandshakeGate) unavailable(ctx context.Context, op string, scope models.ScopeKey, err error) error {
	g.metrics.RecordError("handshake", op)
	g.logger.ErrorContext(ctx, "authorization lookup failed",
		"operation", op,
		"scope", scope.String(),
		"error", err,
	)
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
