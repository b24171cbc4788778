package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/observability"
	"github.com/haasonsaas/pulse/internal/storage"
	"github.com/haasonsaas/pulse/pkg/models"
)

// failingAccess fails every lookup.
type failingAccess struct {
	storage.AccessStore
}

var errLookup = errors.New("db unreachable")

func (failingAccess) IsMember(context.Context, string, string) (bool, error) {
	return false, errLookup
}

func (failingAccess) HasRecentCheckIn(context.Context, string, string, time.Time) (bool, error) {
	return false, errLookup
}

func newGateFixture(t *testing.T) (*HandshakeGate, *auth.Service, *storage.MemoryStore, *observability.Metrics) {
	t.Helper()
	store := storage.NewMemoryStore()
	store.PutThread("t1", "1", "2", storage.ThreadAccepted)
	store.PutThread("t2", "1", "3", storage.ThreadPending)
	store.AddCheckIn("1", "p1", time.Now().Add(-time.Hour))
	store.AddCheckIn("2", "p1", time.Now().Add(-13*time.Hour))

	authn := auth.NewService(auth.Config{
		JWTSecret:   "secret",
		TokenExpiry: time.Hour,
		APIKeys:     []auth.APIKeyConfig{{Key: "svc", UserID: "1"}},
	})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	gate := NewHandshakeGate(authn, store, 0, testLogger(), metrics, nil)
	return gate, authn, store, metrics
}

func tokenFor(t *testing.T, authn *auth.Service, userID string) auth.Credential {
	t.Helper()
	token, err := authn.GenerateJWT(&models.User{ID: userID})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}
	return auth.Credential{Token: token}
}

func TestHandshakeGateEvaluate(t *testing.T) {
	gate, authn, store, _ := newGateFixture(t)
	store.PutThread("t3", "1", "4", storage.ThreadAccepted)
	store.SetBlocked("t3", "4", true)

	tests := []struct {
		name   string
		cred   auth.Credential
		scope  models.ScopeKey
		kind   VerdictKind
		code   int
		reason string
	}{
		{name: "thread member", cred: tokenFor(t, authn, "1"), scope: models.ThreadScope("t1"), kind: Admitted},
		{name: "other member", cred: tokenFor(t, authn, "2"), scope: models.ThreadScope("t1"), kind: Admitted},
		{name: "own user scope", cred: tokenFor(t, authn, "2"), scope: models.UserScope("2"), kind: Admitted},
		{name: "recent check-in", cred: tokenFor(t, authn, "1"), scope: models.PlaceScope("p1"), kind: Admitted},
		{name: "api key", cred: auth.Credential{APIKey: "svc"}, scope: models.UserScope("1"), kind: Admitted},

		{name: "no credential", scope: models.ThreadScope("t1"), kind: Rejected, code: models.CloseUnauthenticated, reason: models.ReasonUnauthorized},
		{name: "garbage token", cred: auth.Credential{Token: "nope"}, scope: models.ThreadScope("t1"), kind: Rejected, code: models.CloseUnauthenticated},
		{name: "non member", cred: tokenFor(t, authn, "3"), scope: models.ThreadScope("t1"), kind: Rejected, code: models.CloseForbidden},
		{name: "pending thread", cred: tokenFor(t, authn, "1"), scope: models.ThreadScope("t2"), kind: Rejected, code: models.CloseForbidden},
		{name: "blocked by peer", cred: tokenFor(t, authn, "1"), scope: models.ThreadScope("t3"), kind: Rejected, code: models.CloseForbidden},
		{name: "someone else's user scope", cred: tokenFor(t, authn, "1"), scope: models.UserScope("2"), kind: Rejected, code: models.CloseForbidden},
		{name: "stale check-in", cred: tokenFor(t, authn, "2"), scope: models.PlaceScope("p1"), kind: Rejected, code: models.CloseForbidden},
		{name: "never checked in", cred: tokenFor(t, authn, "3"), scope: models.PlaceScope("p1"), kind: Rejected, code: models.CloseForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := gate.Evaluate(context.Background(), tt.cred, tt.scope)
			if v.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v (err %v)", v.Kind, tt.kind, v.Err)
			}
			if tt.kind == Admitted {
				if v.Identity == nil {
					t.Fatal("admitted verdict without identity")
				}
				return
			}
			if v.CloseCode != tt.code {
				t.Fatalf("CloseCode = %d, want %d", v.CloseCode, tt.code)
			}
			if tt.reason != "" && v.Reason != tt.reason {
				t.Fatalf("Reason = %q, want %q", v.Reason, tt.reason)
			}
		})
	}
}

func TestHandshakeGateExpiredToken(t *testing.T) {
	gate, authn, _, _ := newGateFixture(t)
	cred := tokenFor(t, authn, "1")
	gate.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	v := gate.Evaluate(context.Background(), cred, models.ThreadScope("t1"))
	if v.Kind != Rejected || v.CloseCode != models.CloseUnauthenticated {
		t.Fatalf("verdict = %+v", v)
	}
	if v.Reason != models.ReasonTokenExpired {
		t.Fatalf("Reason = %q, want %q", v.Reason, models.ReasonTokenExpired)
	}
	if !errors.Is(v.Err, ErrUnauthenticated) || !errors.Is(v.Err, auth.ErrExpiredToken) {
		t.Fatalf("Err = %v", v.Err)
	}
}

func TestHandshakeGateLookupFailure(t *testing.T) {
	_, authn, _, metrics := newGateFixture(t)
	gate := NewHandshakeGate(authn, failingAccess{}, 0, testLogger(), metrics, nil)

	for _, scope := range []models.ScopeKey{models.ThreadScope("t1"), models.PlaceScope("p1")} {
		v := gate.Evaluate(context.Background(), tokenFor(t, authn, "1"), scope)
		if v.Kind != Rejected || v.CloseCode != models.CloseInternalError {
			t.Fatalf("%s: verdict = %+v, want 1011", scope, v)
		}
		if !errors.Is(v.Err, ErrUnavailable) || !errors.Is(v.Err, errLookup) {
			t.Fatalf("%s: Err = %v", scope, v.Err)
		}
	}
	if got := testutil.ToFloat64(metrics.Handshakes.WithLabelValues("thread", "unavailable")); got != 1 {
		t.Fatalf("unavailable handshakes = %v, want 1", got)
	}
}

func TestHandshakeGateRecordsResults(t *testing.T) {
	gate, authn, _, metrics := newGateFixture(t)
	gate.Evaluate(context.Background(), tokenFor(t, authn, "1"), models.ThreadScope("t1"))
	gate.Evaluate(context.Background(), tokenFor(t, authn, "3"), models.ThreadScope("t1"))
	gate.Evaluate(context.Background(), auth.Credential{}, models.ThreadScope("t1"))

	for result, want := range map[string]float64{"admitted": 1, "forbidden": 1, "unauthenticated": 1} {
		if got := testutil.ToFloat64(metrics.Handshakes.WithLabelValues("thread", result)); got != want {
			t.Errorf("%s = %v, want %v", result, got, want)
		}
	}
}

func TestAuthorizeUnknownScope(t *testing.T) {
	gate, _, _, _ := newGateFixture(t)
	err := gate.Authorize(context.Background(), "1", models.ScopeKey{Type: "room", ID: "1"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Authorize() error = %v, want ErrForbidden", err)
	}
}
