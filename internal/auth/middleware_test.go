package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/pulse/pkg/models"
)

func serveWithMiddleware(t *testing.T, service *Service, req *http.Request) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var seen *Identity
	handler := Middleware(service, slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareRejectsWhenDisabled(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/presence/7", nil)
	rec, seen := serveWithMiddleware(t, NewService(Config{}), req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if seen != nil {
		t.Fatal("handler should not run")
	}
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/v1/presence/7", nil)
	rec, _ := serveWithMiddleware(t, service, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret", TokenExpiry: time.Hour})
	token, err := service.GenerateJWT(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/presence/7", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, seen := serveWithMiddleware(t, service, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if seen == nil || seen.User.ID != "user-1" {
		t.Fatalf("identity = %+v", seen)
	}
	if seen.Service {
		t.Fatal("JWT caller should not be marked as a service")
	}
}

func TestMiddlewareAcceptsAPIKey(t *testing.T) {
	service := NewService(Config{
		APIKeys: []APIKeyConfig{{Key: "key-1", UserID: "svc", Name: "Service"}},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/presence/7", nil)
	req.Header.Set("X-API-Key", "key-1")
	rec, seen := serveWithMiddleware(t, service, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if seen == nil || seen.User.ID != "svc" || !seen.Service {
		t.Fatalf("identity = %+v", seen)
	}
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret", TokenExpiry: time.Minute})
	service.jwt.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := service.GenerateJWT(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}
	service.jwt.now = time.Now

	req := httptest.NewRequest(http.MethodGet, "/v1/presence/7?token="+token, nil)
	rec, _ := serveWithMiddleware(t, service, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
