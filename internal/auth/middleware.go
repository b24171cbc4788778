package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// CredentialFromRequest collects whatever the client presented. Browsers
// cannot set headers on a WebSocket upgrade, so the ?token= query parameter
// is accepted alongside the Authorization and API key headers.
func CredentialFromRequest(r *http.Request) Credential {
	cred := Credential{
		Token:  extractBearer(r.Header),
		APIKey: extractAPIKey(r.Header),
	}
	if cred.Token == "" {
		cred.Token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return cred
}

// Middleware rejects requests without a valid credential and stores the
// resolved identity in the request context.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return middleware(service, logger, false)
}

// ServiceMiddleware is like Middleware but only admits API-key callers.
func ServiceMiddleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return middleware(service, logger, true)
}

func middleware(service *Service, logger *slog.Logger, serviceOnly bool) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := CredentialFromRequest(r)
			if serviceOnly {
				cred.Token = ""
			}
			identity, err := service.Verify(r.Context(), cred)
			if err != nil {
				logger.WarnContext(r.Context(), "http auth failed", "path", r.URL.Path, "error", err)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func extractBearer(h http.Header) string {
	for _, value := range h.Values("Authorization") {
		if len(value) > len("bearer ") && strings.EqualFold(value[:len("bearer ")], "bearer ") {
			return strings.TrimSpace(value[len("bearer "):])
		}
	}
	return ""
}

func extractAPIKey(h http.Header) string {
	for _, key := range []string{"X-API-Key", "Api-Key"} {
		if value := strings.TrimSpace(h.Get(key)); value != "" {
			return value
		}
	}
	return ""
}
