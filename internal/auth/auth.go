package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/pulse/pkg/models"
)

var (
	ErrAuthDisabled      = errors.New("auth disabled")
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("token expired")
	ErrInvalidKey        = errors.New("invalid api key")
)

// Config configures authentication helpers.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
}

// APIKeyConfig declares a static API key and associated identity.
type APIKeyConfig struct {
	Key    string
	UserID string
	Name   string
}

// Identity is the verified caller behind a credential.
type Identity struct {
	User models.User

	// ExpiresAt is the token expiry; zero for credentials that do not expire.
	ExpiresAt time.Time

	// Service is set for API-key callers.
	Service bool
}

// Expired reports whether the identity's credential has lapsed at now.
func (i *Identity) Expired(now time.Time) bool {
	return i != nil && !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Credential is what a client presented at connect time.
type Credential struct {
	Token  string
	APIKey string
}

// Empty reports whether no credential was presented.
func (c Credential) Empty() bool {
	return strings.TrimSpace(c.Token) == "" && strings.TrimSpace(c.APIKey) == ""
}

// Service validates JWTs and API keys.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]models.User
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{apiKeys: buildAPIKeyMap(cfg.APIKeys)}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	return service
}

// Enabled reports whether any credential type is configured.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues a signed token for the given user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// Verify resolves a credential to an identity. A bearer token takes
// precedence over an API key when both are present.
func (s *Service) Verify(_ context.Context, cred Credential) (*Identity, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	if token := strings.TrimSpace(cred.Token); token != "" {
		if s.jwt == nil {
			return nil, ErrInvalidToken
		}
		return s.jwt.Validate(token)
	}
	if key := strings.TrimSpace(cred.APIKey); key != "" {
		user, err := s.ValidateAPIKey(key)
		if err != nil {
			return nil, err
		}
		return &Identity{User: user, Service: true}, nil
	}
	return nil, ErrMissingCredential
}

// ValidateAPIKey validates an API key and returns the associated user.
// Every stored key is compared in constant time.
func (s *Service) ValidateAPIKey(key string) (models.User, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return models.User{}, ErrInvalidKey
	}
	input := []byte(strings.TrimSpace(key))
	var matched *models.User
	for storedKey, user := range s.apiKeys {
		if subtle.ConstantTimeCompare(input, []byte(storedKey)) == 1 {
			u := user
			matched = &u
		}
	}
	if matched == nil {
		return models.User{}, ErrInvalidKey
	}
	return *matched, nil
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]models.User {
	out := map[string]models.User{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		userID := strings.TrimSpace(entry.UserID)
		if key == "" || userID == "" {
			continue
		}
		out[key] = models.User{ID: userID, Name: strings.TrimSpace(entry.Name)}
	}
	return out
}
