package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/config"
	"github.com/haasonsaas/pulse/internal/media"
	"github.com/haasonsaas/pulse/internal/observability"
	"github.com/haasonsaas/pulse/internal/ratelimit"
	"github.com/haasonsaas/pulse/internal/storage"
)

func authConfig(cfg config.AuthConfig) auth.Config {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Name: k.Name})
	}
	return auth.Config{
		JWTSecret:   cfg.JWTSecret,
		TokenExpiry: cfg.TokenExpiry,
		APIKeys:     keys,
	}
}

func rateLimitConfig(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		Enabled:           cfg.Enabled,
		RequestsPerSecond: cfg.RequestsPerSecond,
		BurstSize:         cfg.BurstSize,
	}
}

func traceConfig(cfg config.TracingConfig) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Endpoint,
		SamplingRate:   cfg.SamplingRate,
		EnableInsecure: cfg.Insecure,
	}
}

func s3Config(cfg config.MediaConfig) *media.S3Config {
	out := media.DefaultS3Config()
	out.Bucket = cfg.Bucket
	if cfg.Region != "" {
		out.Region = cfg.Region
	}
	out.Endpoint = cfg.Endpoint
	out.Prefix = cfg.Prefix
	out.AccessKeyID = cfg.AccessKeyID
	out.SecretAccessKey = cfg.SecretKey
	out.UsePathStyle = cfg.UsePathStyle
	if cfg.PresignTTL > 0 {
		out.PresignTTL = cfg.PresignTTL
	}
	if cfg.MaxAttachments > 0 {
		out.MaxAttachments = cfg.MaxAttachments
	}
	return out
}

func postgresConfig(cfg config.DatabaseConfig) *storage.PostgresConfig {
	out := storage.DefaultPostgresConfig()
	if cfg.MaxConnections > 0 {
		out.MaxOpenConns = cfg.MaxConnections
	}
	if cfg.MaxIdle > 0 {
		out.MaxIdleConns = cfg.MaxIdle
	}
	if cfg.ConnMaxLifetime > 0 {
		out.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnectTimeout > 0 {
		out.ConnectTimeout = cfg.ConnectTimeout
	}
	return out
}

// openStore connects to Postgres, or returns the in-memory store when no
// database URL is configured.
func openStore(cfg config.DatabaseConfig, logger *slog.Logger) (storage.Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		logger.Warn("database.url is empty, using the in-memory store")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewPostgresStoreFromDSN(cfg.URL, postgresConfig(cfg))
}

// openMedia returns nil when media is disabled.
func openMedia(ctx context.Context, cfg config.MediaConfig) (media.Resolver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := media.NewS3Store(ctx, s3Config(cfg))
	if err != nil {
		return nil, err
	}
	return store, nil
}
