package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the main configuration structure for Pulse.
type Config struct {
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Media     MediaConfig     `yaml:"media"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port the WebSocket/HTTP listener binds to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// MetricsAddr returns the host:port for the Prometheus listener, or "" when
// metrics are disabled.
func (s ServerConfig) MetricsAddr() string {
	if s.MetricsPort <= 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.Host, s.MetricsPort)
}

// DatabaseConfig points at the persistence store. An empty URL selects the
// in-memory store, which is only suitable for development.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdle         int           `yaml:"max_idle"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig maps a static key to a service identity. Keys are used by
// internal callers such as the notification push endpoint.
type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Name   string `yaml:"name"`
}

// RealtimeConfig tunes connection handling.
type RealtimeConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	TypingTTL       time.Duration `yaml:"typing_ttl"`
	SendBuffer      int           `yaml:"send_buffer"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	MaxTextLength   int           `yaml:"max_text_length"`
	MaxAuthFailures int           `yaml:"max_auth_failures"`
	PlaceChatWindow time.Duration `yaml:"place_chat_window"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// RateLimitConfig bounds how fast one user may send messages and reactions.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// MediaConfig enables attachment keys on thread messages.
type MediaConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Bucket         string        `yaml:"bucket"`
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	Prefix         string        `yaml:"prefix"`
	AccessKeyID    string        `yaml:"access_key_id"`
	SecretKey      string        `yaml:"secret_access_key"`
	UsePathStyle   bool          `yaml:"use_path_style"`
	PresignTTL     time.Duration `yaml:"presign_ttl"`
	MaxAttachments int           `yaml:"max_attachments"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// ConfigValidationError collects every problem found in a loaded config.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Load reads, merges and validates the config at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied, used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.MaxIdle == 0 {
		cfg.Database.MaxIdle = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}

	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}

	rt := &cfg.Realtime
	if rt.IdleTimeout == 0 {
		rt.IdleTimeout = 60 * time.Second
	}
	if rt.WriteTimeout == 0 {
		rt.WriteTimeout = 10 * time.Second
	}
	if rt.DeliveryTimeout == 0 {
		rt.DeliveryTimeout = 3 * time.Second
	}
	if rt.TypingTTL == 0 {
		rt.TypingTTL = 5 * time.Second
	}
	if rt.SendBuffer == 0 {
		rt.SendBuffer = 64
	}
	if rt.MaxMessageBytes == 0 {
		rt.MaxMessageBytes = 64 << 10
	}
	if rt.MaxTextLength == 0 {
		rt.MaxTextLength = 4000
	}
	if rt.MaxAuthFailures == 0 {
		rt.MaxAuthFailures = 3
	}
	if rt.PlaceChatWindow == 0 {
		rt.PlaceChatWindow = 12 * time.Hour
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 2
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 10
	}

	if cfg.Media.PresignTTL == 0 {
		cfg.Media.PresignTTL = 15 * time.Minute
	}
	if cfg.Media.MaxAttachments == 0 {
		cfg.Media.MaxAttachments = 4
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "pulse"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}
}

// Validate reports every inconsistent setting at once.
func Validate(cfg *Config) error {
	var issues []string

	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		issues = append(issues, "server.http_port must be between 0 and 65535")
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		issues = append(issues, "server.metrics_port must be between 0 and 65535")
	}
	if cfg.Server.MetricsPort != 0 && cfg.Server.MetricsPort == cfg.Server.HTTPPort {
		issues = append(issues, "server.metrics_port must differ from server.http_port")
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" && len(cfg.Auth.APIKeys) == 0 {
		issues = append(issues, "auth.jwt_secret or auth.api_keys is required")
	}
	if secret := cfg.Auth.JWTSecret; secret != "" && len(secret) < 32 {
		issues = append(issues, "auth.jwt_secret must be at least 32 characters")
	}
	for i, key := range cfg.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].key is required", i))
		}
		if strings.TrimSpace(key.UserID) == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].user_id is required", i))
		}
	}

	rt := cfg.Realtime
	if rt.DeliveryTimeout <= 0 {
		issues = append(issues, "realtime.delivery_timeout must be positive")
	}
	if rt.IdleTimeout < time.Second {
		issues = append(issues, "realtime.idle_timeout must be at least 1s")
	}
	if rt.TypingTTL <= 0 {
		issues = append(issues, "realtime.typing_ttl must be positive")
	}
	if rt.SendBuffer < 1 {
		issues = append(issues, "realtime.send_buffer must be at least 1")
	}
	if rt.MaxAuthFailures < 1 {
		issues = append(issues, "realtime.max_auth_failures must be at least 1")
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerSecond <= 0 {
		issues = append(issues, "rate_limit.requests_per_second must be positive")
	}

	if cfg.Media.Enabled && strings.TrimSpace(cfg.Media.Bucket) == "" {
		issues = append(issues, "media.bucket is required when media is enabled")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", cfg.Logging.Format))
	}

	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
