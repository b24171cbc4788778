package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/config"
	"github.com/haasonsaas/pulse/internal/gateway"
	"github.com/haasonsaas/pulse/internal/observability"
	"github.com/haasonsaas/pulse/internal/ratelimit"
)

// runServe implements the serve command: load config, build the stack, run
// until SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, level := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	if debug {
		level.Set(slog.LevelDebug)
	}
	slog.SetDefault(logger)

	logger.Info("starting pulse gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"http_addr", cfg.Server.Addr(),
		"metrics_addr", cfg.Server.MetricsAddr(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer := observability.NewTracer(traceConfig(cfg.Tracing))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, err := openStore(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	resolver, err := openMedia(ctx, cfg.Media)
	if err != nil {
		return fmt.Errorf("failed to open media store: %w", err)
	}

	limiter := ratelimit.NewLimiter(rateLimitConfig(cfg.RateLimit))

	server, err := gateway.NewServer(gateway.Options{
		Config:  cfg,
		Auth:    auth.NewService(authConfig(cfg.Auth)),
		Store:   store,
		Media:   resolver,
		Limiter: limiter,
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		if !debug {
			level.Set(observability.LogLevelFromString(next.Logging.Level))
		}
		limiter.Update(rateLimitConfig(next.RateLimit))
		logger.Info("config reloaded",
			"log_level", next.Logging.Level,
			"rate_limit_enabled", next.RateLimit.Enabled,
		)
	}, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if addr := cfg.Server.MetricsAddr(); addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, addr, registry, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("pulse gateway stopped gracefully")
	return nil
}

// serveMetrics exposes /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting metrics server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
