// Package observability carries the metrics, structured logging and tracing
// shared by the realtime gateway.
//
// # Metrics
//
// Metrics are Prometheus collectors registered on a caller-supplied
// registerer, so tests can use a private registry:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ConnectionOpened("thread")
//	metrics.RecordDelivery("message", "ok")
//
// Every method is safe on a nil *Metrics, which records nothing.
//
// # Logging
//
// NewLogger builds a slog.Logger whose handler copies connection, user and
// scope identifiers from the context onto each record and redacts bearer
// tokens and API keys:
//
//	logger, level := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddConnectionID(ctx, connID)
//	logger.InfoContext(ctx, "connection admitted")
//	level.Set(slog.LevelDebug)
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// is otherwise a no-op. Span helpers cover the handshake, each inbound
// event, each broadcast and each store call:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "pulse"})
//	defer shutdown(context.Background())
//	ctx, span := tracer.TraceBroadcast(ctx, scope, "message")
//	defer span.End()
package observability
