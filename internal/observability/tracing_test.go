package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, recorder
}

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	if tracer == nil {
		t.Fatal("expected tracer")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	_, span := tracer.TraceHandshake(context.Background(), "thread:1")
	span.End()
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.TraceEvent(context.Background(), "thread:1", "ping")
	if ctx == nil || span == nil {
		t.Fatal("expected usable context and span")
	}
	span.End()
}

func TestTraceEventRecordsAttributes(t *testing.T) {
	tracer, recorder := newRecordingTracer()

	_, span := tracer.TraceEvent(context.Background(), "thread:9", "message")
	SetAttributes(span, "pulse.targets", 3)
	RecordError(span, errors.New("persist failed"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name() != "ws.event.message" {
		t.Errorf("Name() = %q", got.Name())
	}
	if got.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", got.Status().Code)
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range got.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["pulse.scope"].AsString() != "thread:9" {
		t.Errorf("pulse.scope = %v", attrs["pulse.scope"])
	}
	if attrs["pulse.targets"].AsInt64() != 3 {
		t.Errorf("pulse.targets = %v", attrs["pulse.targets"])
	}
}

func TestGetTraceID(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Fatalf("GetTraceID() = %q, want empty", id)
	}
	tracer, _ := newRecordingTracer()
	ctx, span := tracer.TraceBroadcast(context.Background(), "user:1", "presence")
	defer span.End()
	if id := GetTraceID(ctx); id == "" {
		t.Fatal("expected trace id")
	}
}
