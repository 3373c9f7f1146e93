package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", ServiceType(ctx))

	ctx = WithIDs(ctx, "exec-1", "select", "movie")
	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "select", StepID(ctx))
	assert.Equal(t, "movie", ServiceType(ctx))

	ctx = WithIDs(ctx, "", "pay", "")
	assert.Equal(t, "exec-1", ExecutionID(ctx), "empty values do not shadow")
	assert.Equal(t, "pay", StepID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithIDs(context.Background(), "exec-abc", "select", "")
	LogWith(ctx, logger).Info("paused")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-abc")
	assert.Contains(t, out, "step_id=select")
	assert.NotContains(t, out, "service_type")
	assert.Contains(t, out, "paused")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", false)

	ctx := WithIDs(context.Background(), "exec-9", "", "ticket")
	logger.InfoContext(ctx, "remote call", "attempt", 2)

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-9")
	assert.Contains(t, out, "service_type=ticket")
	assert.Contains(t, out, "attempt=2")
	assert.NotContains(t, out, "trace_id")
}

func TestCorrelationHandler_TraceID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	New(&buf, "info", true).InfoContext(ctx, "traced")
	assert.Contains(t, buf.String(), `"trace_id":"`+span.SpanContext().TraceID().String()+`"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))

	var buf bytes.Buffer
	New(&buf, "warn", false).Info("hidden")
	assert.Empty(t, buf.String())
}
