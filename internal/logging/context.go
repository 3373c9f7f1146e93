package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	stepIDKey
	serviceTypeKey
)

// Attribute names shared by every component.
const (
	AttrExecutionID = "execution_id"
	AttrStepID      = "step_id"
	AttrServiceType = "service_type"
	AttrTraceID     = "trace_id"
)

func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

func WithServiceType(ctx context.Context, serviceType string) context.Context {
	return context.WithValue(ctx, serviceTypeKey, serviceType)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// ServiceType extracts the service type from the context, or "" if absent.
func ServiceType(ctx context.Context) string {
	v, _ := ctx.Value(serviceTypeKey).(string)
	return v
}

// WithIDs sets the execution, step and service type at once. Empty values
// are skipped so an outer value is not shadowed.
func WithIDs(ctx context.Context, executionID, stepID, serviceType string) context.Context {
	if executionID != "" {
		ctx = WithExecutionID(ctx, executionID)
	}
	if stepID != "" {
		ctx = WithStepID(ctx, stepID)
	}
	if serviceType != "" {
		ctx = WithServiceType(ctx, serviceType)
	}
	return ctx
}

// correlationAttrs returns the non-empty correlation attributes in ctx,
// including the active trace id when a span is recording.
func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := ExecutionID(ctx); v != "" {
		attrs = append(attrs, slog.String(AttrExecutionID, v))
	}
	if v := StepID(ctx); v != "" {
		attrs = append(attrs, slog.String(AttrStepID, v))
	}
	if v := ServiceType(ctx); v != "" {
		attrs = append(attrs, slog.String(AttrServiceType, v))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, slog.String(AttrTraceID, sc.TraceID().String()))
	}
	return attrs
}

// LogWith returns logger enriched with the correlation IDs in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects correlation IDs from
// the record's context, so logger.InfoContext(ctx, ...) carries them.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
