package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/retry"
	"github.com/rendis/flowpilot/pkg/schema"
)

// executeStep is the single atomic call for one step. On error nothing has
// been merged and the error is a REMOTE_EXECUTION_FAILURE.
func (e *FlowExecutor) executeStep(ctx context.Context, exec *registry.Execution, stepID string) (*schema.StepResult, error) {
	serviceType := exec.ServiceType()
	ctx, span := e.startSpan(ctx, "flowpilot.execute_step", exec.ID(), stepID, serviceType)
	defer span.End()

	if err := e.breakers.Allow(serviceType); err != nil {
		endSpan(span, err)
		return nil, remoteFailure(err, exec.ID(), stepID)
	}

	req := schema.StepRequest{
		ExecutionID: exec.ID(),
		StepID:      stepID,
		Context:     exec.Context(),
		ServiceType: serviceType,
		Session:     e.cfg.Session,
	}

	var res *schema.StepResult
	err := retry.Do(ctx, e.cfg.RemoteRetry, func(ctx context.Context, attempt int) error {
		span.SetAttributes(attribute.Int("flowpilot.attempt", attempt+1))
		var err error
		res, err = e.authority.ExecuteStep(ctx, req)
		return err
	})
	if err != nil {
		// Rejections prove the authority is reachable; only transport-level
		// failures count against the breaker.
		if schema.AsFlowError(err).IsRetryable() || schema.HasCode(err, schema.ErrCodeRetryExhausted) {
			if e.breakers.Failure(serviceType, err) {
				e.rec.emit(ctx, exec, stepID, schema.EventCircuitBreakerOpen, e.breakers.Stats(serviceType))
				e.logger.ErrorContext(ctx, "circuit opened for service type", "error", err)
			}
		}
		endSpan(span, err)
		return nil, remoteFailure(err, exec.ID(), stepID)
	}
	e.breakers.Success(serviceType)

	if res == nil {
		res = &schema.StepResult{}
	}
	span.SetAttributes(
		attribute.String("flowpilot.next_step", res.NextStepID),
		attribute.Bool("flowpilot.auto_continue", res.ShouldAutoContinue),
		attribute.Bool("flowpilot.paused_for_decision", res.PausedForDecision),
		attribute.Int("flowpilot.events", len(res.Events)),
	)
	endSpan(span, nil)
	return res, nil
}

func (e *FlowExecutor) startSpan(ctx context.Context, name, executionID, stepID, serviceType string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("flowpilot.execution_id", executionID),
			attribute.String("flowpilot.step_id", stepID),
			attribute.String("flowpilot.service_type", serviceType),
		))
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, schema.CodeOf(err))
}

// remoteFailure normalises any error from the remote path to
// REMOTE_EXECUTION_FAILURE, keeping the original as the cause.
func remoteFailure(err error, executionID, stepID string) error {
	if schema.HasCode(err, schema.ErrCodeRemoteExecution) {
		return schema.AsFlowError(err).WithExecution(executionID).WithStep(stepID)
	}
	return schema.NewErrorf(schema.ErrCodeRemoteExecution, "step %q: %s", stepID, err.Error()).
		WithExecution(executionID).WithStep(stepID).WithCause(err).
		WithDetails(map[string]any{"cause_code": schema.CodeOf(err)})
}
