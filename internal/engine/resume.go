package engine

import (
	"context"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/retry"
	"github.com/rendis/flowpilot/pkg/schema"
)

// userSelectionKey is the context key holding an accumulated selection that
// travels with the next decision submission.
const userSelectionKey = "userSelection"

func (e *FlowExecutor) Resume(ctx context.Context, executionID string, d schema.Decision) (*WalkResult, error) {
	exec, err := e.lookup(executionID)
	if err != nil {
		return nil, err
	}
	current := exec.CurrentStep()
	ctx = logging.WithIDs(ctx, executionID, current, exec.ServiceType())

	if err := e.decisions.ValidateResume(executionID, d.StepID, current); err != nil {
		e.rejectStale(ctx, exec, current, d)
		return nil, err
	}
	if err := e.decisions.ValidateOption(executionID, current, d.Value); err != nil {
		return nil, err
	}
	if e.afterResumeValidated != nil {
		e.afterResumeValidated(executionID)
	}

	// Another resumption may have moved the execution on since current was
	// read; BeginAt only flips Paused to Running if it is still there.
	if _, err := e.fsm.BeginAt(ctx, exec, current, schema.StatePaused); err != nil {
		if schema.HasCode(err, schema.ErrCodeStaleResumption) {
			e.rejectStale(ctx, exec, current, d)
		} else {
			e.logger.WarnContext(ctx, "resume ignored", "error", err)
		}
		return nil, err
	}

	selection := d.SelectionData
	if selection == nil {
		if sel, ok := exec.Context()[userSelectionKey].(map[string]any); ok {
			selection = sel
		}
	}
	sub := schema.DecisionSubmission{
		WorkflowID:    executionID,
		Decision:      d.Value,
		StepID:        current,
		SelectionData: selection,
	}
	if err := e.submitDecision(ctx, exec.ServiceType(), sub); err != nil {
		exec.SetLastError(err)
		e.logger.ErrorContext(ctx, "decision submission failed", "error", err)
		if terr := e.fsm.Transition(ctx, exec, schema.StatePaused, map[string]any{"reason": "submission failed"}); terr != nil {
			e.logger.WarnContext(ctx, "could not re-pause execution", "error", terr)
		}
		return e.result(exec, 0), err
	}

	exec.Merge(map[string]any{
		"decision":            d.Value,
		current + "_decision": d.Value,
	})
	exec.MarkDecided(current)
	e.decisions.Resolve(ctx, executionID, current, d.Value)
	e.rec.emit(ctx, exec, current, schema.EventDecisionResolved, map[string]any{"decision": d.Value})
	e.logger.InfoContext(ctx, "decision applied", "decision", d.Value)

	return e.walk(ctx, exec)
}

func (e *FlowExecutor) rejectStale(ctx context.Context, exec *registry.Execution, step string, d schema.Decision) {
	e.rec.emit(ctx, exec, step, schema.EventDecisionRejected, map[string]any{
		"declared_step": d.StepID, "decision": d.Value,
	})
	e.logger.WarnContext(ctx, "stale resumption rejected", "declared_step", d.StepID)
}

func (e *FlowExecutor) submitDecision(ctx context.Context, serviceType string, sub schema.DecisionSubmission) error {
	ctx, span := e.startSpan(ctx, "flowpilot.submit_decision", sub.WorkflowID, sub.StepID, serviceType)
	defer span.End()

	err := retry.Do(ctx, e.cfg.RemoteRetry, func(ctx context.Context, _ int) error {
		return e.authority.SubmitDecision(ctx, sub)
	})
	endSpan(span, err)
	return err
}
