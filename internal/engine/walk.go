package engine

import (
	"context"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/pkg/schema"
)

// walk advances exec from its current step until it pauses, completes,
// faults, yields idle or hits the auto-continue bound. The caller must own
// the driver (exec is running).
func (e *FlowExecutor) walk(ctx context.Context, exec *registry.Execution) (*WalkResult, error) {
	def := exec.Definition()
	hops := 0

	for {
		current := exec.CurrentStep()
		stepCtx := logging.WithIDs(ctx, exec.ID(), current, exec.ServiceType())

		if st := exec.State(); st != schema.StateRunning {
			return e.result(exec, hops), schema.NewErrorf(schema.ErrCodeConflict,
				"execution left running state (%s) during walk", st).WithExecution(exec.ID())
		}

		step := def.StepByID(current)
		if step == nil {
			err := schema.NewErrorf(schema.ErrCodeStepNotFound, "step %q is not in definition %q", current, def.Name).
				WithExecution(exec.ID()).WithStep(current)
			return e.fault(stepCtx, exec, hops, err)
		}

		exec.Enter(current, e.now())
		e.rec.emit(stepCtx, exec, current, schema.EventStepEntered, nil)

		if step.IsDecision() && !exec.Decided() {
			return e.pauseAtDecision(stepCtx, exec, step, hops)
		}

		res, err := e.executeStep(stepCtx, exec, current)
		if err != nil {
			return e.yield(stepCtx, exec, hops, err)
		}
		written := exec.Merge(res.UpdatedContext)
		e.rec.emit(stepCtx, exec, current, schema.EventStepExecuted, map[string]any{
			"next_step": res.NextStepID, "auto_continue": res.ShouldAutoContinue, "written": written,
		})

		if def.IsFinal(current) {
			return e.complete(stepCtx, exec, hops)
		}

		if res.PausedForDecision {
			e.decisions.FromStepResult(stepCtx, exec.ID(), current, res.Events)
			if p, ok := e.decisions.Pending(exec.ID()); !ok || p.StepID != current {
				e.decisions.Open(stepCtx, schema.DecisionRequest{
					ExecutionID: exec.ID(), StepID: current, Type: res.DecisionType,
				})
			}
			return e.pause(stepCtx, exec, hops)
		}
		// Events may announce a decision for the next step before we get there.
		if len(res.Events) > 0 && res.NextStepID != "" {
			e.decisions.FromStepResult(stepCtx, exec.ID(), res.NextStepID, res.Events)
		}

		if res.NextStepID == "" {
			err := schema.NewErrorf(schema.ErrCodeNoTransition, "step %q returned no next step", current).
				WithExecution(exec.ID()).WithStep(current)
			return e.fault(stepCtx, exec, hops, err)
		}

		exec.Advance(res.NextStepID)

		// Entering a decision step only opens a prompt, so it happens even
		// without an auto-continue signal.
		next := def.StepByID(res.NextStepID)
		advance := res.ShouldAutoContinue || (next != nil && next.IsDecision())
		if !advance {
			return e.idle(stepCtx, exec, hops, "yield")
		}
		if hops >= e.cfg.MaxAutoContinueDepth {
			return e.recursionLimit(stepCtx, exec, hops)
		}
		hops++
	}
}

// pauseAtDecision runs the step's pre-decision side effects and opens the
// decision request built from the step's own prompt and options.
func (e *FlowExecutor) pauseAtDecision(ctx context.Context, exec *registry.Execution, step *schema.Step, hops int) (*WalkResult, error) {
	res, err := e.executeStep(ctx, exec, step.ID)
	if err != nil {
		return e.yield(ctx, exec, hops, err)
	}
	exec.Merge(res.UpdatedContext)

	live := exec.Context()
	options := make([]schema.DecisionOption, len(step.DecisionOptions))
	for i, o := range step.DecisionOptions {
		options[i] = schema.DecisionOption{
			Value: expressions.ResolveString(o.Value, live),
			Label: expressions.ResolveString(o.Label, live),
		}
	}
	typ := res.DecisionType
	if typ == "" {
		typ = schema.DecisionTypeDecision
	}

	e.decisions.Open(ctx, schema.DecisionRequest{
		ExecutionID: exec.ID(),
		StepID:      step.ID,
		Type:        typ,
		Prompt:      expressions.ResolveString(step.DecisionPrompt, live),
		Options:     options,
		Timeout:     step.Timeout,
	})
	e.decisions.FromStepResult(ctx, exec.ID(), step.ID, res.Events)
	return e.pause(ctx, exec, hops)
}

func (e *FlowExecutor) pause(ctx context.Context, exec *registry.Execution, hops int) (*WalkResult, error) {
	if err := e.fsm.Transition(ctx, exec, schema.StatePaused, nil); err != nil {
		return e.result(exec, hops), err
	}
	e.logger.InfoContext(ctx, "execution paused for decision")
	return e.result(exec, hops), nil
}

func (e *FlowExecutor) complete(ctx context.Context, exec *registry.Execution, hops int) (*WalkResult, error) {
	if err := e.fsm.Transition(ctx, exec, schema.StateCompleted, nil); err != nil {
		return e.result(exec, hops), err
	}
	e.registry.Remove(exec.ID())
	e.decisions.Clear(ctx, exec.ID())
	e.logger.InfoContext(ctx, "execution completed", "history", exec.HistoryLen())
	return e.result(exec, hops), nil
}

func (e *FlowExecutor) idle(ctx context.Context, exec *registry.Execution, hops int, reason string) (*WalkResult, error) {
	if err := e.fsm.Transition(ctx, exec, schema.StateIdle, map[string]any{"reason": reason}); err != nil {
		return e.result(exec, hops), err
	}
	return e.result(exec, hops), nil
}

// yield handles a failed remote call: nothing was merged, the execution
// stays at the same step and goes idle so a later Continue can retry.
func (e *FlowExecutor) yield(ctx context.Context, exec *registry.Execution, hops int, err error) (*WalkResult, error) {
	exec.SetLastError(err)
	e.rec.emit(ctx, exec, exec.CurrentStep(), schema.EventStepFailed, map[string]any{"error": err.Error()})
	e.logger.ErrorContext(ctx, "step execution failed", "error", err)
	res, terr := e.idle(ctx, exec, hops, "remote failure")
	if terr != nil {
		e.logger.WarnContext(ctx, "could not idle execution after failure", "error", terr)
	}
	return res, err
}

func (e *FlowExecutor) fault(ctx context.Context, exec *registry.Execution, hops int, err error) (*WalkResult, error) {
	exec.SetLastError(err)
	if terr := e.fsm.Transition(ctx, exec, schema.StateFaulted, map[string]any{"error": err.Error()}); terr != nil {
		e.logger.WarnContext(ctx, "could not fault execution", "error", terr)
	}
	e.logger.ErrorContext(ctx, "execution faulted", "error", err)
	return e.result(exec, hops), err
}

// recursionLimit stops an auto-continue chain. The execution is left idle at
// the last nextStepId and the limit is reported to the caller.
func (e *FlowExecutor) recursionLimit(ctx context.Context, exec *registry.Execution, hops int) (*WalkResult, error) {
	err := schema.NewErrorf(schema.ErrCodeRecursionLimit,
		"auto-continue stopped after %d hops at step %q", hops, exec.CurrentStep()).
		WithExecution(exec.ID()).WithStep(exec.CurrentStep()).
		WithDetails(map[string]any{"max_depth": e.cfg.MaxAutoContinueDepth})
	e.rec.emit(ctx, exec, exec.CurrentStep(), schema.EventRecursionLimit, map[string]any{"hops": hops})
	e.logger.WarnContext(ctx, "auto-continue limit reached", "hops", hops)
	res, terr := e.idle(ctx, exec, hops, "recursion limit")
	if terr != nil {
		return res, terr
	}
	return res, err
}

func (e *FlowExecutor) result(exec *registry.Execution, hops int) *WalkResult {
	r := &WalkResult{
		ExecutionID: exec.ID(),
		State:       exec.State(),
		CurrentStep: exec.CurrentStep(),
		Hops:        hops,
	}
	if r.State == schema.StatePaused {
		if p, ok := e.decisions.Pending(exec.ID()); ok {
			r.Pending = p
		}
	}
	return r
}

