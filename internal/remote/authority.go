// Package remote is the orchestrator's view of the step authority: the
// service that owns definitions, executes steps atomically and accepts
// decisions.
package remote

import (
	"context"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Authority is the remote contract. Implementations must be safe for
// concurrent use.
type Authority interface {
	// FetchDefinition serves GET /workflow/{serviceType}.
	FetchDefinition(ctx context.Context, serviceType string) (*schema.WorkflowDefinition, error)
	// ExecuteStep serves POST /workflow/execute-step. A returned error means
	// nothing may be merged into the execution context.
	ExecuteStep(ctx context.Context, req schema.StepRequest) (*schema.StepResult, error)
	// SubmitDecision serves POST /workflow/decision.
	SubmitDecision(ctx context.Context, sub schema.DecisionSubmission) error
}

// Rejected builds the error for an authority that answered success:false.
// It is never retried: the step may already have had side effects.
func Rejected(op, msg string) *schema.FlowError {
	if msg == "" {
		msg = "authority rejected the request"
	}
	return schema.NewErrorf(schema.ErrCodeRemoteExecution, "%s: %s", op, msg).
		WithDetails(map[string]any{schema.DetailRejected: true, "op": op})
}
