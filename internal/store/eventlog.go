package store

import (
	"context"
	"fmt"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Trail is the reconstructed path of one execution through its steps.
type Trail struct {
	ExecutionID string                `json:"execution_id"`
	ServiceType string                `json:"service_type,omitempty"`
	Steps       []schema.HistoryEntry `json:"steps"`
	LastEvent   string                `json:"last_event,omitempty"`
	Decisions   int                   `json:"decisions"`
}

// ReplayTrail rebuilds an execution's step history from the journal.
// A sequence gap means the journal lost writes and is reported as STORE_ERROR.
func ReplayTrail(ctx context.Context, j Journal, executionID string) (*Trail, error) {
	events, err := j.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	if len(events) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no journal entries for execution %s", executionID).
			WithExecution(executionID)
	}

	trail := &Trail{ExecutionID: executionID}
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap: expected %d, got %d", want, e.Sequence).WithExecution(executionID)
		}
		if e.ServiceType != "" {
			trail.ServiceType = e.ServiceType
		}
		switch e.Type {
		case schema.EventStepEntered:
			trail.Steps = append(trail.Steps, schema.HistoryEntry{Step: e.StepID, Timestamp: e.Timestamp})
		case schema.EventDecisionResolved:
			trail.Decisions++
		}
		trail.LastEvent = e.Type
	}
	return trail, nil
}
