package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/streaming"
)

// recorder fans one execution event out to the journal and the hub. Both
// are optional; failures are logged and never stop an execution.
type recorder struct {
	journal store.Journal
	hub     streaming.EventHub
	logger  *slog.Logger
}

func (r *recorder) emit(ctx context.Context, exec *registry.Execution, stepID, eventType string, payload map[string]any) {
	now := time.Now().UTC()

	if r.journal != nil {
		var raw json.RawMessage
		if len(payload) > 0 {
			data, err := json.Marshal(payload)
			if err != nil {
				r.logger.WarnContext(ctx, "encode journal payload", "event", eventType, "error", err)
			} else {
				raw = data
			}
		}
		ev := &store.Event{
			ExecutionID: exec.ID(),
			ServiceType: exec.ServiceType(),
			StepID:      stepID,
			Type:        eventType,
			Payload:     raw,
			Timestamp:   now,
		}
		if err := r.journal.AppendEvent(ctx, ev); err != nil {
			r.logger.WarnContext(ctx, "journal append failed", "event", eventType, "error", err)
		}
	}

	if r.hub != nil {
		fe := streaming.FlowEvent{
			ExecutionID: exec.ID(),
			ServiceType: exec.ServiceType(),
			StepID:      stepID,
			Type:        eventType,
			Payload:     payload,
			Timestamp:   now,
		}
		if err := r.hub.Publish(ctx, fe); err != nil {
			r.logger.WarnContext(ctx, "hub publish failed", "event", eventType, "error", err)
		}
	}

	r.logger.DebugContext(logging.WithIDs(ctx, exec.ID(), stepID, exec.ServiceType()), eventType)
}
