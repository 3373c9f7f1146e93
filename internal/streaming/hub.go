package streaming

import (
	"context"
	"time"
)

// FlowEvent is a real-time notification about an execution or its pending
// decision.
type FlowEvent struct {
	ExecutionID string    `json:"execution_id"`
	ServiceType string    `json:"service_type,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	Type        string    `json:"event_type"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter selects the events a subscriber receives. Zero fields match all.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"event_types,omitempty"`
}

// EventHub is the in-process fan-out used in place of reactive subjects.
type EventHub interface {
	Publish(ctx context.Context, event FlowEvent) error
	// Subscribe returns a channel and a cancel func. The channel is closed
	// by cancel or when ctx ends.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan FlowEvent, func(), error)
}
