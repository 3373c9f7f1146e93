package store

import (
	"encoding/json"
	"time"
)

// Event is an immutable journal entry describing one execution transition.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	ServiceType string          `json:"service_type,omitempty"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// EventFilter narrows QueryEvents. Zero fields match everything.
type EventFilter struct {
	ExecutionID string
	StepID      string
	Type        string
	Since       *time.Time
	Limit       int
}

func (f EventFilter) matches(e *Event) bool {
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if f.StepID != "" && e.StepID != f.StepID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}
