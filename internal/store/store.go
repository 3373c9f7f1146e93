package store

import "context"

// Journal is the diagnostic sink for execution transitions. It is write
// mostly: the execution table is never rebuilt from it.
// Implementations must be safe for concurrent use.
type Journal interface {
	// AppendEvent assigns the next per-execution sequence and stores event.
	AppendEvent(ctx context.Context, event *Event) error
	// GetEvents returns the events of one execution with sequence > since, in order.
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	// QueryEvents returns matching events, newest first.
	QueryEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	Close() error
}
