package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/pkg/schema"
)

// notifiedEvents are forwarded to the session watching the execution.
var notifiedEvents = []string{
	schema.EventDecisionPending,
	schema.EventDecisionUpdated,
	schema.EventDecisionOverdue,
	schema.EventExecutionCompleted,
	schema.EventExecutionFaulted,
	schema.EventExecutionAbandoned,
}

// terminalEvent reports whether no further notifications follow for the execution.
func terminalEvent(eventType string) bool {
	switch eventType {
	case schema.EventExecutionCompleted, schema.EventExecutionFaulted, schema.EventExecutionAbandoned:
		return true
	}
	return false
}

// ForwardEvents pushes hub events to the MCP session that owns each
// execution until ctx ends. Best-effort: events for executions without a
// connected session are dropped.
func (s *FlowServer) ForwardEvents(ctx context.Context) error {
	if s.hub == nil {
		return errors.New("no event hub configured")
	}
	events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{Types: notifiedEvents})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.notify(ev); err != nil {
				s.logger.Warn("mcp notification failed", "execution_id", ev.ExecutionID, "error", err)
			}
		}
	}
}

// notify sends one event to its execution's session.
func (s *FlowServer) notify(ev streaming.FlowEvent) error {
	sessionID, ok := s.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return nil
	}
	if terminalEvent(ev.Type) {
		s.sessions.Forget(ev.ExecutionID)
	}
	err := s.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"execution_id": ev.ExecutionID,
		"step_id":      ev.StepID,
		"event_type":   ev.Type,
		"payload":      ev.Payload,
		"timestamp":    ev.Timestamp,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		s.sessions.Remove(sessionID)
		return nil
	}
	return err
}
