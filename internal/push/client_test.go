package push

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/decision"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/retry"
	"github.com/rendis/flowpilot/pkg/schema"
)

type recordingSink struct {
	mu    sync.Mutex
	notes []schema.PushNotification
	err   error
}

func (s *recordingSink) Ingest(_ context.Context, note schema.PushNotification) (*schema.DecisionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, note)
	if s.err != nil {
		return nil, s.err
	}
	return &schema.DecisionRequest{}, nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

// streamServer upgrades each connection and hands it to script, which
// receives the 0-based connection number.
func streamServer(t *testing.T, script func(n int, conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(int(n.Add(1)-1), conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// holdOpen blocks until the client goes away.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func decisionNote(execID string) schema.PushNotification {
	return schema.PushNotification{
		Type: schema.RemoteEventDecisionRequired,
		Data: map[string]any{"executionId": execID, "stepId": "select", "prompt": "Pick one"},
	}
}

func fastReconnect(attempts int) Option {
	return WithReconnect(retry.Policy{MaxAttempts: attempts, Backoff: retry.BackoffConstant, Delay: time.Millisecond})
}

func TestRun_ForwardsNotifications(t *testing.T) {
	_, url := streamServer(t, func(_ int, conn *websocket.Conn) {
		_ = conn.WriteJSON(decisionNote("e1"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteJSON(decisionNote("e2"))
		holdOpen(conn)
	})
	sink := &recordingSink{}
	c := NewClient(url, sink, fastReconnect(3))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "e1", sink.notes[0].Data["executionId"])
	assert.Equal(t, "e2", sink.notes[1].Data["executionId"])

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	st := c.Stats()
	assert.Equal(t, int64(1), st.Connects)
	assert.Equal(t, int64(2), st.Received)
	assert.Equal(t, int64(2), st.Ingested)
	assert.Equal(t, int64(1), st.Malformed)
}

func TestRun_ReconnectsAfterDrop(t *testing.T) {
	_, url := streamServer(t, func(n int, conn *websocket.Conn) {
		_ = conn.WriteJSON(decisionNote("e1"))
		if n == 0 {
			return // drop the first connection
		}
		holdOpen(conn)
	})
	sink := &recordingSink{}
	c := NewClient(url, sink, fastReconnect(5))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, c.Stats().Connects, int64(2))
}

func TestRun_GivesUpWhenUnreachable(t *testing.T) {
	srv, url := streamServer(t, func(int, *websocket.Conn) {})
	srv.Close()

	c := NewClient(url, &recordingSink{}, fastReconnect(2))
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
	assert.True(t, schema.HasCode(err, schema.ErrCodeRetryExhausted))
}

func TestRun_CountsIgnoredNotifications(t *testing.T) {
	_, url := streamServer(t, func(_ int, conn *websocket.Conn) {
		_ = conn.WriteJSON(decisionNote("ghost"))
		holdOpen(conn)
	})
	sink := &recordingSink{err: schema.NewError(schema.ErrCodeCorrelationMiss, "no execution")}
	c := NewClient(url, sink, fastReconnect(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Stats().Ignored == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Stats().Ingested)
}

func TestRun_FeedsCoordinator(t *testing.T) {
	def := (&schema.WorkflowDefinition{
		Name: "movie", ServiceType: "movie", InitialStep: "select",
		Steps:      []schema.Step{{ID: "select", Kind: schema.StepKindDecision}, {ID: "done"}},
		FinalSteps: []string{"done"},
	}).Index()
	reg := registry.New()
	exec, err := reg.Create(def, "movie", nil)
	require.NoError(t, err)
	coord := decision.New(reg, decision.Config{})

	_, url := streamServer(t, func(_ int, conn *websocket.Conn) {
		_ = conn.WriteJSON(schema.PushNotification{
			Type: schema.RemoteEventDecisionRequired,
			Data: map[string]any{
				"workflowId": exec.ID(),
				"prompt":     "Which showing?",
				"options":    []any{map[string]any{"value": "A", "label": "20:30"}},
			},
		})
		holdOpen(conn)
	})
	c := NewClient(url, coord, fastReconnect(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := coord.Pending(exec.ID())
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	p, _ := coord.Pending(exec.ID())
	assert.Equal(t, "select", p.StepID, "missing stepId falls back to the current step")
	assert.Equal(t, "Which showing?", p.Prompt)
	require.Len(t, p.Options, 1)
	assert.Equal(t, "A", p.Options[0].Value)
}
