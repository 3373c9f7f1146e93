package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan FlowEvent) FlowEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return FlowEvent{}
	}
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, FlowEvent{ExecutionID: "e1", StepID: "select", Type: "decision_pending"}))

	got := receive(t, ch)
	assert.Equal(t, "e1", got.ExecutionID)
	assert.Equal(t, "select", got.StepID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestMemoryHub_Filters(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "e1", Types: []string{"decision_pending"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, FlowEvent{ExecutionID: "e2", Type: "decision_pending"}))
	require.NoError(t, hub.Publish(ctx, FlowEvent{ExecutionID: "e1", Type: "step_entered"}))
	require.NoError(t, hub.Publish(ctx, FlowEvent{ExecutionID: "e1", Type: "decision_pending", StepID: "select"}))

	got := receive(t, ch)
	assert.Equal(t, "select", got.StepID)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestMemoryHub_CancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub(0)
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestMemoryHub_ContextEndUnsubscribes(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, _, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancelCtx()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-ch
	assert.False(t, open)
}

func TestMemoryHub_SlowSubscriberDrops(t *testing.T) {
	hub := NewMemoryHub(1)
	ctx := context.Background()
	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish(ctx, FlowEvent{ExecutionID: "e1", Type: "step_entered"}))
	}
	assert.Equal(t, int64(2), hub.Dropped())
}

func TestMemoryHub_SubscribeFunc(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	cancel, err := hub.SubscribeFunc(ctx, EventFilter{}, func(ev FlowEvent) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, FlowEvent{Type: "a"}))
	require.NoError(t, hub.Publish(ctx, FlowEvent{Type: "b"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryHub_PublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, hub.Publish(ctx, FlowEvent{Type: "a"}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}
