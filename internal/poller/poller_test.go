package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/decision"
	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/pkg/schema"
)

type fakeContinuer struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeContinuer) Continue(_ context.Context, id string) (*engine.WalkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return &engine.WalkResult{ExecutionID: id, State: schema.StatePaused}, nil
}

func (f *fakeContinuer) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func definition() *schema.WorkflowDefinition {
	return (&schema.WorkflowDefinition{
		Name: "movie", ServiceType: "movie", InitialStep: "select",
		Steps:      []schema.Step{{ID: "select", Kind: schema.StepKindDecision}, {ID: "done"}},
		FinalSteps: []string{"done"},
	}).Index()
}

func create(t *testing.T, reg *registry.Registry, state schema.ExecutionState) *registry.Execution {
	t.Helper()
	exec, err := reg.Create(definition(), "movie", nil)
	require.NoError(t, err)
	exec.SetState(state)
	return exec
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New(Deps{}, Config{Schedule: "every now and then"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestNext_FollowsSchedule(t *testing.T) {
	p, err := New(Deps{}, Config{Schedule: "@every 10s"})
	require.NoError(t, err)
	from := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(10*time.Second), p.Next(from))

	p, err = New(Deps{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, from.Add(5*time.Second), p.Next(from))
}

func TestTick_ContinuesOnlyIdle(t *testing.T) {
	reg := registry.New()
	idle := create(t, reg, schema.StateIdle)
	create(t, reg, schema.StatePaused)
	create(t, reg, schema.StateRunning)

	cont := &fakeContinuer{}
	p, err := New(Deps{Registry: reg, Executor: cont}, Config{ContinueIdle: true})
	require.NoError(t, err)

	r := p.Tick(context.Background())
	assert.Equal(t, []string{idle.ID()}, cont.called())
	assert.Equal(t, 1, r.Continued)
	assert.Zero(t, r.Failed)
}

func TestTick_ContinueIdleDisabled(t *testing.T) {
	reg := registry.New()
	create(t, reg, schema.StateIdle)

	cont := &fakeContinuer{}
	p, err := New(Deps{Registry: reg, Executor: cont}, Config{})
	require.NoError(t, err)

	p.Tick(context.Background())
	assert.Empty(t, cont.called())
}

func TestTick_CountsFailuresButNotConflicts(t *testing.T) {
	reg := registry.New()
	failing := create(t, reg, schema.StateIdle)
	raced := create(t, reg, schema.StateIdle)

	cont := &fakeContinuer{errs: map[string]error{
		failing.ID(): schema.NewError(schema.ErrCodeRemoteExecution, "down"),
		raced.ID():   schema.NewError(schema.ErrCodeConflict, "already running"),
	}}
	p, err := New(Deps{Registry: reg, Executor: cont}, Config{ContinueIdle: true})
	require.NoError(t, err)

	r := p.Tick(context.Background())
	assert.Len(t, cont.called(), 2)
	assert.Zero(t, r.Continued)
	assert.Equal(t, 1, r.Failed)
}

func TestTick_ReportsOverdueOnce(t *testing.T) {
	reg := registry.New()
	exec := create(t, reg, schema.StatePaused)

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }

	hub := streaming.NewMemoryHub(16)
	events, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{Types: []string{schema.EventDecisionOverdue}})
	require.NoError(t, err)
	defer cancel()

	coord := decision.New(reg, decision.Config{Now: clock})
	coord.Open(context.Background(), schema.DecisionRequest{ExecutionID: exec.ID(), StepID: "select", Timeout: "1m"})

	p, err := New(Deps{Registry: reg, Decisions: coord}, Config{Hub: hub, Now: clock})
	require.NoError(t, err)

	assert.Zero(t, p.Tick(context.Background()).Overdue, "not yet overdue")

	now = start.Add(2 * time.Minute)
	assert.Equal(t, 1, p.Tick(context.Background()).Overdue)
	assert.Zero(t, p.Tick(context.Background()).Overdue, "reported once")

	select {
	case ev := <-events:
		assert.Equal(t, exec.ID(), ev.ExecutionID)
		assert.Equal(t, "select", ev.StepID)
	case <-time.After(time.Second):
		t.Fatal("no overdue event published")
	}

	_, stillPending := coord.Pending(exec.ID())
	assert.True(t, stillPending, "timeouts are advisory")
}

func TestStartStop(t *testing.T) {
	reg := registry.New()
	idle := create(t, reg, schema.StateIdle)
	cont := &fakeContinuer{}

	p, err := New(Deps{Registry: reg, Executor: cont}, Config{Schedule: "@every 1s", ContinueIdle: true})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()), "second start")

	require.Eventually(t, func() bool { return len(cont.called()) > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, idle.ID(), cont.called()[0])

	p.Stop()
	p.Stop()
}
