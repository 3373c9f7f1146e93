package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/retry"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

func ticketDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:        "tickets",
		ServiceType: "tickets",
		InitialStep: "search",
		Steps: []schema.Step{
			{ID: "search", Kind: schema.StepKindProcess},
			{ID: "done", Kind: schema.StepKindOutput},
		},
		Transitions: []schema.Transition{{From: "search", To: "done"}},
		FinalSteps:  []string{"done"},
	}
}

func newValidator(t *testing.T) validation.Validator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	v, err := validation.NewWorkflowValidator(cel)
	require.NoError(t, err)
	return v
}

func TestCatalog_LoadCaches(t *testing.T) {
	var calls atomic.Int32
	src := SourceFunc(func(ctx context.Context, st string) (*schema.WorkflowDefinition, error) {
		calls.Add(1)
		return ticketDefinition(), nil
	})
	c := New(src, newValidator(t), nil)

	def, err := c.Load(context.Background(), "tickets")
	require.NoError(t, err)
	assert.Equal(t, "tickets", def.Name)
	assert.NotNil(t, def.StepByID("done"))

	_, err = c.Load(context.Background(), "tickets")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"tickets"}, c.Keys())
}

func TestCatalog_ConcurrentLoadsShareFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	src := SourceFunc(func(ctx context.Context, st string) (*schema.WorkflowDefinition, error) {
		calls.Add(1)
		<-release
		return ticketDefinition(), nil
	})
	c := New(src, nil, nil)

	const n = 16
	var wg sync.WaitGroup
	results := make([]*schema.WorkflowDefinition, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			def, err := c.Load(context.Background(), "tickets")
			assert.NoError(t, err)
			results[i] = def
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, def := range results {
		assert.Same(t, results[0], def)
	}
}

func TestCatalog_CancelledCallerDoesNotFailOthers(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	src := SourceFunc(func(ctx context.Context, st string) (*schema.WorkflowDefinition, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		select {
		case <-release:
			return ticketDefinition(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	c := New(src, nil, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Load(firstCtx, "tickets")
		firstErr <- err
	}()
	<-entered

	second := make(chan *schema.WorkflowDefinition, 1)
	go func() {
		def, err := c.Load(context.Background(), "tickets")
		assert.NoError(t, err)
		second <- def
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting on the shared fetch")
	}

	close(release)
	select {
	case def := <-second:
		require.NotNil(t, def)
		assert.Equal(t, "tickets", def.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never got the definition")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCatalog_FailureNotCached(t *testing.T) {
	var calls atomic.Int32
	src := SourceFunc(func(ctx context.Context, st string) (*schema.WorkflowDefinition, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return ticketDefinition(), nil
	})
	c := New(src, nil, nil)

	_, err := c.Load(context.Background(), "tickets")
	require.Error(t, err)
	_, ok := c.Get("tickets")
	assert.False(t, ok)

	def, err := c.Load(context.Background(), "tickets")
	require.NoError(t, err)
	assert.Equal(t, "tickets", def.Name)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCatalog_InvalidDefinitionRejected(t *testing.T) {
	bad := ticketDefinition()
	bad.InitialStep = "nowhere"
	c := New(NewStaticSource(bad), newValidator(t), nil)

	_, err := c.Load(context.Background(), "tickets")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Empty(t, c.Keys())
}

func TestCatalog_NilDefinition(t *testing.T) {
	src := SourceFunc(func(ctx context.Context, st string) (*schema.WorkflowDefinition, error) {
		return nil, nil
	})
	_, err := New(src, nil, nil).Load(context.Background(), "x")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestCatalog_WaitLoadedRetries(t *testing.T) {
	var calls atomic.Int32
	src := SourceFunc(func(ctx context.Context, st string) (*schema.WorkflowDefinition, error) {
		if calls.Add(1) < 3 {
			return nil, schema.NewError(schema.ErrCodeNotFound, "not published yet")
		}
		return ticketDefinition(), nil
	})
	c := New(src, nil, nil)

	policy := retry.Policy{MaxAttempts: 5, Backoff: retry.BackoffConstant, Delay: time.Millisecond}
	def, err := c.WaitLoaded(context.Background(), "tickets", policy)
	require.NoError(t, err)
	assert.Equal(t, "tickets", def.Name)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCatalog_WaitLoadedExhausted(t *testing.T) {
	src := SourceFunc(func(ctx context.Context, st string) (*schema.WorkflowDefinition, error) {
		return nil, errors.New("unreachable")
	})
	c := New(src, nil, nil)

	policy := retry.Policy{MaxAttempts: 3, Delay: time.Millisecond}
	_, err := c.WaitLoaded(context.Background(), "tickets", policy)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRetryExhausted))
}

func TestCatalog_WaitLoadedStopsOnValidation(t *testing.T) {
	var calls atomic.Int32
	bad := ticketDefinition()
	bad.FinalSteps = []string{"missing"}
	src := SourceFunc(func(ctx context.Context, st string) (*schema.WorkflowDefinition, error) {
		calls.Add(1)
		return bad, nil
	})
	c := New(src, newValidator(t), nil)

	_, err := c.WaitLoaded(context.Background(), "tickets", retry.Policy{MaxAttempts: 5, Delay: time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCatalog_InvalidateRefetches(t *testing.T) {
	src := NewStaticSource(ticketDefinition())
	c := New(src, nil, nil)

	first, err := c.Load(context.Background(), "tickets")
	require.NoError(t, err)

	updated := ticketDefinition()
	updated.Version = "2"
	src.Set(updated)
	c.Invalidate("tickets")

	second, err := c.Load(context.Background(), "tickets")
	require.NoError(t, err)
	assert.Equal(t, "", first.Version)
	assert.Equal(t, "2", second.Version)
}

func TestCatalog_Put(t *testing.T) {
	c := New(NewStaticSource(), newValidator(t), nil)
	require.NoError(t, c.Put(ticketDefinition()))

	def, ok := c.Get("tickets")
	require.True(t, ok)
	assert.NotNil(t, def.StepByID("search"))

	err := c.Put(&schema.WorkflowDefinition{Name: "anon"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

const ticketYAML = `
name: tickets
version: "1"
initialStep: search
steps:
  - id: search
    kind: process
  - id: pick
    kind: decision
    requiresUserDecision: true
    decisionPrompt: Pick a showing
    timeout: 5m
    decisionOptions:
      - value: EVENING
        label: Evening
  - id: done
    kind: output
transitions:
  - from: search
    to: pick
  - from: pick
    to: done
    autoContinue: true
finalSteps: [done]
`

func TestFileSource_YAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tickets.yaml"), []byte(ticketYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "parking.json"), []byte(`{
		"name": "parking", "initialStep": "a",
		"steps": [{"id": "a"}, {"id": "b"}],
		"transitions": [{"from": "a", "to": "b"}],
		"finalSteps": ["b"]
	}`), 0o644))

	c := New(FileSource{Dir: dir}, newValidator(t), nil)

	def, err := c.Load(context.Background(), "tickets")
	require.NoError(t, err)
	assert.Equal(t, "tickets", def.ServiceType)
	pick := def.StepByID("pick")
	require.NotNil(t, pick)
	assert.True(t, pick.IsDecision())
	assert.Equal(t, "5m", pick.Timeout)
	assert.True(t, def.TransitionsFrom("pick")[0].AutoContinue)

	def, err = c.Load(context.Background(), "parking")
	require.NoError(t, err)
	assert.Equal(t, "parking", def.ServiceType)
	assert.True(t, def.IsFinal("b"))
}

func TestFileSource_Errors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("steps: [unterminated"), 0o644))
	src := FileSource{Dir: dir}

	_, err := src.Fetch(context.Background(), "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, err = src.Fetch(context.Background(), "../etc/passwd")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = src.Fetch(context.Background(), "broken")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestServiceTypeForPath(t *testing.T) {
	st, ok := ServiceTypeForPath("/defs/tickets.yml")
	assert.True(t, ok)
	assert.Equal(t, "tickets", st)

	_, ok = ServiceTypeForPath("/defs/README.md")
	assert.False(t, ok)
}

func TestCatalog_WatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tickets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ticketYAML), 0o644))

	c := New(FileSource{Dir: dir}, nil, nil)
	_, err := c.Load(context.Background(), "tickets")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, dir) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Rewrite until the watcher has been registered and sees the change.
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(ticketYAML), 0o644)
		_, cached := c.Get("tickets")
		return !cached
	}, 2*time.Second, 20*time.Millisecond)
}
