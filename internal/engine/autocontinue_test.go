package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rendis/flowpilot/pkg/schema"
)

// loopDefinition is a ring of n process steps with no final step reachable
// through auto-continue alone.
func loopDefinition(n int) *schema.WorkflowDefinition {
	def := &schema.WorkflowDefinition{Name: "loop", ServiceType: "loop", InitialStep: "s0", FinalSteps: []string{"never"}}
	for i := 0; i < n; i++ {
		def.Steps = append(def.Steps, schema.Step{ID: fmt.Sprintf("s%d", i)})
	}
	def.Steps = append(def.Steps, schema.Step{ID: "never"})
	return def
}

func loopAuthority(n int) *fakeAuthority {
	auth := newFakeAuthority()
	for i := 0; i < n; i++ {
		auth.returns(fmt.Sprintf("s%d", i), schema.StepResult{
			NextStepID:         fmt.Sprintf("s%d", (i+1)%n),
			ShouldAutoContinue: true,
			UpdatedContext:     map[string]any{"hop": i},
		})
	}
	return auth
}

func TestRecursionLimit(t *testing.T) {
	auth := loopAuthority(2)
	h := newHarness(t, auth, Config{}, loopDefinition(2))

	res, err := h.exec.StartSync(context.Background(), "loop", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRecursionLimit))
	assert.Equal(t, schema.MaxAutoContinueDepth, res.Hops)
	assert.Equal(t, schema.StateIdle, res.State)
	assert.Equal(t, schema.MaxAutoContinueDepth+1, auth.callCount())
	// the execution waits at the last nextStepId
	assert.Equal(t, "s1", res.CurrentStep)

	// the depth counter resets for the next external call
	res, err = h.exec.Continue(context.Background(), res.ExecutionID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRecursionLimit))
	assert.Equal(t, schema.MaxAutoContinueDepth, res.Hops)
	assert.Equal(t, 2*(schema.MaxAutoContinueDepth+1), auth.callCount())
}

func TestAutoContinueBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ring := rapid.IntRange(1, 6).Draw(rt, "ring")
		depth := rapid.IntRange(1, 15).Draw(rt, "depth")

		auth := loopAuthority(ring)
		h := newHarness(t, auth, Config{MaxAutoContinueDepth: depth}, loopDefinition(ring))

		res, err := h.exec.StartSync(context.Background(), "loop", nil)
		if !schema.HasCode(err, schema.ErrCodeRecursionLimit) {
			rt.Fatalf("expected recursion limit, got %v", err)
		}
		if res.Hops > depth {
			rt.Fatalf("%d hops exceeds depth %d", res.Hops, depth)
		}
		if got := auth.callCount(); got != depth+1 {
			rt.Fatalf("%d remote calls, want %d", got, depth+1)
		}
		if h.registry.Get(res.ExecutionID).State() != schema.StateIdle {
			rt.Fatalf("execution not left idle")
		}
	})
}

func TestStaleResumeNeverMutates(t *testing.T) {
	h := newHarness(t, movieAuthority(), Config{}, movieDefinition())
	paused := startMovie(t, h)
	exec := h.registry.Get(paused.ExecutionID)

	rapid.Check(t, func(rt *rapid.T) {
		step := rapid.StringMatching(`[a-z]{1,8}`).Filter(func(s string) bool { return s != "select" }).Draw(rt, "step")
		value := rapid.String().Draw(rt, "value")

		before := exec.Snapshot()
		_, err := h.exec.Resume(context.Background(), paused.ExecutionID, schema.Decision{Value: value, StepID: step})
		if !schema.HasCode(err, schema.ErrCodeStaleResumption) {
			rt.Fatalf("expected stale resumption, got %v", err)
		}
		after := exec.Snapshot()
		if !assert.ObjectsAreEqual(before.Context, after.Context) || len(before.History) != len(after.History) {
			rt.Fatalf("stale resume mutated the execution")
		}
		if after.State != schema.StatePaused || after.CurrentStep != "select" {
			rt.Fatalf("execution moved to %s at %s", after.State, after.CurrentStep)
		}
	})
	assert.Empty(t, h.authority.submissions)
}
