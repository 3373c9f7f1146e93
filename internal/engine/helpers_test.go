package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/decision"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/pkg/schema"
)

// --- fake authority ---

type stepFunc func(req schema.StepRequest) (*schema.StepResult, error)

type fakeAuthority struct {
	mu          sync.Mutex
	steps       map[string]stepFunc
	calls       []schema.StepRequest
	submissions []schema.DecisionSubmission
	submitErr   error
	submitGate  chan struct{} // when set, SubmitDecision blocks until closed
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{steps: make(map[string]stepFunc)}
}

func (f *fakeAuthority) on(stepID string, fn stepFunc) *fakeAuthority {
	f.mu.Lock()
	f.steps[stepID] = fn
	f.mu.Unlock()
	return f
}

func (f *fakeAuthority) returns(stepID string, res schema.StepResult) *fakeAuthority {
	return f.on(stepID, func(schema.StepRequest) (*schema.StepResult, error) {
		r := res
		return &r, nil
	})
}

func (f *fakeAuthority) FetchDefinition(context.Context, string) (*schema.WorkflowDefinition, error) {
	return nil, errors.New("not used")
}

func (f *fakeAuthority) ExecuteStep(_ context.Context, req schema.StepRequest) (*schema.StepResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn, ok := f.steps[req.StepID]
	f.mu.Unlock()
	if !ok {
		return &schema.StepResult{}, nil
	}
	return fn(req)
}

func (f *fakeAuthority) SubmitDecision(_ context.Context, sub schema.DecisionSubmission) error {
	f.mu.Lock()
	gate := f.submitGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, sub)
	return f.submitErr
}

func (f *fakeAuthority) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAuthority) calledSteps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.StepID
	}
	return out
}

// --- fake catalog ---

type staticDefs map[string]*schema.WorkflowDefinition

func (s staticDefs) Get(serviceType string) (*schema.WorkflowDefinition, bool) {
	d, ok := s[serviceType]
	return d, ok
}

// --- harness ---

type harness struct {
	exec      *FlowExecutor
	registry  *registry.Registry
	decisions *decision.Coordinator
	authority *fakeAuthority
	journal   *store.MemoryJournal
	hub       *streaming.MemoryHub
}

func newHarness(t *testing.T, auth *fakeAuthority, cfg Config, defs ...*schema.WorkflowDefinition) *harness {
	t.Helper()
	reg := registry.New()
	hub := streaming.NewMemoryHub(256)
	journal := store.NewMemoryJournal()
	coord := decision.New(reg, decision.Config{Hub: hub})

	catalog := staticDefs{}
	for _, d := range defs {
		d.Index()
		catalog[d.ServiceType] = d
	}

	ex := NewExecutor(Deps{
		Definitions: catalog,
		Registry:    reg,
		Authority:   auth,
		Decisions:   coord,
		Journal:     journal,
		Hub:         hub,
	}, cfg)
	t.Cleanup(ex.Shutdown)

	return &harness{exec: ex, registry: reg, decisions: coord, authority: auth, journal: journal, hub: hub}
}

// movieDefinition is search -> select (decision) -> pay -> done.
func movieDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:        "movie",
		ServiceType: "movie",
		InitialStep: "search",
		Steps: []schema.Step{
			{ID: "search", Kind: schema.StepKindProcess},
			{ID: "select", Kind: schema.StepKindDecision, RequiresUserDecision: true,
				DecisionPrompt: "Which showing of {{query}}?", Timeout: "5m",
				DecisionOptions: []schema.DecisionOption{
					{Value: "MOVIE_42", Label: "{{query}} 20:30"},
					{Value: "MOVIE_7", Label: "{{query}} 22:00"},
				}},
			{ID: "pay", Kind: schema.StepKindProcess},
			{ID: "done", Kind: schema.StepKindOutput},
		},
		Transitions: []schema.Transition{
			{From: "search", To: "select", AutoContinue: true},
			{From: "select", To: "pay", AutoContinue: true},
			{From: "pay", To: "done", AutoContinue: true},
		},
		FinalSteps: []string{"done"},
	}
}

// movieAuthority answers the movie flow the way the scenarios describe.
func movieAuthority() *fakeAuthority {
	return newFakeAuthority().
		returns("search", schema.StepResult{
			UpdatedContext: map[string]any{"results": []any{"MOVIE_42", "MOVIE_7"}},
			NextStepID:     "select",
		}).
		on("select", func(req schema.StepRequest) (*schema.StepResult, error) {
			if _, decided := req.Context["select_decision"]; decided {
				return &schema.StepResult{
					UpdatedContext:     map[string]any{"seat_hold": "H-1"},
					NextStepID:         "pay",
					ShouldAutoContinue: true,
				}, nil
			}
			return &schema.StepResult{UpdatedContext: map[string]any{"showings_loaded": true}}, nil
		}).
		returns("pay", schema.StepResult{
			UpdatedContext:     map[string]any{"paid": true},
			NextStepID:         "done",
			ShouldAutoContinue: true,
		}).
		returns("done", schema.StepResult{UpdatedContext: map[string]any{"receipt": "R-1"}})
}

func startMovie(t *testing.T, h *harness) *WalkResult {
	t.Helper()
	res, err := h.exec.StartSync(context.Background(), "movie", map[string]any{"query": "Dune"})
	require.NoError(t, err)
	return res
}
