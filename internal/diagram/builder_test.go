package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// --- Test workflow builders ---

func ticketWorkflow() *schema.WorkflowDefinition {
	return (&schema.WorkflowDefinition{
		Name:        "Movie tickets",
		Version:     "3",
		ServiceType: "movie_ticket",
		InitialStep: "search",
		Steps: []schema.Step{
			{ID: "search", Kind: schema.StepKindProcess},
			{ID: "seats", Kind: schema.StepKindInput, RequiresUserDecision: true},
			{ID: "confirm", Kind: schema.StepKindDecision, RequiresUserDecision: true, DecisionPrompt: "Buy 2 seats?"},
			{ID: "issued", Kind: schema.StepKindOutput},
			{ID: "declined", Kind: schema.StepKindOutput},
			{ID: "orphan", Kind: schema.StepKindError},
		},
		Transitions: []schema.Transition{
			{From: "search", To: "seats"},
			{From: "seats", To: "confirm", AutoContinue: true},
			{From: "confirm", To: "issued", When: `decision.value == "yes"`, AutoContinue: true},
			{From: "confirm", To: "declined", When: `decision.value == "no"`},
			{From: "declined", To: "search"},
		},
		FinalSteps: []string{"issued"},
	}).Index()
}

func nodeByID(t *testing.T, m *DiagramModel, id string) *Node {
	t.Helper()
	n := m.node(id)
	require.NotNil(t, n, "node %s", id)
	return n
}

func TestBuild_Nodes(t *testing.T) {
	model, err := Build(ticketWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Movie tickets v3", model.Title)
	require.Len(t, model.Nodes, 8, "six steps plus start and end")
	assert.Equal(t, StartID, model.Nodes[0].ID)
	assert.Equal(t, EndID, model.Nodes[len(model.Nodes)-1].ID)

	assert.Equal(t, NodeKindProcess, nodeByID(t, model, "search").Kind)
	assert.Equal(t, NodeKindInput, nodeByID(t, model, "seats").Kind, "selection steps keep their input kind")
	assert.Equal(t, NodeKindDecision, nodeByID(t, model, "confirm").Kind)
	assert.Equal(t, "confirm\nBuy 2 seats?", nodeByID(t, model, "confirm").Label)
	assert.Nil(t, nodeByID(t, model, "search").Status)
}

func TestBuild_Edges(t *testing.T) {
	model, err := Build(ticketWorkflow(), nil)
	require.NoError(t, err)

	assert.Contains(t, model.Edges, Edge{From: StartID, To: "search"})
	assert.Contains(t, model.Edges, Edge{From: "confirm", To: "issued", Label: `decision.value == "yes"`, Auto: true})
	assert.Contains(t, model.Edges, Edge{From: "issued", To: EndID})
	assert.Len(t, model.Edges, 7)
}

func TestBuild_Levels(t *testing.T) {
	model, err := Build(ticketWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{StartID},
		{"search"},
		{"seats"},
		{"confirm"},
		{"issued", "declined"},
		{"orphan"},
		{EndID},
	}, model.Levels)
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(nil, nil)
	assert.Error(t, err)

	_, err = Build(&schema.WorkflowDefinition{InitialStep: "ghost"}, nil)
	assert.Error(t, err)
}

func TestBuild_SnapshotOverlay(t *testing.T) {
	snap := &schema.ExecutionSnapshot{
		State:       schema.StatePaused,
		CurrentStep: "confirm",
		History: []schema.HistoryEntry{
			{Step: "search"}, {Step: "seats"}, {Step: "confirm"},
			{Step: "declined"}, {Step: "search"}, {Step: "seats"}, {Step: "confirm"},
		},
	}
	model, err := Build(ticketWorkflow(), OverlayFromSnapshot(snap))
	require.NoError(t, err)

	assert.Equal(t, &StatusOverlay{Status: StatusVisited, Visits: 2}, nodeByID(t, model, "search").Status)
	assert.Equal(t, &StatusOverlay{Status: StatusVisited, Visits: 1}, nodeByID(t, model, "declined").Status)
	assert.Equal(t, &StatusOverlay{Status: StatusPaused, Visits: 2}, nodeByID(t, model, "confirm").Status)
	assert.Nil(t, nodeByID(t, model, "issued").Status)
}

func TestOverlayFromTrail(t *testing.T) {
	trail := &store.Trail{
		Steps:     []schema.HistoryEntry{{Step: "search"}, {Step: "seats"}, {Step: "confirm"}, {Step: "issued"}},
		LastEvent: schema.EventExecutionCompleted,
	}
	o := OverlayFromTrail(trail)
	assert.Equal(t, schema.StateCompleted, o.State)
	assert.Equal(t, "issued", o.CurrentStep)

	model, err := Build(ticketWorkflow(), o)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, nodeByID(t, model, "issued").Status.Status)
	assert.Equal(t, StatusVisited, nodeByID(t, model, "confirm").Status.Status)

	trail.LastEvent = schema.EventStepFailed
	assert.Equal(t, schema.StateIdle, OverlayFromTrail(trail).State)
}
