package diagram

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgraph/quantgraph/internal/engine"
	"github.com/quantgraph/quantgraph/internal/store"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

func noopStep(context.Context, engine.State, *engine.Runtime) (*engine.StepResult, error) {
	return engine.Complete(engine.Update{}), nil
}

// testWorkflow mirrors the shape of the signal graph: a decision entry,
// a retry loop and a suspendable step.
func testWorkflow(t *testing.T) *engine.Workflow {
	t.Helper()
	wf, err := engine.NewGraph("demo", engine.NewSchema("demo").Bool("ready")).
		Step("reflection", noopStep).
		Step("fetch", noopStep).
		Step("clarify", noopStep).
		Entry("reflection").
		Route("reflection", func(engine.State) string { return "fetch" },
			"fetch", "clarify", engine.End).
		Edge("fetch", engine.End).
		Edge("clarify", "reflection").
		Compile()
	require.NoError(t, err)
	return wf
}

func TestBuild_Topology(t *testing.T) {
	model := Build(testWorkflow(t))

	assert.Equal(t, "demo", model.Title)
	require.Len(t, model.Nodes, 5) // start + 3 steps + end
	assert.Equal(t, startID, model.Nodes[0].ID)
	assert.Equal(t, endID, model.Nodes[len(model.Nodes)-1].ID)

	assert.Contains(t, model.Edges, Edge{From: startID, To: "reflection"})
	assert.Contains(t, model.Edges, Edge{From: "reflection", To: "clarify"})
	assert.Contains(t, model.Edges, Edge{From: "fetch", To: endID})
	assert.Contains(t, model.Edges, Edge{From: "clarify", To: "reflection"},
		"loop edges survive")
}

func TestBuild_Kinds(t *testing.T) {
	model := Build(testWorkflow(t),
		WithSuspendable("clarify"))

	byID := make(map[string]*Node)
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}
	assert.Equal(t, NodeKindDecision, byID["reflection"].Kind, "router steps are decisions")
	assert.Equal(t, NodeKindStep, byID["fetch"].Kind)
	assert.Equal(t, NodeKindSuspend, byID["clarify"].Kind)
}

func TestBuild_LevelsAreCycleSafe(t *testing.T) {
	model := Build(testWorkflow(t))

	require.GreaterOrEqual(t, len(model.Levels), 3)
	assert.Equal(t, []string{startID}, model.Levels[0])
	assert.Equal(t, []string{"reflection"}, model.Levels[1])
	assert.ElementsMatch(t, []string{"fetch", "clarify"}, model.Levels[2])
	assert.Equal(t, []string{endID}, model.Levels[len(model.Levels)-1])

	// Every step appears exactly once despite the clarify → reflection loop.
	seen := make(map[string]int)
	for _, level := range model.Levels {
		for _, id := range level {
			seen[id]++
		}
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "node %s placed once", id)
	}
}

func TestBuild_StatusOverlay(t *testing.T) {
	views := map[string]*store.StepView{
		"reflection": {Step: "reflection", Status: schema.StepStatusCompleted, DurationMs: 120},
		"fetch":      {Step: "fetch", Status: schema.StepStatusFailed, Error: json.RawMessage(`"no data"`)},
	}
	model := Build(testWorkflow(t), WithStatus(views))

	byID := make(map[string]*Node)
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}
	require.NotNil(t, byID["reflection"].Status)
	assert.Equal(t, "completed", byID["reflection"].Status.Status)
	assert.Equal(t, int64(120), byID["reflection"].Status.DurationMs)
	require.NotNil(t, byID["fetch"].Status)
	assert.Equal(t, `"no data"`, byID["fetch"].Status.Error)
	assert.Nil(t, byID["clarify"].Status)
}
