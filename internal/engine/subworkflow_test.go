package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

func childWorkflow(t *testing.T, suspend bool) *Workflow {
	t.Helper()
	s := NewSchema("child").
		Messages("messages").
		AppendStrings("execution_history", "error_messages").
		Bool("signal_ready").
		Int("max_retries")
	require.NoError(t, s.Err())

	wf, err := NewGraph("child", s).
		Step("work", func(ctx context.Context, st State, rt *Runtime) (*StepResult, error) {
			if suspend {
				if resp, ok := rt.ResumeValue(); ok {
					return Complete(Update{Set: map[string]any{
						"messages":          []schema.Message{schema.UserMessage(resp.(string))},
						"signal_ready":      true,
						"execution_history": []string{"work: done after answer"},
					}}), nil
				}
				return Suspend("which symbol?"), nil
			}
			return Complete(Update{Set: map[string]any{
				"signal_ready":      true,
				"execution_history": []string{"work: done"},
			}}), nil
		}).
		Edge("work", End).
		Entry("work").
		Compile()
	require.NoError(t, err)
	return wf
}

func parentWorkflow(t *testing.T, eng *Engine, child *Workflow) *Workflow {
	t.Helper()
	s := NewSchema("parent").
		Messages("messages").
		AppendStrings("errors").
		Bool("signal_ready").
		Map("signal_context")
	require.NoError(t, s.Err())

	sub := &SubWorkflow{
		Name:  "signal",
		Child: child,
		Into: func(parent State) State {
			// Explicit field-by-field mapping with documented defaults.
			return State{
				"messages":    parent.Messages("messages"),
				"max_retries": 3,
			}
		},
		Back: func(parent, child State) Update {
			// Readiness propagates as a flag; list-valued child context is
			// captured whole, not flattened into parent history.
			newMsgs := child.Messages("messages")[len(parent.Messages("messages")):]
			return Update{Set: map[string]any{
				"messages":     newMsgs,
				"signal_ready": child.Bool("signal_ready"),
				"signal_context": map[string]any{
					"execution_history": child.Strings("execution_history"),
					"error_messages":    child.Strings("error_messages"),
				},
			}}
		},
	}

	wf, err := NewGraph("parent", s).
		Step("signal", sub.Step(eng)).
		Edge("signal", End).
		Entry("signal").
		Compile()
	require.NoError(t, err)
	return wf
}

func TestSubWorkflow_RunToCompletion(t *testing.T) {
	eng := newTestEngine()
	wf := parentWorkflow(t, eng, childWorkflow(t, false))

	res, err := eng.Run(context.Background(), wf, State{})
	require.NoError(t, err)
	assert.False(t, res.Suspended())
	assert.True(t, res.State.Bool("signal_ready"))

	ctx := res.State.Map("signal_context")
	require.NotNil(t, ctx)
	assert.Equal(t, []string{"work: done"}, ctx["execution_history"])
}

func TestSubWorkflow_ChildSuspensionPropagates(t *testing.T) {
	eng := newTestEngine()
	wf := parentWorkflow(t, eng, childWorkflow(t, true))

	res, err := eng.Run(context.Background(), wf, State{})
	require.NoError(t, err)
	require.True(t, res.Suspended())
	assert.Equal(t, "which symbol?", res.Interrupt.Payload)

	// The parent checkpoint awaits the wrapper step and nests the child's.
	ckpt := res.Interrupt.Checkpoint
	assert.Equal(t, "signal", ckpt.AwaitingStep)
	require.NotNil(t, ckpt.Child)
	assert.Equal(t, "work", ckpt.Child.AwaitingStep)
	assert.Equal(t, "child", ckpt.Child.Workflow)

	// Resuming the parent resumes the child with the response.
	final, err := eng.Resume(context.Background(), wf, ckpt, "600519.SH")
	require.NoError(t, err)
	assert.False(t, final.Suspended())
	assert.True(t, final.State.Bool("signal_ready"))
	require.Len(t, final.State.Messages("messages"), 1)
	assert.Equal(t, "600519.SH", final.State.Messages("messages")[0].Content)
}

func TestSubWorkflow_ChildDrawsParentBudget(t *testing.T) {
	eng := newTestEngine()

	childSchema := NewSchema("drill").Int("n")
	require.NoError(t, childSchema.Err())
	child, err := NewGraph("drill", childSchema).
		Step("spin", func(ctx context.Context, st State, rt *Runtime) (*StepResult, error) {
			return Complete(Update{Set: map[string]any{"n": st.Int("n") + 1}}), nil
		}).
		Route("spin", func(st State) string {
			if st.Int("n") >= 20 {
				return End
			}
			return "spin"
		}, "spin", End).
		Entry("spin").
		Compile()
	require.NoError(t, err)

	parentSchema := NewSchema("outer").Bool("done")
	require.NoError(t, parentSchema.Err())
	sub := &SubWorkflow{
		Name:  "drill",
		Child: child,
		Into:  func(State) State { return State{} },
		Back: func(_, _ State) Update {
			return Update{Set: map[string]any{"done": true}}
		},
	}
	wf, err := NewGraph("outer", parentSchema).
		Step("drill", sub.Step(eng)).
		Edge("drill", End).
		Entry("drill").
		Compile()
	require.NoError(t, err)

	// The child's 20 cycles count against the parent's cap, so a cap of
	// 10 trips the guard even though the parent itself runs one step.
	_, runErr := eng.Run(context.Background(), wf, State{}, WithMaxSteps(10))
	require.Error(t, runErr)
	assert.Equal(t, schema.ErrCodeStepLimit, schema.ErrorCode(runErr))

	res, err := eng.Run(context.Background(), wf, State{}, WithMaxSteps(30))
	require.NoError(t, err)
	assert.True(t, res.State.Bool("done"))
}

func TestSubWorkflow_ResumeWithoutResponse(t *testing.T) {
	eng := newTestEngine()
	child := childWorkflow(t, true)
	sub := &SubWorkflow{Name: "signal", Child: child, Into: func(State) State { return State{} },
		Back: func(_, _ State) Update { return Update{} }}
	step := sub.Step(eng)

	rt := &Runtime{childCkpt: &Checkpoint{Workflow: "child", AwaitingStep: "work", State: State{}}}
	_, err := step(context.Background(), State{}, rt)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeResume, schema.ErrorCode(err))
}
