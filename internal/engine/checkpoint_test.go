package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

func TestCheckpoint_EncodeDecode_RoundTrip(t *testing.T) {
	eng := newTestEngine()
	wf := suspendGraph(t, "")
	res, err := eng.Run(context.Background(), wf, State{}, WithRunID("run-1"))
	require.NoError(t, err)
	require.True(t, res.Suspended())

	resolve := func(name string) (*Workflow, bool) {
		if name == wf.Name() {
			return wf, true
		}
		return nil, false
	}

	raw, err := EncodeCheckpoint(resolve, res.Interrupt.Checkpoint)
	require.NoError(t, err)

	back, err := DecodeCheckpoint(resolve, raw)
	require.NoError(t, err)
	assert.Equal(t, "run-1", back.RunID)
	assert.Equal(t, "clarify", back.AwaitingStep)
	assert.Equal(t, "which symbol?", back.Payload)
	assert.Equal(t, []string{"clarify: asked"}, back.State.Strings("execution_history"))

	// Resuming from the decoded checkpoint behaves identically.
	final, err := eng.Resume(context.Background(), wf, back, "600519.SH")
	require.NoError(t, err)
	assert.True(t, final.State.Bool("done"))
}

func TestCheckpoint_EncodeDecode_NestedChild(t *testing.T) {
	eng := newTestEngine()
	child := childWorkflow(t, true)
	parent := parentWorkflow(t, eng, child)

	res, err := eng.Run(context.Background(), parent, State{})
	require.NoError(t, err)
	require.True(t, res.Suspended())

	resolve := func(name string) (*Workflow, bool) {
		switch name {
		case "parent":
			return parent, true
		case "child":
			return child, true
		}
		return nil, false
	}

	raw, err := EncodeCheckpoint(resolve, res.Interrupt.Checkpoint)
	require.NoError(t, err)
	back, err := DecodeCheckpoint(resolve, raw)
	require.NoError(t, err)
	require.NotNil(t, back.Child)
	assert.Equal(t, "work", back.Child.AwaitingStep)

	final, err := eng.Resume(context.Background(), parent, back, "000001.SZ")
	require.NoError(t, err)
	assert.True(t, final.State.Bool("signal_ready"))
}

func TestDecodeCheckpoint_UnknownWorkflow(t *testing.T) {
	resolve := func(string) (*Workflow, bool) { return nil, false }
	_, err := DecodeCheckpoint(resolve, []byte(`{"version":1,"workflow":"ghost","state":{}}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestDecodeCheckpoint_BadVersion(t *testing.T) {
	resolve := func(string) (*Workflow, bool) { return nil, false }
	_, err := DecodeCheckpoint(resolve, []byte(`{"version":99}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeParse, schema.ErrorCode(err))
}
