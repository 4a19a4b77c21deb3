package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

func seqEvent(seq int64, step, typ string, payload string, ts time.Time) *Event {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return &Event{RunID: "run-1", Step: step, Type: typ, Payload: raw, Timestamp: ts, Sequence: seq}
}

func TestReplayStepViews_FoldsLifecycle(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	views, err := ReplayStepViews("run-1", []*Event{
		seqEvent(1, "", schema.EventRunStarted, "", t0),
		seqEvent(2, "reflection", schema.EventStepStarted, "", t0),
		seqEvent(3, "reflection", schema.EventStepCompleted, `{"next_action":"data_fetch"}`, t0.Add(250*time.Millisecond)),
		seqEvent(4, "data_fetch", schema.EventStepStarted, "", t0.Add(time.Second)),
		seqEvent(5, "data_fetch", schema.EventStepFailed, `{"error":"no data"}`, t0.Add(2*time.Second)),
		seqEvent(6, "clarify", schema.EventStepStarted, "", t0.Add(3*time.Second)),
		seqEvent(7, "clarify", schema.EventPromptRequested, `{"question":"which symbol?"}`, t0.Add(3*time.Second)),
	})
	require.NoError(t, err)
	require.Len(t, views, 3)

	refl := views["reflection"]
	assert.Equal(t, schema.StepStatusCompleted, refl.Status)
	assert.JSONEq(t, `{"next_action":"data_fetch"}`, string(refl.Output))
	assert.Equal(t, int64(250), refl.DurationMs)

	fetch := views["data_fetch"]
	assert.Equal(t, schema.StepStatusFailed, fetch.Status)
	assert.JSONEq(t, `{"error":"no data"}`, string(fetch.Error))

	clarify := views["clarify"]
	assert.Equal(t, schema.StepStatusSuspended, clarify.Status)
}

func TestReplayStepViews_SequenceGap(t *testing.T) {
	t0 := time.Now().UTC()
	_, err := ReplayStepViews("run-1", []*Event{
		seqEvent(1, "reflection", schema.EventStepStarted, "", t0),
		seqEvent(3, "reflection", schema.EventStepCompleted, "", t0),
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestReplayStepViews_Empty(t *testing.T) {
	views, err := ReplayStepViews("run-1", nil)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestReplayStepViews_PromptResolvedKeepsSuspension(t *testing.T) {
	t0 := time.Now().UTC()
	views, err := ReplayStepViews("run-1", []*Event{
		seqEvent(1, "clarify", schema.EventPromptRequested, "", t0),
		seqEvent(2, "clarify", schema.EventPromptResolved, "", t0),
	})
	require.NoError(t, err)
	// The step stays suspended until the runner restarts it.
	assert.Equal(t, schema.StepStatusSuspended, views["clarify"].Status)
}
