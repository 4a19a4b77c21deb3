package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

func openTestDB(t *testing.T) *LibSQLStore {
	t.Helper()
	path := "file:" + filepath.Join(t.TempDir(), "quantgraph.db")
	s, err := NewLibSQLStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLibSQLStore_RunRoundTrip(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{
		ID:       "run-1",
		Pipeline: "main",
		Query:    "ma cross on 600519.SH",
		Params:   map[string]any{"fees": 0.001},
		Status:   schema.RunStatusPending,
	}))

	err := s.CreateRun(ctx, &Run{ID: "run-1", Pipeline: "main", Status: schema.RunStatusPending})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "main", got.Pipeline)
	assert.Equal(t, "ma cross on 600519.SH", got.Query)
	assert.Equal(t, 0.001, got.Params["fees"])

	completed := schema.RunStatusCompleted
	require.NoError(t, s.UpdateRun(ctx, "run-1", RunUpdate{
		Status:     &completed,
		FinalState: json.RawMessage(`{"signal_ready":true}`),
	}))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.JSONEq(t, `{"signal_ready":true}`, string(got.FinalState))

	runs, err := s.ListRuns(ctx, RunFilter{Pipeline: "main"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	require.NoError(t, s.DeleteRun(ctx, "run-1"))
	_, err = s.GetRun(ctx, "run-1")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestLibSQLStore_CheckpointUpsert(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, &CheckpointRecord{
		RunID: "run-1", Step: "clarify", Data: json.RawMessage(`{"v":1}`),
	}))
	require.NoError(t, s.SaveCheckpoint(ctx, &CheckpointRecord{
		RunID: "run-1", Step: "clarify", Data: json.RawMessage(`{"v":2}`),
	}))

	rec, err := s.GetCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(rec.Data))

	require.NoError(t, s.DeleteCheckpoint(ctx, "run-1"))
	_, err = s.GetCheckpoint(ctx, "run-1")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestLibSQLStore_PromptConflictSemantics(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePrompt(ctx, &Prompt{
		ID: "p-1", RunID: "run-1", Step: "clarify", Question: "which symbol?",
	}))
	require.NoError(t, s.ResolvePrompt(ctx, "p-1", "600519.SH", "mcp"))

	p, err := s.GetPrompt(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, PromptResolved, p.Status)
	assert.Equal(t, "600519.SH", p.Response)

	err = s.ResolvePrompt(ctx, "p-1", "again", "mcp")
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	err = s.ResolvePrompt(ctx, "missing", "x", "mcp")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestLibSQLStore_EventLogSequencing(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	log := NewEventLog(s)

	for i := 0; i < 4; i++ {
		step := "reflection"
		typ := schema.EventStepStarted
		if i%2 == 1 {
			typ = schema.EventStepCompleted
		}
		require.NoError(t, log.AppendEvent(ctx, &Event{RunID: "run-1", Step: step, Type: typ}))
	}
	require.NoError(t, log.AppendEvent(ctx, &Event{RunID: "run-2", Type: schema.EventRunStarted}))

	events, err := log.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	views, err := log.Replay(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, views["reflection"].Status)
}

func TestLibSQLStore_JobsAndSecrets(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, &ScheduledJob{
		ID: "job-1", Name: "daily refresh", Kind: JobDataRefresh,
		Cron: "@daily", Enabled: true,
	}))
	enabled := true
	jobs, err := s.ListJobs(ctx, JobFilter{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "@daily", jobs[0].Cron)

	require.NoError(t, s.UpdateJob(ctx, "job-1", JobUpdate{LastRunStatus: "success"}))
	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "success", job.LastRunStatus)

	require.NoError(t, s.StoreSecret(ctx, "advisor_api_key", []byte("sk")))
	v, err := s.GetSecret(ctx, "advisor_api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk"), v)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"advisor_api_key"}, keys)
}
