package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

func TestMemoryStore_RunLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	run := &Run{
		ID:       "run-1",
		Pipeline: "signal",
		Query:    "ma cross on 600519.SH",
		Params:   map[string]any{"max_retries": 3},
		Status:   schema.RunStatusPending,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	err := s.CreateRun(ctx, &Run{ID: "run-1", Pipeline: "signal"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "signal", got.Pipeline)
	assert.Equal(t, schema.RunStatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	running := schema.RunStatusRunning
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, "run-1", RunUpdate{Status: &running, StartedAt: &now}))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	completed := schema.RunStatusCompleted
	final := json.RawMessage(`{"signal_ready":true}`)
	require.NoError(t, s.UpdateRun(ctx, "run-1", RunUpdate{Status: &completed, FinalState: final}))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"signal_ready":true}`, string(got.FinalState))

	_, err = s.GetRun(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	err = s.UpdateRun(ctx, "missing", RunUpdate{Status: &running})
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestMemoryStore_ListRunsFiltered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []schema.RunStatus{
		schema.RunStatusCompleted, schema.RunStatusRunning, schema.RunStatusRunning,
	} {
		pipeline := "signal"
		if i == 2 {
			pipeline = "backtest"
		}
		require.NoError(t, s.CreateRun(ctx, &Run{
			ID:        string(rune('a' + i)),
			Pipeline:  pipeline,
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	running := schema.RunStatusRunning
	runs, err := s.ListRuns(ctx, RunFilter{Status: &running})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID, "newest first")

	runs, err = s.ListRuns(ctx, RunFilter{Pipeline: "backtest"})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	runs, err = s.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "b", runs[0].ID)

	since := base.Add(90 * time.Minute)
	runs, err = s.ListRuns(ctx, RunFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "c", runs[0].ID)
}

func TestMemoryStore_CheckpointLatestWins(t *testing.T) {
	s := NewMemoryStore()
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
	assert.Equal(t, "clarify", rec.Step)

	require.NoError(t, s.DeleteCheckpoint(ctx, "run-1"))
	_, err = s.GetCheckpoint(ctx, "run-1")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestMemoryStore_PromptResolveOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreatePrompt(ctx, &Prompt{
		ID: "p-1", RunID: "run-1", Step: "clarify", Question: "which symbol?",
	}))

	p, err := s.GetPrompt(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, PromptPending, p.Status)

	require.NoError(t, s.ResolvePrompt(ctx, "p-1", "600519.SH", "console"))
	p, err = s.GetPrompt(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, PromptResolved, p.Status)
	assert.Equal(t, "600519.SH", p.Response)
	assert.Equal(t, "console", p.ResolvedBy)
	require.NotNil(t, p.ResolvedAt)

	err = s.ResolvePrompt(ctx, "p-1", "again", "console")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	err = s.CancelPrompt(ctx, "p-1")
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	require.NoError(t, s.CreatePrompt(ctx, &Prompt{
		ID: "p-2", RunID: "run-1", Step: "clarify", Question: "which period?",
	}))
	require.NoError(t, s.CancelPrompt(ctx, "p-2"))

	pending, err := s.ListPrompts(ctx, PromptFilter{RunID: "run-1", Status: PromptPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryStore_EventSequencePerRun(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run-1", Type: schema.EventStepStarted}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run-2", Type: schema.EventRunStarted}))

	events, err := s.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	other, err := s.GetEvents(ctx, "run-2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence, "sequences are per run")

	tail, err := s.GetEvents(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Sequence)

	byType, err := s.GetEventsByType(ctx, schema.EventRunStarted, EventFilter{})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "run-2", byType[0].RunID)
}

func TestMemoryStore_Jobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	job := &ScheduledJob{
		ID: "job-1", Name: "daily refresh", Kind: JobDataRefresh,
		Cron: "0 18 * * 1-5", Enabled: true,
		Params: json.RawMessage(`{"symbols":["600519.SH"]}`),
	}
	require.NoError(t, s.CreateJob(ctx, job))

	err := s.CreateJob(ctx, &ScheduledJob{ID: "job-1", Name: "dup", Kind: JobDataRefresh})
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	disabled := false
	now := time.Now().UTC()
	next := now.Add(time.Hour)
	require.NoError(t, s.UpdateJob(ctx, "job-1", JobUpdate{
		Enabled: &disabled, LastRunAt: &now, NextRunAt: &next, LastRunStatus: "success",
	}))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "success", got.LastRunStatus)

	enabled := true
	jobs, err := s.ListJobs(ctx, JobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, s.DeleteJob(ctx, "job-1"))
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(s.DeleteJob(ctx, "job-1")))
}

func TestMemoryStore_Secrets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "advisor_api_key", []byte("sk-test")))
	require.NoError(t, s.StoreSecret(ctx, "tushare_token", []byte("tok")))

	v, err := s.GetSecret(ctx, "advisor_api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-test"), v)

	// Overwrite rotates in place.
	require.NoError(t, s.StoreSecret(ctx, "advisor_api_key", []byte("sk-new")))
	v, err = s.GetSecret(ctx, "advisor_api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-new"), v)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"advisor_api_key", "tushare_token"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "tushare_token"))
	_, err = s.GetSecret(ctx, "tushare_token")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestMemoryStore_DeleteRunDropsAttachments(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{ID: "run-1", Pipeline: "signal", Status: schema.RunStatusSuspended}))
	require.NoError(t, s.SaveCheckpoint(ctx, &CheckpointRecord{RunID: "run-1", Step: "clarify", Data: json.RawMessage(`{}`)}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run-1", Type: schema.EventRunStarted}))

	require.NoError(t, s.DeleteRun(ctx, "run-1"))

	_, err := s.GetCheckpoint(ctx, "run-1")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
	events, err := s.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
