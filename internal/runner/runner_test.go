package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/marketdata"
	"github.com/quantgraph/quantgraph/internal/pipeline"
	"github.com/quantgraph/quantgraph/internal/quality"
	"github.com/quantgraph/quantgraph/internal/reasoning"
	"github.com/quantgraph/quantgraph/internal/store"
	"github.com/quantgraph/quantgraph/internal/streaming"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

const fixtureSymbol = "600519.SH"

func writeDailyFixture(t *testing.T, dir string) {
	t.Helper()
	body := "ts_code,trade_date,open,high,low,close,vol\n"
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		price := 100.0 + float64(i)
		body += fmt.Sprintf("%s,%s,%.1f,%.1f,%.1f,%.1f,%d\n",
			fixtureSymbol, day.Format("20060102"), price-0.5, price+1, price-1, price, 1000+i)
		day = day.AddDate(0, 0, 1)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, fixtureSymbol+".csv"), []byte(body), 0o644))
}

func newTestService(t *testing.T) (*Service, store.Store, *streaming.MemoryHub) {
	t.Helper()
	dataDir := t.TempDir()
	writeDailyFixture(t, dataDir)

	checker, err := quality.NewChecker(quality.DefaultRules())
	require.NoError(t, err)

	deps := pipeline.Deps{
		Datastore: datastore.New(),
		Advisor:   reasoning.NewScriptedAdvisor(),
		Provider:  marketdata.NewCSVProvider(dataDir),
		Quality:   checker,
		Workspace: t.TempDir(),
		Logger:    slog.New(slog.DiscardHandler),
	}
	st := store.NewMemoryStore()
	hub := streaming.NewMemoryHub()
	svc, err := NewService(pipeline.Default(), deps, st, hub, WithWorkers(2))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, st, hub
}

func eventTypes(events []*store.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestService_RunCompletes(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.Run(ctx, pipeline.SignalWorkflow, "ma cross strategy on "+fixtureSymbol, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, out.Status)
	assert.True(t, out.State.Bool("signal_ready"))

	run, err := st.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.NotEmpty(t, run.FinalState)
	require.NotNil(t, run.CompletedAt)

	events, err := st.GetEvents(ctx, out.RunID, 0)
	require.NoError(t, err)
	types := eventTypes(events)
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunCompleted, types[len(types)-1])
	assert.Contains(t, types, schema.EventStepCompleted)
}

func TestService_SuspendResumeRoundTrip(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.Run(ctx, pipeline.SignalWorkflow, "make me rich", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuspended, out.Status)
	assert.Contains(t, out.Question, "symbol")
	require.NotEmpty(t, out.PromptID)

	run, err := st.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuspended, run.Status)

	rec, err := st.GetCheckpoint(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "clarify", rec.Step)

	resumed, err := svc.Resume(ctx, out.RunID, "use "+fixtureSymbol+" please", "console")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, resumed.Status)
	assert.True(t, resumed.State.Bool("signal_ready"))

	prompt, err := st.GetPrompt(ctx, out.PromptID)
	require.NoError(t, err)
	assert.Equal(t, store.PromptResolved, prompt.Status)
	assert.Equal(t, "console", prompt.ResolvedBy)

	_, err = st.GetCheckpoint(ctx, out.RunID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err),
		"checkpoint retired on completion")

	events, err := st.GetEvents(ctx, out.RunID, 0)
	require.NoError(t, err)
	types := eventTypes(events)
	assert.Contains(t, types, schema.EventPromptRequested)
	assert.Contains(t, types, schema.EventPromptResolved)
	assert.Contains(t, types, schema.EventRunResumed)
}

func TestService_ResumeConflicts(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.Run(ctx, pipeline.SignalWorkflow, "ma cross strategy on "+fixtureSymbol, nil)
	require.NoError(t, err)

	_, err = svc.Resume(ctx, out.RunID, "anything", "console")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	_, err = svc.Resume(ctx, "missing", "anything", "console")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestService_Cancel(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.Run(ctx, pipeline.SignalWorkflow, "make me rich", nil)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSuspended, out.Status)

	require.NoError(t, svc.Cancel(ctx, out.RunID))

	run, err := st.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, run.Status)

	prompt, err := st.GetPrompt(ctx, out.PromptID)
	require.NoError(t, err)
	assert.Equal(t, store.PromptCancelled, prompt.Status)

	_, err = st.GetCheckpoint(ctx, out.RunID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	err = svc.Cancel(ctx, out.RunID)
	require.Error(t, err, "terminal runs admit no transitions")
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestService_Status(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.Run(ctx, pipeline.SignalWorkflow, "make me rich", nil)
	require.NoError(t, err)

	st, err := svc.Status(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuspended, st.Run.Status)
	require.NotNil(t, st.Prompt)
	assert.Equal(t, out.PromptID, st.Prompt.ID)
	assert.NotEmpty(t, st.Events)
}

func TestService_EnqueueAndPoll(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	runID, err := svc.Enqueue(pipeline.SignalWorkflow, "ma cross strategy on "+fixtureSymbol, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for {
		run, err := st.GetRun(ctx, runID)
		require.NoError(t, err)
		if run.Status == schema.RunStatusCompleted {
			break
		}
		require.NotEqual(t, schema.RunStatusFailed, run.Status)
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in %s", run.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestService_HubSeesLifecycle(t *testing.T) {
	svc, _, hub := newTestService(t)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{
		EventTypes: []string{schema.EventRunStarted, schema.EventRunCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	_, err = svc.Run(ctx, pipeline.SignalWorkflow, "ma cross strategy on "+fixtureSymbol, nil)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, schema.EventRunStarted, first.Type)
	second := <-ch
	assert.Equal(t, schema.EventRunCompleted, second.Type)
}

func TestService_UnknownPipeline(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Run(context.Background(), "nope", "q", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestInitialState_LiftsDeclaredParams(t *testing.T) {
	svc, _, _ := newTestService(t)
	wf, ok := svc.Resolve(pipeline.SignalWorkflow)
	require.True(t, ok)

	st := initialState(wf, "ma cross on "+fixtureSymbol, map[string]any{
		"max_retries": 5,
		"indicators":  []string{"pe"},
	})
	assert.Equal(t, 5, st["max_retries"], "declared fields lift into state")
	intent, _ := st["user_intent"].(map[string]any)
	require.NotNil(t, intent)
	assert.Equal(t, "ma cross on "+fixtureSymbol, intent["query"])
	assert.Equal(t, []string{"pe"}, intent["indicators"], "undeclared params ride in the intent")

	msgs, _ := st["messages"].([]schema.Message)
	require.Len(t, msgs, 1)
	assert.Equal(t, schema.RoleUser, msgs[0].Role)
}

func TestService_TaskLogWritten(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.Run(ctx, pipeline.SignalWorkflow, "ma cross strategy on "+fixtureSymbol, nil)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, out.Status)

	day := time.Now().UTC().Format("2006-01-02")
	logPath := filepath.Join(svc.deps.Workspace, "logs", day, "task-1", "execution_log.jsonl")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), schema.EventStepCompleted)
}
