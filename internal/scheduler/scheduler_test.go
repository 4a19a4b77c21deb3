package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/marketdata"
	"github.com/quantgraph/quantgraph/internal/store"
	"github.com/quantgraph/quantgraph/internal/streaming"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

type fakeLauncher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeLauncher) Enqueue(pipeline, query string, params map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pipeline+":"+query)
	return "run-1", nil
}

func (f *fakeLauncher) launched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func writeFixture(t *testing.T, dir, symbol string) {
	t.Helper()
	body := "ts_code,trade_date,open,high,low,close,vol\n"
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		price := 10.0 + float64(i)
		body += fmt.Sprintf("%s,%s,%.1f,%.1f,%.1f,%.1f,%d\n",
			symbol, day.Format("20060102"), price, price+1, price-1, price, 100)
		day = day.AddDate(0, 0, 1)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, symbol+".csv"), []byte(body), 0o644))
}

func newTestScheduler(t *testing.T) (*Scheduler, store.Store, *fakeLauncher, *datastore.Store, *streaming.MemoryHub) {
	t.Helper()
	dir := t.TempDir()
	writeFixture(t, dir, "600519.SH")

	st := store.NewMemoryStore()
	launcher := &fakeLauncher{}
	data := datastore.New()
	hub := streaming.NewMemoryHub()
	s := New(st, launcher, marketdata.NewCSVProvider(dir), data, hub,
		slog.New(slog.DiscardHandler), WithInterval(10*time.Millisecond))
	return s, st, launcher, data, hub
}

func TestScheduler_DataRefreshJob(t *testing.T) {
	s, st, _, data, _ := newTestScheduler(t)
	ctx := context.Background()

	params, _ := json.Marshal(refreshParams{Symbols: []string{"600519.SH"}})
	require.NoError(t, st.CreateJob(ctx, &store.ScheduledJob{
		ID: "job-1", Name: "refresh", Kind: store.JobDataRefresh,
		Cron: "@daily", Enabled: true, Params: params,
	}))

	s.tick(ctx)

	ohlcv, err := data.GetField(datastore.BucketOHLCV)
	require.NoError(t, err)
	assert.Contains(t, ohlcv, "close")
	assert.Equal(t, 5, ohlcv["close"].Rows())

	job, err := st.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "success", job.LastRunStatus)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))
}

func TestScheduler_PipelineRunJob(t *testing.T) {
	s, st, launcher, _, _ := newTestScheduler(t)
	ctx := context.Background()

	params, _ := json.Marshal(launchParams{Query: "ma cross on 600519.SH"})
	require.NoError(t, st.CreateJob(ctx, &store.ScheduledJob{
		ID: "job-2", Name: "nightly signal", Kind: store.JobPipelineRun,
		Cron: "0 18 * * 1-5", Pipeline: "signal", Enabled: true, Params: params,
	}))

	s.tick(ctx)

	assert.Equal(t, []string{"signal:ma cross on 600519.SH"}, launcher.launched())
}

func TestScheduler_SkipsFutureAndDisabled(t *testing.T) {
	s, st, launcher, _, _ := newTestScheduler(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.CreateJob(ctx, &store.ScheduledJob{
		ID: "job-future", Name: "later", Kind: store.JobPipelineRun,
		Cron: "@daily", Pipeline: "signal", Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, st.CreateJob(ctx, &store.ScheduledJob{
		ID: "job-off", Name: "off", Kind: store.JobPipelineRun,
		Cron: "@daily", Pipeline: "signal", Enabled: false,
	}))

	s.tick(ctx)
	assert.Empty(t, launcher.launched())
}

func TestScheduler_BadParamsRecordsError(t *testing.T) {
	s, st, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, st.CreateJob(ctx, &store.ScheduledJob{
		ID: "job-bad", Name: "bad", Kind: store.JobDataRefresh,
		Cron: "@daily", Enabled: true, Params: json.RawMessage(`{"symbols":[]}`),
	}))

	s.tick(ctx)

	job, err := st.GetJob(ctx, "job-bad")
	require.NoError(t, err)
	assert.Equal(t, "error", job.LastRunStatus)
	require.NotNil(t, job.NextRunAt, "failed jobs still reschedule")
}

func TestScheduler_JobEventsOnHub(t *testing.T) {
	s, st, _, _, hub := newTestScheduler(t)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{
		EventTypes: []string{schema.EventJobStarted, schema.EventJobCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	params, _ := json.Marshal(launchParams{Query: "q"})
	require.NoError(t, st.CreateJob(ctx, &store.ScheduledJob{
		ID: "job-3", Name: "evt", Kind: store.JobPipelineRun,
		Cron: "@daily", Pipeline: "signal", Enabled: true, Params: params,
	}))

	s.tick(ctx)

	first := <-ch
	assert.Equal(t, schema.EventJobStarted, first.Type)
	second := <-ch
	assert.Equal(t, schema.EventJobCompleted, second.Type)
}

func TestScheduler_StartStop(t *testing.T) {
	s, _, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	err := s.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
	require.NoError(t, s.Start(ctx), "restart after stop")
	require.NoError(t, s.Stop())
}

func TestCalculateNextRun(t *testing.T) {
	s, _, _, _, _ := newTestScheduler(t)

	from := time.Date(2026, 8, 3, 12, 30, 0, 0, time.UTC) // a Monday
	next, err := s.CalculateNextRun("0 18 * * 1-5", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 3, 18, 0, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", from)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeSchedule, schema.ErrorCode(err))
}

func TestScheduler_RecoverMissed(t *testing.T) {
	s, st, launcher, _, _ := newTestScheduler(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	params, _ := json.Marshal(launchParams{Query: "missed"})
	require.NoError(t, st.CreateJob(ctx, &store.ScheduledJob{
		ID: "job-missed", Name: "missed", Kind: store.JobPipelineRun,
		Cron: "@daily", Pipeline: "signal", Enabled: true,
		NextRunAt: &past, Params: params,
	}))

	require.NoError(t, s.RecoverMissed(ctx))
	assert.Equal(t, []string{"signal:missed"}, launcher.launched())
}
