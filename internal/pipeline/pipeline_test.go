package pipeline

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

	"github.com/quantgraph/quantgraph/internal/backtest"
	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/engine"
	"github.com/quantgraph/quantgraph/internal/marketdata"
	"github.com/quantgraph/quantgraph/internal/quality"
	"github.com/quantgraph/quantgraph/internal/reasoning"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

const fixtureSymbol = "600519.SH"

// writeDailyFixture writes a 40-day tushare-style daily file with a
// steadily rising close, enough for a 5/20 moving-average cross.
func writeDailyFixture(t *testing.T, dir, symbol string) {
	t.Helper()
	body := "ts_code,trade_date,open,high,low,close,vol,pe\n"
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		price := 100.0 + float64(i)
		body += fmt.Sprintf("%s,%s,%.1f,%.1f,%.1f,%.1f,%d,%.1f\n",
			symbol, day.Format("20060102"), price-0.5, price+1, price-1, price, 1000+i, 30.0)
		day = day.AddDate(0, 0, 1)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, symbol+".csv"), []byte(body), 0o644))
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	dataDir := t.TempDir()
	writeDailyFixture(t, dataDir, fixtureSymbol)

	checker, err := quality.NewChecker(quality.DefaultRules())
	require.NoError(t, err)

	return Deps{
		Datastore: datastore.New(),
		Advisor:   reasoning.NewScriptedAdvisor(),
		Provider:  marketdata.NewCSVProvider(dataDir),
		Quality:   checker,
		Workspace: t.TempDir(),
		Logger:    slog.New(slog.DiscardHandler),
	}
}

func initialState(query string) engine.State {
	return engine.State{
		"messages":    []schema.Message{schema.UserMessage(query)},
		"user_intent": map[string]any{"query": query},
	}
}

func TestSignalWorkflow_EndToEnd(t *testing.T) {
	deps := newTestDeps(t)
	wf, err := BuildSignalWorkflow(deps)
	require.NoError(t, err)

	res, err := deps.Engine().Run(context.Background(), wf,
		initialState("ma cross strategy on "+fixtureSymbol))
	require.NoError(t, err)
	require.False(t, res.Suspended())

	assert.True(t, res.State.Bool("data_ready"))
	assert.True(t, res.State.Bool("signal_ready"))
	assert.Empty(t, res.State.Strings("error_messages"))
	assert.Equal(t, 0, res.State.Int("retry_count"), "clean validation resets the retry budget")
	assert.Contains(t, res.State.Strings("execution_history"), "validation passed")

	signals, err := deps.Datastore.GetField(datastore.BucketSignal)
	require.NoError(t, err)
	require.Contains(t, signals, "signal")
	assert.Equal(t, 40, signals["signal"].Rows())
}

func TestSignalWorkflow_ClarifySuspendResume(t *testing.T) {
	deps := newTestDeps(t)
	wf, err := BuildSignalWorkflow(deps)
	require.NoError(t, err)
	eng := deps.Engine()

	res, err := eng.Run(context.Background(), wf, initialState("make me rich"))
	require.NoError(t, err)
	require.True(t, res.Suspended())
	question, ok := res.Interrupt.Payload.(string)
	require.True(t, ok)
	assert.Contains(t, question, "symbol")

	res, err = eng.Resume(context.Background(), wf, res.Interrupt.Checkpoint,
		"use "+fixtureSymbol+" please")
	require.NoError(t, err)
	require.False(t, res.Suspended())
	assert.True(t, res.State.Bool("signal_ready"))
	assert.Equal(t, 1, res.State.Int("clarification_count"))

	// The clarification response entered the conversation.
	msgs := res.State.Messages("messages")
	found := false
	for _, m := range msgs {
		if m.Role == schema.RoleUser && m.Content == "use "+fixtureSymbol+" please" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSignalWorkflow_RetryExhaustion(t *testing.T) {
	deps := newTestDeps(t)
	// A symbol with no data file: every fetch fails.
	wf, err := BuildSignalWorkflow(deps)
	require.NoError(t, err)

	res, err := deps.Engine().Run(context.Background(), wf,
		initialState("ma cross on 999999.SZ"))
	require.NoError(t, err)
	require.False(t, res.Suspended())

	assert.False(t, res.State.Bool("signal_ready"))
	assert.Equal(t, DefaultMaxRetries, res.State.Int("retry_count"))
	assert.Len(t, res.State.Strings("error_messages"), DefaultMaxRetries,
		"one fetch failure per reflection cycle, never cleared")
}

// TestSignalRouting_AfterValidate pins the post-validation decision
// table: blocking findings feed the retry loop until the budget runs
// out; a clean pass ends the run only once the signal exists, and
// otherwise returns control to reflection for the next stage.
func TestSignalRouting_AfterValidate(t *testing.T) {
	cases := []struct {
		name  string
		state engine.State
		want  string
	}{
		{
			name: "errors with retries left",
			state: engine.State{
				"error_messages": []string{"validation: no ohlcv data"},
				"retry_count":    1,
				"max_retries":    3,
			},
			want: "reflection",
		},
		{
			name: "errors with budget exhausted",
			state: engine.State{
				"error_messages": []string{"validation: no ohlcv data"},
				"retry_count":    3,
				"max_retries":    3,
			},
			want: engine.End,
		},
		{
			name:  "clean with signal ready",
			state: engine.State{"signal_ready": true},
			want:  engine.End,
		},
		{
			name:  "clean before any signal",
			state: engine.State{"data_ready": true},
			want:  "reflection",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, routeAfterValidate(tc.state))
		})
	}
}

func TestBacktestWorkflow_EndToEnd(t *testing.T) {
	deps := newTestDeps(t)
	seedSignal(t, deps)

	wf, err := BuildBacktestWorkflow(deps)
	require.NoError(t, err)
	res, err := deps.Engine().Run(context.Background(), wf, engine.State{
		"messages":     []schema.Message{schema.UserMessage("backtest " + fixtureSymbol)},
		"signal_ready": true,
	})
	require.NoError(t, err)
	require.False(t, res.Suspended())

	assert.True(t, res.State.Bool("backtest_completed"))
	assert.True(t, res.State.Bool("returns_ready"))
	assert.True(t, res.State.Bool("pnl_plot_ready"))
	assert.Empty(t, res.State.Strings("error_messages"))

	results, err := deps.Datastore.GetField(datastore.BucketBacktest)
	require.NoError(t, err)
	assert.Contains(t, results, backtest.ReturnsKey)
	assert.Contains(t, results, backtest.EquityKey)
	assert.Contains(t, results, backtest.StatsKey)

	_, err = os.Stat(filepath.Join(deps.Workspace, "reports", backtest.ReportFile))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(deps.Workspace, "reports", backtest.ReturnsFile))
	assert.NoError(t, err)
}

func TestBacktestWorkflow_MissingSignal(t *testing.T) {
	deps := newTestDeps(t)
	wf, err := BuildBacktestWorkflow(deps)
	require.NoError(t, err)

	res, err := deps.Engine().Run(context.Background(), wf, engine.State{
		"messages": []schema.Message{schema.UserMessage("backtest " + fixtureSymbol)},
	})
	require.NoError(t, err)
	require.False(t, res.Suspended())

	assert.False(t, res.State.Bool("pnl_plot_ready"))
	assert.NotEmpty(t, res.State.Strings("error_messages"))
}

func TestMainWorkflow_EndToEnd(t *testing.T) {
	deps := newTestDeps(t)
	wf, err := BuildMainWorkflow(deps)
	require.NoError(t, err)

	res, err := deps.Engine().Run(context.Background(), wf,
		initialState("ma cross strategy on "+fixtureSymbol))
	require.NoError(t, err)
	require.False(t, res.Suspended())

	assert.True(t, res.State.Bool("signal_ready"))
	assert.True(t, res.State.Bool("backtest_ready"))
	assert.Empty(t, res.State.Strings("errors"))

	signalCtx := res.State.Map("signal_context")
	require.NotNil(t, signalCtx)
	assert.Equal(t, true, signalCtx["signal_ready"])
	backtestCtx := res.State.Map("backtest_context")
	require.NotNil(t, backtestCtx)
	assert.Equal(t, true, backtestCtx["pnl_plot_ready"])

	// Child-local loop fields stay out of the parent state.
	_, leaked := res.State["retry_count"]
	assert.False(t, leaked)

	_, err = os.Stat(filepath.Join(deps.Workspace, "reports", backtest.ReportFile))
	assert.NoError(t, err)
}

func TestMainWorkflow_ClarifyBubblesToParent(t *testing.T) {
	deps := newTestDeps(t)
	wf, err := BuildMainWorkflow(deps)
	require.NoError(t, err)
	eng := deps.Engine()

	res, err := eng.Run(context.Background(), wf, initialState("make me rich"))
	require.NoError(t, err)
	require.True(t, res.Suspended())
	require.NotNil(t, res.Interrupt.Checkpoint.Child, "child checkpoint rides inside the parent's")

	res, err = eng.Resume(context.Background(), wf, res.Interrupt.Checkpoint,
		"use "+fixtureSymbol+" with a simple ma cross")
	require.NoError(t, err)
	require.False(t, res.Suspended())
	assert.True(t, res.State.Bool("signal_ready"))
	assert.True(t, res.State.Bool("backtest_ready"))
}

func TestRegistry(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{BacktestWorkflow, MainWorkflow, SignalWorkflow}, r.Names())

	err := r.Register(SignalWorkflow, BuildSignalWorkflow)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	_, err = r.Build("nope", newTestDeps(t))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	wf, err := r.Build(SignalWorkflow, newTestDeps(t))
	require.NoError(t, err)
	assert.Equal(t, SignalWorkflow, wf.Name())
}

// seedSignal fetches the fixture data and stores a computed signal, the
// state the backtest workflow expects to start from.
func seedSignal(t *testing.T, deps Deps) {
	t.Helper()
	ctx := context.Background()
	daily, err := deps.Provider.Daily(ctx, []string{fixtureSymbol}, "", "")
	require.NoError(t, err)
	require.NoError(t, deps.Datastore.Update(datastore.BucketOHLCV, daily))

	spec := &schema.StrategySpec{Kind: schema.StrategyMACross, Fast: 5, Slow: 20, SignalKey: "signal"}
	signal, err := marketdata.ComputeSignal(spec, daily, nil)
	require.NoError(t, err)
	require.NoError(t, deps.Datastore.Update(datastore.BucketSignal,
		map[string]*schema.Dataset{"signal": signal}))
}
