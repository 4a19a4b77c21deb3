package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/quantgraph/quantgraph/internal/backtest"
	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/engine"
	"github.com/quantgraph/quantgraph/internal/reasoning"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

func backtestSchema() *engine.Schema {
	return engine.NewSchema(BacktestWorkflow).
		Messages("messages").
		String("current_task").
		Bool("signal_ready", "backtest_completed", "returns_ready", "pnl_plot_ready").
		AppendStrings("execution_history", "error_messages").
		Int("max_retries", "retry_count").
		Map("backtest_params", "user_intent")
}

var backtestActions = []string{"backtest", "pnl_report", "end"}

type backtestPipeline struct {
	deps Deps
}

// BuildBacktestWorkflow compiles the backtest graph: reflection decides
// between running the simulation and writing the report, the backtest
// step always returns to reflection for a completion check, and the
// report step terminates the run.
func BuildBacktestWorkflow(deps Deps) (*engine.Workflow, error) {
	p := backtestPipeline{deps: deps}
	return engine.NewGraph(BacktestWorkflow, backtestSchema()).
		Step("reflection", p.reflection).
		Step("backtest", p.backtest).
		Step("pnl_report", p.pnlReport).
		Entry("reflection").
		Route("reflection", routeAfterBacktestReflection, "backtest", "pnl_report", engine.End).
		Edge("backtest", "reflection").
		Edge("pnl_report", engine.End).
		Compile()
}

func backtestFlags(st engine.State) map[string]any {
	return map[string]any{
		"signal_ready":       st.Bool("signal_ready"),
		"backtest_completed": st.Bool("backtest_completed"),
		"returns_ready":      st.Bool("returns_ready"),
		"pnl_plot_ready":     st.Bool("pnl_plot_ready"),
		"retry_count":        st.Int("retry_count"),
	}
}

// reflection picks the current task. The retry budget is consumed only
// when errors force the simulation to be rerun, not on every pass.
func (p backtestPipeline) reflection(ctx context.Context, st engine.State, rt *engine.Runtime) (*engine.StepResult, error) {
	directive, err := p.deps.Advisor.Decide(ctx, reasoning.DecideRequest{
		Query:    userQuery(st),
		Messages: st.Messages("messages"),
		Flags:    backtestFlags(st),
		Allowed:  backtestActions,
		History:  st.Strings("execution_history"),
		Errors:   st.Strings("error_messages"),
	})
	if err != nil {
		return nil, err
	}

	set := map[string]any{
		"current_task":      directive.NextAction,
		"execution_history": []string{"reflection: " + directive.Analysis},
	}
	if len(st.Strings("error_messages")) > 0 && directive.NextAction == "backtest" {
		set["retry_count"] = st.Int("retry_count") + 1
	}
	return engine.Complete(engine.Update{Set: set}), nil
}

// backtest simulates the stored signal against the stored closes and
// publishes daily returns, the equity curve and the stats into the
// backtest_results bucket. Completion is judged from a fresh snapshot.
func (p backtestPipeline) backtest(ctx context.Context, st engine.State, rt *engine.Runtime) (*engine.StepResult, error) {
	snapshot := rt.Data.Snapshot()

	signal := pickSignal(snapshot[datastore.BucketSignal])
	close := snapshot[datastore.BucketOHLCV]["close"]
	if signal == nil || close == nil {
		return engine.Complete(engine.Update{Set: map[string]any{
			"execution_history": []string{"backtest skipped: missing signal or close data"},
			"error_messages":    []string{"backtest failed: signal and close data must both be present"},
		}}), nil
	}

	outcome, err := backtest.Run(signal, close, backtestParams(st))
	if err != nil {
		return engine.Complete(engine.Update{Set: map[string]any{
			"execution_history": []string{"backtest failed"},
			"error_messages":    []string{"backtest failed: " + err.Error()},
		}}), nil
	}
	if err := rt.Data.Update(datastore.BucketBacktest, backtest.BucketEntries(outcome)); err != nil {
		return nil, err
	}

	completed := hasReturns(rt.Data.Snapshot())
	return engine.Complete(engine.Update{Set: map[string]any{
		"backtest_completed": completed,
		"returns_ready":      completed,
		"execution_history": []string{fmt.Sprintf(
			"backtest: total return %+.2f%% over %d days, %d trades",
			outcome.Stats.TotalReturn*100, outcome.DailyReturns.Rows(), outcome.Stats.Trades)},
	}}), nil
}

// pnlReport renders the report artifacts from the stored outcome.
func (p backtestPipeline) pnlReport(ctx context.Context, st engine.State, rt *engine.Runtime) (*engine.StepResult, error) {
	entries, err := rt.Data.GetField(datastore.BucketBacktest)
	if err != nil {
		return nil, err
	}
	outcome, err := backtest.FromBucket(entries)
	if err != nil {
		return engine.Complete(engine.Update{Set: map[string]any{
			"pnl_plot_ready":    false,
			"execution_history": []string{"report skipped: no backtest results"},
			"error_messages":    []string{"report failed: " + err.Error()},
		}}), nil
	}

	dir := filepath.Join(p.deps.Workspace, "reports")
	if err := backtest.WriteReport(dir, outcome); err != nil {
		return engine.Complete(engine.Update{Set: map[string]any{
			"pnl_plot_ready":    false,
			"execution_history": []string{"report writing failed"},
			"error_messages":    []string{"report failed: " + err.Error()},
		}}), nil
	}
	return engine.Complete(engine.Update{Set: map[string]any{
		"pnl_plot_ready":    true,
		"execution_history": []string{"report written to " + dir},
	}}), nil
}

func routeAfterBacktestReflection(st engine.State) string {
	done := st.Bool("backtest_completed") && st.Bool("returns_ready")

	if st.Int("retry_count") >= maxRetries(st) {
		if done {
			return "pnl_report"
		}
		return engine.End
	}

	switch st.String("current_task") {
	case "backtest":
		return "backtest"
	case "pnl_report":
		if done {
			return "pnl_report"
		}
		return "backtest"
	case "end":
		return engine.End
	}

	// No explicit task: fall back to the readiness chain.
	if !st.Bool("signal_ready") {
		return engine.End
	}
	if !st.Bool("backtest_completed") {
		return "backtest"
	}
	if !st.Bool("pnl_plot_ready") {
		return "pnl_report"
	}
	return engine.End
}

// pickSignal selects the signal dataset: the conventional "signal" key
// when present, otherwise the lexicographically first entry so the
// choice is deterministic.
func pickSignal(entries map[string]*schema.Dataset) *schema.Dataset {
	if ds, ok := entries["signal"]; ok {
		return ds
	}
	keys := sortedKeys(entries)
	if len(keys) == 0 {
		return nil
	}
	return entries[keys[0]]
}

func backtestParams(st engine.State) backtest.Params {
	params := backtest.DefaultParams()
	raw := st.Map("backtest_params")
	if v, ok := toFloat(raw["init_cash"]); ok {
		params.InitCash = v
	}
	if v, ok := toFloat(raw["fees"]); ok {
		params.Fees = v
	}
	if v, ok := toFloat(raw["slippage"]); ok {
		params.Slippage = v
	}
	return params
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}

func hasReturns(snapshot map[string]map[string]*schema.Dataset) bool {
	_, ok := snapshot[datastore.BucketBacktest][backtest.ReturnsKey]
	return ok
}
