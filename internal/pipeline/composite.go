package pipeline

import (
	"github.com/quantgraph/quantgraph/internal/engine"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

func mainSchema() *engine.Schema {
	return engine.NewSchema(MainWorkflow).
		Messages("messages").
		Map("user_intent", "signal_context", "backtest_context").
		Bool("signal_ready", "backtest_ready").
		AppendStrings("errors")
}

// BuildMainWorkflow compiles the composite graph: the signal
// sub-workflow feeds the backtest sub-workflow, gated on a generated
// signal. Each child runs against its own state schema; only the
// whitelisted context below crosses the boundary.
func BuildMainWorkflow(deps Deps) (*engine.Workflow, error) {
	signalChild, err := BuildSignalWorkflow(deps)
	if err != nil {
		return nil, err
	}
	backtestChild, err := BuildBacktestWorkflow(deps)
	if err != nil {
		return nil, err
	}
	eng := deps.Engine()

	signalStep := &engine.SubWorkflow{
		Name:  SignalWorkflow,
		Child: signalChild,
		Into:  signalInto,
		Back:  signalBack,
	}
	backtestStep := &engine.SubWorkflow{
		Name:  BacktestWorkflow,
		Child: backtestChild,
		Into:  backtestInto,
		Back:  backtestBack,
	}

	return engine.NewGraph(MainWorkflow, mainSchema()).
		Step(SignalWorkflow, signalStep.Step(eng)).
		Step(BacktestWorkflow, backtestStep.Step(eng)).
		Entry(SignalWorkflow).
		Route(SignalWorkflow, routeAfterSignal, BacktestWorkflow, engine.End).
		Edge(BacktestWorkflow, engine.End).
		Compile()
}

func routeAfterSignal(st engine.State) string {
	if st.Bool("signal_ready") {
		return BacktestWorkflow
	}
	return engine.End
}

// signalInto seeds the child with the parent's conversation and intent
// plus a fresh retry budget.
func signalInto(parent engine.State) engine.State {
	return engine.State{
		"messages":    parent.Messages("messages"),
		"user_intent": parent.Map("user_intent"),
		"max_retries": DefaultMaxRetries,
	}
}

// signalBack maps the child outcome into the parent: the readiness
// flag, a context capture for observability, the message delta and any
// accumulated errors. Child-local loop state never leaks upward.
func signalBack(parent, child engine.State) engine.Update {
	set := map[string]any{
		"signal_ready": child.Bool("signal_ready"),
		"signal_context": map[string]any{
			"data_ready":          child.Bool("data_ready"),
			"indicators_ready":    child.Bool("indicators_ready"),
			"signal_ready":        child.Bool("signal_ready"),
			"retry_count":         child.Int("retry_count"),
			"clarification_count": child.Int("clarification_count"),
		},
	}
	if delta := messageDelta(parent, child); len(delta) > 0 {
		set["messages"] = delta
	}
	if errs := child.Strings("error_messages"); len(errs) > 0 {
		set["errors"] = errs
	}
	return engine.Update{Set: set}
}

func backtestInto(parent engine.State) engine.State {
	return engine.State{
		"messages":     parent.Messages("messages"),
		"user_intent":  parent.Map("user_intent"),
		"signal_ready": parent.Bool("signal_ready"),
		"max_retries":  DefaultMaxRetries,
	}
}

func backtestBack(parent, child engine.State) engine.Update {
	set := map[string]any{
		"backtest_ready": child.Bool("pnl_plot_ready"),
		"backtest_context": map[string]any{
			"backtest_completed": child.Bool("backtest_completed"),
			"returns_ready":      child.Bool("returns_ready"),
			"pnl_plot_ready":     child.Bool("pnl_plot_ready"),
			"retry_count":        child.Int("retry_count"),
		},
	}
	if delta := messageDelta(parent, child); len(delta) > 0 {
		set["messages"] = delta
	}
	if errs := child.Strings("error_messages"); len(errs) > 0 {
		set["errors"] = errs
	}
	return engine.Update{Set: set}
}

// messageDelta returns the messages the child appended beyond the ones
// it inherited; the parent's append rule re-adds only the new tail.
func messageDelta(parent, child engine.State) []schema.Message {
	inherited := len(parent.Messages("messages"))
	msgs := child.Messages("messages")
	if len(msgs) <= inherited {
		return nil
	}
	return msgs[inherited:]
}
