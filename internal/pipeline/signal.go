package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/engine"
	"github.com/quantgraph/quantgraph/internal/marketdata"
	"github.com/quantgraph/quantgraph/internal/quality"
	"github.com/quantgraph/quantgraph/internal/reasoning"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

// signalSchema declares the signal workflow's state fields. History and
// errors accumulate across the reflection loop; everything else is
// last-writer-wins.
func signalSchema() *engine.Schema {
	return engine.NewSchema(SignalWorkflow).
		Messages("messages").
		String("next_action", "next_action_desc", "current_task", "clarification_needed").
		Bool("data_ready", "indicators_ready", "signal_ready").
		AppendStrings("execution_history", "error_messages").
		Int("max_retries", "retry_count", "clarification_count").
		Map("user_intent")
}

var signalActions = []string{"data_fetch", "signal_generate", "clarify", "validate", "end"}

type signalPipeline struct {
	deps Deps
}

// BuildSignalWorkflow compiles the signal generation graph: a
// reflection loop that fetches data, generates the strategy signal,
// validates quality, and asks the user to clarify when the request is
// underspecified.
func BuildSignalWorkflow(deps Deps) (*engine.Workflow, error) {
	p := signalPipeline{deps: deps}
	return engine.NewGraph(SignalWorkflow, signalSchema()).
		Step("reflection", p.reflection).
		Step("data_fetch", p.dataFetch).
		Step("signal_generate", p.signalGenerate).
		Step("clarify", p.clarify).
		Step("validate", p.validate).
		Entry("reflection").
		Route("reflection", routeAfterReflection,
			"data_fetch", "signal_generate", "clarify", "validate", engine.End).
		Route("data_fetch", routeAfterDataFetch, "reflection", "validate", engine.End).
		Route("signal_generate", routeAfterSignalGenerate, "reflection", "validate").
		Route("validate", routeAfterValidate, "reflection", engine.End).
		Edge("clarify", "reflection").
		Compile()
}

func signalFlags(st engine.State) map[string]any {
	return map[string]any{
		"data_ready":          st.Bool("data_ready"),
		"indicators_ready":    st.Bool("indicators_ready"),
		"signal_ready":        st.Bool("signal_ready"),
		"retry_count":         st.Int("retry_count"),
		"clarification_count": st.Int("clarification_count"),
	}
}

// reflection asks the advisor for the next action. Every decision
// counts against the retry budget and leaves one history entry.
func (p signalPipeline) reflection(ctx context.Context, st engine.State, rt *engine.Runtime) (*engine.StepResult, error) {
	directive, err := p.deps.Advisor.Decide(ctx, reasoning.DecideRequest{
		Query:    userQuery(st),
		Messages: st.Messages("messages"),
		Flags:    signalFlags(st),
		Allowed:  signalActions,
		History:  st.Strings("execution_history"),
		Errors:   st.Strings("error_messages"),
	})
	if err != nil {
		return nil, err
	}

	set := map[string]any{
		"next_action":       directive.NextAction,
		"next_action_desc":  directive.NextActionDesc,
		"current_task":      directive.NextAction,
		"retry_count":       st.Int("retry_count") + 1,
		"execution_history": []string{"reflection: " + directive.Analysis},
	}
	if directive.NextAction == "clarify" {
		set["clarification_needed"] = firstNonEmpty(directive.NextActionDesc, "symbol")
	}
	return engine.Complete(engine.Update{Set: set}), nil
}

// dataFetch pulls daily bars (and any requested indicators) into the
// shared store, then reports readiness from a fresh snapshot rather
// than from its own bookkeeping.
func (p signalPipeline) dataFetch(ctx context.Context, st engine.State, rt *engine.Runtime) (*engine.StepResult, error) {
	text := userQuery(st) + "\n" + st.String("next_action_desc")
	symbols := reasoning.Symbols(text, st.Messages("messages"))
	if len(symbols) == 0 {
		return engine.Complete(engine.Update{Set: map[string]any{
			"execution_history": []string{"data fetch: no symbol to fetch"},
			"error_messages":    []string{"data fetch failed: no exchange-qualified symbol in the request"},
		}}), nil
	}
	start, end := reasoning.DateRange(text)
	start, end = compactDate(start), compactDate(end)

	daily, err := p.deps.Provider.Daily(ctx, symbols, start, end)
	if err != nil {
		return engine.Complete(engine.Update{Set: map[string]any{
			"execution_history": []string{"data fetch failed for " + strings.Join(symbols, ",")},
			"error_messages":    []string{"data fetch failed: " + err.Error()},
		}}), nil
	}
	if err := rt.Data.Update(datastore.BucketOHLCV, daily); err != nil {
		return nil, err
	}

	history := []string{fmt.Sprintf("data fetch: OHLCV %v for %v", sortedKeys(daily), symbols)}
	wanted := intentStrings(st, "indicators")
	if len(wanted) > 0 {
		indicators, err := p.deps.Provider.Indicators(ctx, symbols, start, end, wanted)
		if err != nil {
			history = append(history, "indicator fetch failed: "+err.Error())
		} else if err := rt.Data.Update(datastore.BucketIndicators, indicators); err != nil {
			return nil, err
		}
	}

	snapshot := rt.Data.Snapshot()
	return engine.Complete(engine.Update{Set: map[string]any{
		"data_ready":        len(snapshot[datastore.BucketOHLCV]) > 0,
		"indicators_ready":  len(snapshot[datastore.BucketIndicators]) > 0,
		"execution_history": history,
	}}), nil
}

// signalGenerate plans a strategy recipe with the advisor and computes
// the signal into the store.
func (p signalPipeline) signalGenerate(ctx context.Context, st engine.State, rt *engine.Runtime) (*engine.StepResult, error) {
	snapshot := rt.Data.Snapshot()

	spec, err := p.deps.Advisor.Plan(ctx, reasoning.PlanRequest{
		Query:      firstNonEmpty(st.String("next_action_desc"), userQuery(st)),
		Messages:   st.Messages("messages"),
		Indicators: sortedKeys(snapshot[datastore.BucketIndicators]),
	})
	if err != nil {
		return engine.Complete(engine.Update{Set: map[string]any{
			"execution_history": []string{"signal generation: planning failed"},
			"error_messages":    []string{"strategy planning failed: " + err.Error()},
		}}), nil
	}

	signal, err := marketdata.ComputeSignal(spec,
		snapshot[datastore.BucketOHLCV], snapshot[datastore.BucketIndicators])
	if err != nil {
		return engine.Complete(engine.Update{Set: map[string]any{
			"execution_history": []string{fmt.Sprintf("signal generation failed for %s strategy", spec.Kind)},
			"error_messages":    []string{"signal generation failed: " + err.Error()},
		}}), nil
	}

	key := firstNonEmpty(spec.SignalKey, "signal")
	if err := rt.Data.Update(datastore.BucketSignal, map[string]*schema.Dataset{key: signal}); err != nil {
		return nil, err
	}
	return engine.Complete(engine.Update{Set: map[string]any{
		"signal_ready": true,
		"execution_history": []string{fmt.Sprintf("signal generation: %s stored as %q (%d rows)",
			spec.Kind, key, signal.Rows())},
	}}), nil
}

// validate runs the quality rules (and the advisor's review when one is
// configured). Error-severity findings accumulate as error messages; a
// clean pass is the one place the error list is cleared and the retry
// budget restored.
func (p signalPipeline) validate(ctx context.Context, st engine.State, rt *engine.Runtime) (*engine.StepResult, error) {
	flags := signalFlags(st)
	var issues []schema.Issue
	if p.deps.Quality != nil {
		issues = p.deps.Quality.Check(ctx, quality.BuildEnv(rt.Data, flags))
	}
	if p.deps.Advisor != nil {
		report, err := p.deps.Advisor.Review(ctx, reasoning.ReviewRequest{
			Summaries: rt.Data.Summaries(),
			Issues:    issues,
			Flags:     flags,
		})
		if err != nil {
			rt.Logger.WarnContext(ctx, "advisor review unavailable, using rule findings",
				"error", err.Error())
		} else {
			issues = report.IssuesFound
		}
	}

	var failures []string
	for _, issue := range issues {
		if issue.Severity == schema.SeverityError {
			failures = append(failures, "validation: "+issue.Message)
		}
	}
	if len(failures) > 0 {
		return engine.Complete(engine.Update{Set: map[string]any{
			"error_messages":    failures,
			"execution_history": []string{fmt.Sprintf("validation found %d blocking issue(s)", len(failures))},
		}}), nil
	}
	return engine.Complete(engine.Update{
		Clear: []string{"error_messages"},
		Set: map[string]any{
			"retry_count":       0,
			"execution_history": []string{"validation passed"},
		},
	}), nil
}

// clarify suspends the run with a question for the user. The question
// is generated once per suspension; on resume the same step consumes
// the response instead of asking again.
func (p signalPipeline) clarify(ctx context.Context, st engine.State, rt *engine.Runtime) (*engine.StepResult, error) {
	if response, ok := rt.ResumeValue(); ok {
		text := fmt.Sprint(response)
		return engine.Complete(engine.Update{Set: map[string]any{
			"messages":             []schema.Message{schema.UserMessage(text)},
			"clarification_count":  st.Int("clarification_count") + 1,
			"clarification_needed": "",
			"execution_history":    []string{"user clarified: " + truncate(text, 60)},
		}}), nil
	}

	question, err := p.deps.Advisor.Clarify(ctx, reasoning.ClarifyRequest{
		Query:    userQuery(st),
		Messages: st.Messages("messages"),
		Missing:  st.String("clarification_needed"),
	})
	if err != nil {
		return nil, err
	}
	return engine.SuspendWith(question, engine.Update{Set: map[string]any{
		"messages":          []schema.Message{schema.AssistantMessage(question)},
		"execution_history": []string{"awaiting clarification"},
	}}), nil
}

func routeAfterReflection(st engine.State) string {
	switch st.String("next_action") {
	case "data_fetch", "signal_generate", "clarify", "validate":
		return st.String("next_action")
	}
	return engine.End
}

func routeAfterDataFetch(st engine.State) string {
	if len(st.Strings("error_messages")) > 0 {
		if st.Int("retry_count") < maxRetries(st) {
			return "reflection"
		}
		return engine.End
	}
	return "validate"
}

func routeAfterSignalGenerate(st engine.State) string {
	if len(st.Strings("error_messages")) > 0 {
		return "reflection"
	}
	return "validate"
}

func routeAfterValidate(st engine.State) string {
	if len(st.Strings("error_messages")) > 0 {
		if st.Int("retry_count") < maxRetries(st) {
			return "reflection"
		}
		return engine.End
	}
	// Clean pass: done once the signal exists, otherwise hand the
	// decision back to reflection for the next stage.
	if st.Bool("signal_ready") {
		return engine.End
	}
	return "reflection"
}

func maxRetries(st engine.State) int {
	if n := st.Int("max_retries"); n > 0 {
		return n
	}
	return DefaultMaxRetries
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sortedKeys(m map[string]*schema.Dataset) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
