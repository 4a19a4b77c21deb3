package reasoning

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

var (
	symbolRe = regexp.MustCompile(`\b\d{6}\.(?:SH|SZ)\b`)
	dateRe   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
)

// ScriptedAdvisor is the deterministic advisor: it derives decisions
// from the query text and readiness flags with fixed rules. It is the
// default advisor mode and the test double for the HTTP one.
type ScriptedAdvisor struct{}

// NewScriptedAdvisor creates the scripted advisor.
func NewScriptedAdvisor() *ScriptedAdvisor { return &ScriptedAdvisor{} }

// Symbols extracts exchange-qualified symbols (600519.SH style) from
// the query and any prior user messages, in order of first appearance.
func Symbols(query string, messages []schema.Message) []string {
	text := query
	for _, m := range messages {
		if m.Role == schema.RoleUser {
			text += "\n" + m.Content
		}
	}
	seen := make(map[string]bool)
	var out []string
	for _, s := range symbolRe.FindAllString(text, -1) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (a *ScriptedAdvisor) symbols(req DecideRequest) []string {
	return Symbols(req.Query, req.Messages)
}

// DateRange extracts the first two ISO dates found, in order.
func DateRange(text string) (start, end string) {
	dates := dateRe.FindAllString(text, -1)
	if len(dates) > 0 {
		start = dates[0]
	}
	if len(dates) > 1 {
		end = dates[1]
	}
	return start, end
}

// Decide walks the readiness chain: clarify when no symbol is named,
// fetch when data is missing, generate when the signal is missing,
// run the backtest when asked to, otherwise end.
func (a *ScriptedAdvisor) Decide(ctx context.Context, req DecideRequest) (*schema.Directive, error) {
	allowed := func(action string) bool {
		for _, x := range req.Allowed {
			if x == action {
				return true
			}
		}
		return false
	}
	pick := func(action, why string) (*schema.Directive, error) {
		d := &schema.Directive{
			Analysis:       why,
			NextAction:     action,
			NextActionDesc: why,
		}
		if err := d.Validate(req.Allowed); err != nil {
			return nil, err
		}
		return d, nil
	}

	flag := func(name string) bool {
		v, _ := req.Flags[name].(bool)
		return v
	}

	if allowed("clarify") && len(a.symbols(req)) == 0 {
		return pick("clarify", "the request names no tradable symbol")
	}
	if allowed("data_fetch") && !flag("data_ready") {
		return pick("data_fetch", "price history has not been fetched yet")
	}
	if allowed("signal_generate") && flag("data_ready") && !flag("signal_ready") {
		return pick("signal_generate", "data is ready but no signal has been generated")
	}
	if allowed("backtest") && !flag("backtest_completed") {
		return pick("backtest", "signal exists but has not been backtested")
	}
	if allowed("pnl_report") && flag("backtest_completed") && !flag("pnl_plot_ready") {
		return pick("pnl_report", "backtest finished; the report has not been written")
	}
	if allowed("validate") && len(req.Errors) == 0 && flag("signal_ready") {
		return pick("validate", "all artifacts present; verifying quality")
	}
	return pick("end", "nothing left to do")
}

// Plan derives a strategy spec from keywords in the query.
func (a *ScriptedAdvisor) Plan(ctx context.Context, req PlanRequest) (*schema.StrategySpec, error) {
	q := strings.ToLower(req.Query)
	var spec *schema.StrategySpec
	switch {
	case strings.Contains(q, "momentum"):
		spec = &schema.StrategySpec{Kind: schema.StrategyMomentum, Lookback: 20, SignalKey: "signal"}
	case strings.Contains(q, "threshold") || strings.Contains(q, "pe "):
		field := "pe"
		for _, ind := range req.Indicators {
			if strings.Contains(q, ind) {
				field = ind
				break
			}
		}
		spec = &schema.StrategySpec{Kind: schema.StrategyThreshold, Field: field, Threshold: 30, SignalKey: "signal"}
	default:
		spec = &schema.StrategySpec{Kind: schema.StrategyMACross, Fast: 5, Slow: 20, SignalKey: "signal"}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Review restates the rule checker's findings as a report; the scripted
// advisor adds no judgement of its own.
func (a *ScriptedAdvisor) Review(ctx context.Context, req ReviewRequest) (*schema.QualityReport, error) {
	report := &schema.QualityReport{IssuesFound: req.Issues}
	for b, entries := range req.Summaries {
		if len(entries) > 0 {
			report.ChecksPerformed = append(report.ChecksPerformed, fmt.Sprintf("reviewed %s", b))
		}
	}
	report.ValidationPassed = len(report.Errors()) == 0
	if !report.ValidationPassed {
		report.Recommendations = append(report.Recommendations, "re-run the failing step before generating signals")
	}
	return report, nil
}

// Clarify phrases the standing clarification question.
func (a *ScriptedAdvisor) Clarify(ctx context.Context, req ClarifyRequest) (string, error) {
	if req.Missing != "" {
		return fmt.Sprintf("Could you specify the %s for this analysis?", req.Missing), nil
	}
	return "Which symbol should I analyze? Please give an exchange-qualified code such as 600519.SH.", nil
}

var _ Advisor = (*ScriptedAdvisor)(nil)
