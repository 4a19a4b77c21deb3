package schema

import "fmt"

// Severity of a quality issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Directive is the reflection contract: the advisor's decision about
// what the pipeline should do next.
type Directive struct {
	Analysis       string         `json:"analysis"`
	NextAction     string         `json:"next_action"`
	NextActionDesc string         `json:"next_action_desc,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// Validate checks the directive against the caller's declared action set.
func (d *Directive) Validate(allowed []string) error {
	for _, a := range allowed {
		if d.NextAction == a {
			return nil
		}
	}
	return NewErrorf(ErrCodeValidation, "directive next_action %q not in allowed set %v", d.NextAction, allowed)
}

// Strategy kinds understood by the signal generator.
const (
	StrategyMACross   = "ma_cross"
	StrategyMomentum  = "momentum"
	StrategyThreshold = "threshold"
)

// StrategySpec is a structured trading-signal recipe produced by the
// advisor's planning call.
type StrategySpec struct {
	Kind      string  `json:"kind"`
	Fast      int     `json:"fast,omitempty"`      // ma_cross fast window
	Slow      int     `json:"slow,omitempty"`      // ma_cross slow window
	Lookback  int     `json:"lookback,omitempty"`  // momentum window
	Threshold float64 `json:"threshold,omitempty"` // threshold cutoff
	Field     string  `json:"field,omitempty"`     // indicator column for threshold strategies
	SignalKey string  `json:"signal_key,omitempty"`
}

// Validate checks structural sanity of the strategy parameters.
func (s *StrategySpec) Validate() error {
	switch s.Kind {
	case StrategyMACross:
		if s.Fast <= 0 || s.Slow <= 0 || s.Fast >= s.Slow {
			return NewErrorf(ErrCodeValidation, "ma_cross needs 0 < fast < slow, got fast=%d slow=%d", s.Fast, s.Slow)
		}
	case StrategyMomentum:
		if s.Lookback <= 0 {
			return NewErrorf(ErrCodeValidation, "momentum needs lookback > 0, got %d", s.Lookback)
		}
	case StrategyThreshold:
		if s.Field == "" {
			return NewError(ErrCodeValidation, "threshold strategy needs a field")
		}
	default:
		return NewErrorf(ErrCodeValidation, "unknown strategy kind %q", s.Kind)
	}
	return nil
}

// Issue is a single finding from a quality check.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Rule     string   `json:"rule,omitempty"`
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s", i.Severity, i.Message)
}

// QualityReport is the validation contract: outcome of the quality
// checks run against the shared data store.
type QualityReport struct {
	ValidationPassed bool     `json:"validation_passed"`
	ChecksPerformed  []string `json:"checks_performed"`
	IssuesFound      []Issue  `json:"issues_found"`
	DataSummary      string   `json:"data_summary,omitempty"`
	Recommendations  []string `json:"recommendations,omitempty"`
}

// Validate rejects reports carrying unknown severities.
func (r *QualityReport) Validate() error {
	for _, is := range r.IssuesFound {
		if is.Severity != SeverityError && is.Severity != SeverityWarning {
			return NewErrorf(ErrCodeValidation, "unknown issue severity %q", is.Severity)
		}
	}
	return nil
}

// Errors returns the messages of error-severity issues; only these feed
// the retry loop. Warnings are informational.
func (r *QualityReport) Errors() []string {
	var out []string
	for _, is := range r.IssuesFound {
		if is.Severity == SeverityError {
			out = append(out, is.Message)
		}
	}
	return out
}
