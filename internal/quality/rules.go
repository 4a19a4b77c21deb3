package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

// Rule is one declarative quality check. Expr must evaluate to a
// boolean; false produces an issue with the rule's severity and message.
type Rule struct {
	Name     string          `json:"name" yaml:"name"`
	Engine   string          `json:"engine,omitempty" yaml:"engine,omitempty"` // cel (default) | expr | jq
	Expr     string          `json:"expr" yaml:"expr"`
	Severity schema.Severity `json:"severity" yaml:"severity"`
	Message  string          `json:"message" yaml:"message"`
}

// rulesFileSchemaJSON validates quality_rules.yaml after YAML decoding.
// Embedded as a constant to avoid filesystem dependencies.
const rulesFileSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://quantgraph.dev/schemas/quality_rules.json",
  "type": "object",
  "required": ["rules"],
  "properties": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expr", "severity", "message"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "engine": { "type": "string", "enum": ["cel", "expr", "jq"] },
          "expr": { "type": "string", "minLength": 1 },
          "severity": { "type": "string", "enum": ["error", "warning"] },
          "message": { "type": "string", "minLength": 1 }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// DefaultRules are the built-in checks every validation pass runs.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "ohlcv_present",
			Expr:     `size(buckets.ohlcv) > 0`,
			Severity: schema.SeverityError,
			Message:  "no ohlcv data has been fetched",
		},
		{
			Name:     "close_present",
			Expr:     `"close" in buckets.ohlcv`,
			Severity: schema.SeverityError,
			Message:  "ohlcv bucket has no close dataset",
		},
		{
			Name:     "close_nonnegative",
			Expr:     `!("close" in buckets.ohlcv) || buckets.ohlcv["close"].min >= 0.0`,
			Severity: schema.SeverityError,
			Message:  "close prices contain negative values",
		},
		{
			Name:     "signal_range",
			Expr:     `!("signal" in buckets.signal) || (buckets.signal["signal"].min >= -1.0 && buckets.signal["signal"].max <= 1.0)`,
			Severity: schema.SeverityError,
			Message:  "signal values fall outside {-1, 0, 1}",
		},
		{
			Name:     "signal_alignment",
			Expr:     `!("signal" in buckets.signal) || !("close" in buckets.ohlcv) || buckets.signal["signal"].rows == buckets.ohlcv["close"].rows`,
			Severity: schema.SeverityError,
			Message:  "signal rows do not align with close rows",
		},
		{
			Name:     "backtest_finite",
			Expr:     `!("stats" in buckets.backtest_results) || buckets.backtest_results["stats"].nan_count == 0`,
			Severity: schema.SeverityError,
			Message:  "backtest stats contain non-finite values",
		},
		{
			Name:     "history_depth",
			Expr:     `!("close" in buckets.ohlcv) || buckets.ohlcv["close"].rows >= 30`,
			Severity: schema.SeverityWarning,
			Message:  "fewer than 30 rows of price history; statistics will be noisy",
		},
	}
}

// Checker evaluates a fixed rule set. Rules are compiled eagerly at
// construction so misdeclared expressions fail fast, not mid-run.
type Checker struct {
	rules   []Rule
	engines map[string]Engine
}

// NewChecker builds a checker over the given rules (DefaultRules when
// nil) and eagerly compiles every expression.
func NewChecker(rules []Rule) (*Checker, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	c := &Checker{
		rules: rules,
		engines: map[string]Engine{
			"cel":  celEng,
			"expr": NewExprEngine(),
			"jq":   NewGoJQEngine(),
		},
	}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "quality rule %q declared twice", r.Name)
		}
		seen[r.Name] = true
		if r.Severity != schema.SeverityError && r.Severity != schema.SeverityWarning {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "quality rule %q: unknown severity %q", r.Name, r.Severity)
		}
		eng, ok := c.engines[engineName(r)]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "quality rule %q: unknown engine %q", r.Name, r.Engine)
		}
		// Compile by evaluating against an empty environment; compile
		// errors surface now, evaluation errors are deferred to Check.
		if _, err := eng.Evaluate(context.Background(), r.Expr, nil); err != nil {
			if schema.ErrorCode(err) == schema.ErrCodeValidation {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"quality rule %q: %s", r.Name, err.Error()).WithCause(err)
			}
		}
	}
	return c, nil
}

func engineName(r Rule) string {
	if r.Engine == "" {
		return "cel"
	}
	return r.Engine
}

// Rules returns the checker's rule set.
func (c *Checker) Rules() []Rule { return append([]Rule(nil), c.rules...) }

// Env is the rule evaluation environment: bucket summaries from the
// shared data store plus readiness flags from the run state.
type Env struct {
	Buckets map[string]map[string]schema.DatasetSummary
	Flags   map[string]any
}

// BuildEnv snapshots the store's summaries into a rule environment.
func BuildEnv(store *datastore.Store, flags map[string]any) Env {
	return Env{Buckets: store.Summaries(), Flags: flags}
}

// toExpressionEnv converts the typed env into the plain-map shape the
// engines evaluate against, via a JSON round-trip so summaries become
// ordinary maps.
func (e Env) toExpressionEnv() (map[string]any, error) {
	raw, err := json.Marshal(e.Buckets)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "encode rule environment: %s", err.Error()).WithCause(err)
	}
	var buckets map[string]any
	if err := json.Unmarshal(raw, &buckets); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "decode rule environment: %s", err.Error()).WithCause(err)
	}
	flags := e.Flags
	if flags == nil {
		flags = map[string]any{}
	}
	return map[string]any{"buckets": buckets, "flags": flags}, nil
}

// Check evaluates every rule and returns the issues found, in rule
// order. A rule whose expression errors out or returns a non-boolean is
// reported as an error-severity issue naming the rule.
func (c *Checker) Check(ctx context.Context, env Env) []schema.Issue {
	exprEnv, err := env.toExpressionEnv()
	if err != nil {
		return []schema.Issue{{Severity: schema.SeverityError, Message: err.Error(), Rule: "environment"}}
	}

	var issues []schema.Issue
	for _, r := range c.rules {
		eng := c.engines[engineName(r)]
		out, err := eng.Evaluate(ctx, r.Expr, exprEnv)
		if err != nil {
			issues = append(issues, schema.Issue{
				Severity: schema.SeverityError,
				Message:  fmt.Sprintf("rule %s failed to evaluate: %s", r.Name, err),
				Rule:     r.Name,
			})
			continue
		}
		pass, ok := out.(bool)
		if !ok {
			issues = append(issues, schema.Issue{
				Severity: schema.SeverityError,
				Message:  fmt.Sprintf("rule %s returned %T, want bool", r.Name, out),
				Rule:     r.Name,
			})
			continue
		}
		if !pass {
			issues = append(issues, schema.Issue{Severity: r.Severity, Message: r.Message, Rule: r.Name})
		}
	}
	return issues
}

// Report wraps Check results into the validation contract.
func (c *Checker) Report(ctx context.Context, env Env) *schema.QualityReport {
	issues := c.Check(ctx, env)
	report := &schema.QualityReport{
		ChecksPerformed: make([]string, 0, len(c.rules)),
		IssuesFound:     issues,
	}
	for _, r := range c.rules {
		report.ChecksPerformed = append(report.ChecksPerformed, r.Name)
	}
	report.ValidationPassed = len(report.Errors()) == 0
	report.DataSummary = summarizeEnv(env)
	return report
}

func summarizeEnv(env Env) string {
	var sb strings.Builder
	for _, b := range datastore.Buckets() {
		entries := env.Buckets[b]
		if len(entries) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s: %d dataset(s)", b, len(entries))
	}
	if sb.Len() == 0 {
		return "store is empty"
	}
	return sb.String()
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesFile reads a YAML rules file, validates it against the
// embedded JSON schema, and appends the rules to the defaults.
func LoadRulesFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read rules file: %s", err.Error()).WithCause(err)
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "parse rules file: %s", err.Error()).WithCause(err)
	}
	if err := validateRulesDoc(doc); err != nil {
		return nil, err
	}

	var rf rulesFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "parse rules file: %s", err.Error()).WithCause(err)
	}
	return append(DefaultRules(), rf.Rules...), nil
}

func validateRulesDoc(doc any) error {
	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(rulesFileSchemaJSON))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "unmarshal rules schema: %s", err.Error()).WithCause(err)
	}
	if err := compiler.AddResource("https://quantgraph.dev/schemas/quality_rules.json", schemaDoc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "add rules schema: %s", err.Error()).WithCause(err)
	}
	compiled, err := compiler.Compile("https://quantgraph.dev/schemas/quality_rules.json")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "compile rules schema: %s", err.Error()).WithCause(err)
	}

	// YAML decodes map keys as any; normalize through JSON.
	jsonRaw, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "normalize rules file: %s", err.Error()).WithCause(err)
	}
	jsonDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonRaw)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "normalize rules file: %s", err.Error()).WithCause(err)
	}
	if err := compiled.Validate(jsonDoc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "rules file invalid: %s", err.Error()).WithCause(err)
	}
	return nil
}

// normalizeYAML converts map[any]any trees (yaml.v3 edge cases) into
// map[string]any for JSON encoding.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
