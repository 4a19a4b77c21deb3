package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// Embedded JSON Schemas for the advisor payload contracts. Validated
// before decoding so a malformed reply triggers the repair round-trip
// instead of a half-populated struct.
const directiveSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://quantgraph.dev/schemas/directive.json",
  "type": "object",
  "required": ["analysis", "next_action"],
  "properties": {
    "analysis": { "type": "string" },
    "next_action": { "type": "string", "minLength": 1 },
    "next_action_desc": { "type": "string" },
    "params": { "type": "object" }
  }
}`

const strategySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://quantgraph.dev/schemas/strategy.json",
  "type": "object",
  "required": ["kind"],
  "properties": {
    "kind": { "type": "string", "enum": ["ma_cross", "momentum", "threshold"] },
    "fast": { "type": "integer" },
    "slow": { "type": "integer" },
    "lookback": { "type": "integer" },
    "threshold": { "type": "number" },
    "field": { "type": "string" },
    "signal_key": { "type": "string" }
  }
}`

const reportSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://quantgraph.dev/schemas/report.json",
  "type": "object",
  "required": ["validation_passed", "issues_found"],
  "properties": {
    "validation_passed": { "type": "boolean" },
    "checks_performed": { "type": "array", "items": { "type": "string" } },
    "issues_found": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["severity", "message"],
        "properties": {
          "severity": { "type": "string", "enum": ["error", "warning"] },
          "message": { "type": "string" }
        }
      }
    },
    "data_summary": { "type": "string" },
    "recommendations": { "type": "array", "items": { "type": "string" } }
  }
}`

// HTTPConfig configures the chat-completions advisor client.
type HTTPConfig struct {
	BaseURL     string
	APIKey      string
	Model       string // decisions, plans, reviews
	LightModel  string // clarification phrasing
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	Client      *http.Client
}

// HTTPAdvisor talks to an OpenAI-style chat-completions endpoint. Every
// structured call follows decode-or-repair-once-or-fail: extract JSON
// from the free-text reply, schema-validate it, and on failure send one
// repair round-trip before giving up.
type HTTPAdvisor struct {
	cfg      HTTPConfig
	client   *http.Client
	breakers *BreakerRegistry

	directiveSchema *jsonschema.Schema
	strategySchema  *jsonschema.Schema
	reportSchema    *jsonschema.Schema
}

// NewHTTPAdvisor creates the client and compiles the payload schemas.
func NewHTTPAdvisor(cfg HTTPConfig) (*HTTPAdvisor, error) {
	if cfg.BaseURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "advisor base URL is required")
	}
	if cfg.Model == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "advisor model is required")
	}
	if cfg.LightModel == "" {
		cfg.LightModel = cfg.Model
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	a := &HTTPAdvisor{
		cfg:      cfg,
		client:   client,
		breakers: NewBreakerRegistry(DefaultBreakerConfig()),
	}
	var err error
	if a.directiveSchema, err = compileSchema("https://quantgraph.dev/schemas/directive.json", directiveSchemaJSON); err != nil {
		return nil, err
	}
	if a.strategySchema, err = compileSchema("https://quantgraph.dev/schemas/strategy.json", strategySchemaJSON); err != nil {
		return nil, err
	}
	if a.reportSchema, err = compileSchema("https://quantgraph.dev/schemas/report.json", reportSchemaJSON); err != nil {
		return nil, err
	}
	return a, nil
}

func compileSchema(id, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unmarshal schema %s: %s", id, err.Error()).WithCause(err)
	}
	if err := c.AddResource(id, doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "add schema %s: %s", id, err.Error()).WithCause(err)
	}
	compiled, err := c.Compile(id)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile schema %s: %s", id, err.Error()).WithCause(err)
	}
	return compiled, nil
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []schema.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message schema.Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// chat performs one completion with transport-level retry (exponential
// backoff with jitter) behind a per-endpoint circuit breaker.
func (a *HTTPAdvisor) chat(ctx context.Context, model string, messages []schema.Message) (string, error) {
	endpoint := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/chat/completions"

	if err := a.breakers.Allow(endpoint); err != nil {
		return "", err
	}

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeAdvisor, "encode chat request: %s", err.Error()).WithCause(err)
	}

	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitBackoff(ctx, Backoff(a.cfg.RetryBase, a.cfg.RetryMax, attempt-1)); err != nil {
				return "", schema.NewError(schema.ErrCodeCancelled, "advisor call cancelled").WithCause(err)
			}
		}
		content, retryable, err := a.once(ctx, endpoint, body)
		if err == nil {
			a.breakers.RecordSuccess(endpoint)
			return content, nil
		}
		lastErr = err
		if !retryable {
			a.breakers.RecordFailure(endpoint)
			return "", err
		}
	}
	a.breakers.RecordFailure(endpoint)
	return "", schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"advisor unreachable after %d attempts: %s", a.cfg.MaxAttempts, lastErr.Error()).WithCause(lastErr)
}

// once performs a single HTTP exchange; the bool reports retryability.
func (a *HTTPAdvisor) once(ctx context.Context, endpoint string, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeAdvisor, "build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", true, schema.NewErrorf(schema.ErrCodeAdvisor, "advisor request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", true, schema.NewErrorf(schema.ErrCodeAdvisor, "read advisor response: %s", err.Error()).WithCause(err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", true, schema.NewErrorf(schema.ErrCodeAdvisor, "advisor returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, schema.NewErrorf(schema.ErrCodeAdvisor, "advisor returned %d: %s", resp.StatusCode, string(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeParse, "decode advisor response: %s", err.Error()).WithCause(err)
	}
	if parsed.Error != nil {
		return "", false, schema.NewErrorf(schema.ErrCodeAdvisor, "advisor error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", false, schema.NewError(schema.ErrCodeAdvisor, "advisor returned no choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

// structured runs a prompt expecting a schema-conforming JSON object,
// with exactly one repair round-trip on a malformed reply.
func (a *HTTPAdvisor) structured(ctx context.Context, model string, prompt []schema.Message, js *jsonschema.Schema, required []string, out any) error {
	reply, err := a.chat(ctx, model, prompt)
	if err != nil {
		return err
	}
	obj, parseErr := a.decodeAgainst(reply, js, required)
	if parseErr == nil {
		return Remarshal(obj, out)
	}

	// One repair attempt: show the model its own reply and the problem.
	repair := append(append([]schema.Message(nil), prompt...),
		schema.AssistantMessage(reply),
		schema.UserMessage(fmt.Sprintf(
			"Your reply could not be used: %s. Respond again with only a valid JSON object.", parseErr)))
	reply, err = a.chat(ctx, model, repair)
	if err != nil {
		return err
	}
	obj, parseErr = a.decodeAgainst(reply, js, required)
	if parseErr != nil {
		return schema.NewErrorf(schema.ErrCodeParse,
			"advisor reply unusable after repair attempt: %s", parseErr.Error()).WithCause(parseErr)
	}
	return Remarshal(obj, out)
}

func (a *HTTPAdvisor) decodeAgainst(reply string, js *jsonschema.Schema, required []string) (map[string]any, error) {
	obj, err := ExtractJSONWithKeys(reply, required...)
	if err != nil {
		return nil, err
	}
	// Round-trip through encoding/json for schema-friendly types.
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "re-encode reply: %s", err.Error()).WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "re-decode reply: %s", err.Error()).WithCause(err)
	}
	if err := js.Validate(doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "reply violates contract: %s", err.Error()).WithCause(err)
	}
	return obj, nil
}

// Decide asks for the next action, constrained to the allowed set.
func (a *HTTPAdvisor) Decide(ctx context.Context, req DecideRequest) (*schema.Directive, error) {
	flags, _ := json.Marshal(req.Flags)
	prompt := []schema.Message{
		schema.SystemMessage("You orchestrate a quantitative trading pipeline. " +
			"Reply with a JSON object {\"analysis\", \"next_action\", \"next_action_desc\"}. " +
			"next_action must be one of: " + strings.Join(req.Allowed, ", ") + "."),
		schema.UserMessage(fmt.Sprintf("Request: %s\nReadiness flags: %s\nRecent history: %s\nOutstanding errors: %s",
			req.Query, flags, strings.Join(tail(req.History, 5), " | "), strings.Join(req.Errors, " | "))),
	}
	var d schema.Directive
	if err := a.structured(ctx, a.cfg.Model, prompt, a.directiveSchema, []string{"analysis", "next_action"}, &d); err != nil {
		return nil, err
	}
	if err := d.Validate(req.Allowed); err != nil {
		return nil, err
	}
	return &d, nil
}

// Plan asks for a structured strategy recipe.
func (a *HTTPAdvisor) Plan(ctx context.Context, req PlanRequest) (*schema.StrategySpec, error) {
	prompt := []schema.Message{
		schema.SystemMessage("Design a trading-signal recipe. Reply with a JSON object matching " +
			"{\"kind\": \"ma_cross\"|\"momentum\"|\"threshold\", ...} with fast/slow, lookback, or field/threshold."),
		schema.UserMessage(fmt.Sprintf("Request: %s\nAvailable indicators: %s",
			req.Query, strings.Join(req.Indicators, ", "))),
	}
	var spec schema.StrategySpec
	if err := a.structured(ctx, a.cfg.Model, prompt, a.strategySchema, []string{"kind"}, &spec); err != nil {
		return nil, err
	}
	if spec.SignalKey == "" {
		spec.SignalKey = "signal"
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Review asks for a quality judgement over the store summaries.
func (a *HTTPAdvisor) Review(ctx context.Context, req ReviewRequest) (*schema.QualityReport, error) {
	summaries, _ := json.Marshal(req.Summaries)
	issues, _ := json.Marshal(req.Issues)
	prompt := []schema.Message{
		schema.SystemMessage("Review the data quality of a trading pipeline. Reply with a JSON object " +
			"{\"validation_passed\", \"checks_performed\", \"issues_found\": [{\"severity\": \"error\"|\"warning\", \"message\"}], " +
			"\"data_summary\", \"recommendations\"}."),
		schema.UserMessage(fmt.Sprintf("Dataset summaries: %s\nRule findings: %s", summaries, issues)),
	}
	var report schema.QualityReport
	if err := a.structured(ctx, a.cfg.Model, prompt, a.reportSchema, []string{"validation_passed", "issues_found"}, &report); err != nil {
		return nil, err
	}
	if err := report.Validate(); err != nil {
		return nil, err
	}
	return &report, nil
}

// Clarify asks the light model to phrase a question; free text, no JSON.
func (a *HTTPAdvisor) Clarify(ctx context.Context, req ClarifyRequest) (string, error) {
	prompt := []schema.Message{
		schema.SystemMessage("Ask the user one short question to fill the gap in their request. Reply with the question only."),
		schema.UserMessage(fmt.Sprintf("Request: %s\nMissing: %s", req.Query, req.Missing)),
	}
	question, err := a.chat(ctx, a.cfg.LightModel, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(question), nil
}

func tail(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

var _ Advisor = (*HTTPAdvisor)(nil)
