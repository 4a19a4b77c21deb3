// Package reasoning is the boundary to the external reasoning
// collaborator: the advisor that decides next actions, plans strategies,
// reviews data quality and phrases clarification questions. The
// orchestration core never depends on how the advisor thinks, only on
// these contracts.
package reasoning

import (
	"context"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// DecideRequest asks for the next pipeline action.
type DecideRequest struct {
	Query    string
	Messages []schema.Message
	Flags    map[string]any
	Allowed  []string
	History  []string
	Errors   []string
}

// PlanRequest asks for a structured strategy recipe.
type PlanRequest struct {
	Query      string
	Messages   []schema.Message
	Indicators []string
}

// ReviewRequest asks for a quality review of the store contents.
type ReviewRequest struct {
	Summaries map[string]map[string]schema.DatasetSummary
	Issues    []schema.Issue
	Flags     map[string]any
}

// ClarifyRequest asks for a question to put to the user.
type ClarifyRequest struct {
	Query    string
	Messages []schema.Message
	Missing  string
}

// Advisor is the external reasoning contract.
type Advisor interface {
	Decide(ctx context.Context, req DecideRequest) (*schema.Directive, error)
	Plan(ctx context.Context, req PlanRequest) (*schema.StrategySpec, error)
	Review(ctx context.Context, req ReviewRequest) (*schema.QualityReport, error)
	Clarify(ctx context.Context, req ClarifyRequest) (string, error)
}
