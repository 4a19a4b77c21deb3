// Package pipeline assembles the shipped workflows: the signal
// generation graph, the backtest graph, and the composite graph that
// chains them as sub-workflows. Steps delegate reasoning to the advisor
// and heavy data to the shared store; the graphs own only control flow.
package pipeline

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/engine"
	"github.com/quantgraph/quantgraph/internal/marketdata"
	"github.com/quantgraph/quantgraph/internal/quality"
	"github.com/quantgraph/quantgraph/internal/reasoning"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

// Workflow names registered by Default.
const (
	SignalWorkflow   = "signal"
	BacktestWorkflow = "backtest"
	MainWorkflow     = "main"
)

// DefaultMaxRetries bounds the reflection loop per sub-workflow.
const DefaultMaxRetries = 3

// Deps carries everything a workflow's steps need. All collaborators
// are injected; nothing here is process-global.
type Deps struct {
	Datastore *datastore.Store
	Advisor   reasoning.Advisor
	Provider  marketdata.Provider
	Quality   *quality.Checker
	Workspace string
	Logger    *slog.Logger
}

// Engine builds an execution engine over the injected store and logger.
func (d Deps) Engine() *engine.Engine {
	return engine.New(d.Logger, d.Datastore)
}

// Builder constructs a compiled workflow from the dependencies.
type Builder func(deps Deps) (*engine.Workflow, error)

// Registry maps workflow names to builders. The runner, CLI, scheduler
// and MCP server all resolve pipelines through it.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a named builder. Duplicates are a CONFLICT.
func (r *Registry) Register(name string, b Builder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.builders[name]; dup {
		return schema.NewErrorf(schema.ErrCodeConflict, "pipeline %q registered twice", name)
	}
	r.builders[name] = b
	return nil
}

// Build compiles the named workflow.
func (r *Registry) Build(name string, deps Deps) (*engine.Workflow, error) {
	r.mu.RLock()
	b, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown pipeline %q (have %v)", name, r.Names())
	}
	return b(deps)
}

// Names lists the registered pipelines, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builders))
	for name := range r.builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Default returns a registry with the three shipped pipelines.
func Default() *Registry {
	r := NewRegistry()
	for name, b := range map[string]Builder{
		SignalWorkflow:   BuildSignalWorkflow,
		BacktestWorkflow: BuildBacktestWorkflow,
		MainWorkflow:     BuildMainWorkflow,
	} {
		if err := r.Register(name, b); err != nil {
			panic(err) // static names, unreachable
		}
	}
	return r
}

// userQuery digs the request text out of state: the user_intent map's
// query when present, otherwise the first user message.
func userQuery(st engine.State) string {
	if q, _ := st.Map("user_intent")["query"].(string); q != "" {
		return q
	}
	for _, m := range st.Messages("messages") {
		if m.Role == schema.RoleUser {
			return m.Content
		}
	}
	return ""
}

// intentStrings reads a string-list entry from the user_intent map,
// tolerating both []string and decoded-JSON []any forms.
func intentStrings(st engine.State, key string) []string {
	switch v := st.Map("user_intent")[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// compactDate strips separators so 2024-01-01 becomes 20240101.
func compactDate(s string) string {
	return strings.NewReplacer("-", "", "/", "").Replace(s)
}
