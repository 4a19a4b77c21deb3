package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/logging"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

// DefaultMaxSteps bounds router cycles per run. Retry policies are
// expected to terminate well before this; exceeding it is a STEP_LIMIT
// error, not a silent stop.
const DefaultMaxSteps = 100

// Checkpoint captures everything needed to resume a suspended run:
// the full state plus the identity of the step awaiting the response.
type Checkpoint struct {
	RunID        string
	Workflow     string
	AwaitingStep string
	State        State
	Payload      any
	Child        *Checkpoint
	CreatedAt    time.Time
}

// Interrupt is the engine's report of a suspension to its caller.
type Interrupt struct {
	Checkpoint *Checkpoint
	Payload    any
}

// Result is the outcome of Run or Resume: a terminal state, or a
// suspended one with the interrupt describing what is awaited.
type Result struct {
	State     State
	Interrupt *Interrupt
}

// Suspended reports whether the run halted awaiting external input.
func (r *Result) Suspended() bool { return r.Interrupt != nil }

// StepEvent is yielded to the observer after each completed step.
// Observation must not alter control flow or merge semantics.
type StepEvent struct {
	Step   string
	Update Update
	State  State
}

// Observer receives streaming step events.
type Observer func(StepEvent)

// Saver persists checkpoints at suspension points.
type Saver interface {
	SaveCheckpoint(ctx context.Context, ckpt *Checkpoint) error
}

// Option configures a single Run or Resume call.
type Option func(*runConfig)

// stepBudget is the remaining router-cycle allowance for one run.
// Sub-workflow wrappers hand their parent's budget to the child run, so
// the cap covers parent and child steps combined.
type stepBudget struct {
	remaining int
	cap       int
}

type runConfig struct {
	runID    string
	observer Observer
	saver    Saver
	maxSteps int
	budget   *stepBudget
}

// WithRunID pins the run ID instead of generating one.
func WithRunID(id string) Option {
	return func(c *runConfig) { c.runID = id }
}

// WithObserver enables streaming mode: the observer sees each step's
// name and partial update as the run progresses.
func WithObserver(obs Observer) Option {
	return func(c *runConfig) { c.observer = obs }
}

// WithSaver persists checkpoints whenever the run suspends.
func WithSaver(s Saver) Option {
	return func(c *runConfig) { c.saver = s }
}

// WithMaxSteps overrides the router-cycle guard.
func WithMaxSteps(n int) Option {
	return func(c *runConfig) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// withSharedBudget makes a child run draw down its parent's allowance
// instead of starting a fresh one.
func withSharedBudget(b *stepBudget) Option {
	return func(c *runConfig) { c.budget = b }
}

// Engine executes workflows. It holds only injected collaborators and
// is safe for concurrent runs.
type Engine struct {
	logger *slog.Logger
	data   *datastore.Store
}

// New creates an engine over the given data store.
func New(logger *slog.Logger, data *datastore.Store) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, data: data}
}

// Data returns the injected shared data store.
func (e *Engine) Data() *datastore.Store { return e.data }

func buildConfig(opts []Option) runConfig {
	cfg := runConfig{maxSteps: DefaultMaxSteps}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}
	if cfg.budget == nil {
		cfg.budget = &stepBudget{remaining: cfg.maxSteps, cap: cfg.maxSteps}
	}
	return cfg
}

// Run drives the workflow from its entry step until a router returns
// End (terminal state) or a step suspends (interrupt).
func (e *Engine) Run(ctx context.Context, wf *Workflow, initial State, opts ...Option) (*Result, error) {
	cfg := buildConfig(opts)
	state, err := wf.schema.Normalize(initial)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{RunID: cfg.runID, Workflow: wf.name, Logger: e.logger, Data: e.data, budget: cfg.budget}
	return e.loop(ctx, wf, state, wf.entry, rt, cfg)
}

// Resume restores a suspended run and feeds the response to the step
// that requested suspension, as if it were that step's synchronous
// return value; the loop then continues normally, so suspension is
// transparent to downstream steps.
func (e *Engine) Resume(ctx context.Context, wf *Workflow, ckpt *Checkpoint, response any, opts ...Option) (*Result, error) {
	if ckpt == nil {
		return nil, schema.NewError(schema.ErrCodeResume, "nil checkpoint")
	}
	if ckpt.Workflow != wf.name {
		return nil, schema.NewErrorf(schema.ErrCodeResume, "checkpoint belongs to workflow %q, not %q", ckpt.Workflow, wf.name)
	}
	if !wf.HasStep(ckpt.AwaitingStep) {
		return nil, schema.NewErrorf(schema.ErrCodeResume, "checkpoint awaits unknown step %q", ckpt.AwaitingStep)
	}
	cfg := buildConfig(append([]Option{WithRunID(ckpt.RunID)}, opts...))
	rt := &Runtime{
		RunID:     cfg.runID,
		Workflow:  wf.name,
		Logger:    e.logger,
		Data:      e.data,
		resume:    response,
		hasResume: true,
		childCkpt: ckpt.Child,
		budget:    cfg.budget,
	}
	return e.loop(ctx, wf, ckpt.State.Clone(), ckpt.AwaitingStep, rt, cfg)
}

// loop is the core scheduler: invoke, merge, observe, route, repeat.
// Step errors propagate unmodified beyond step attribution; the engine
// never retries — retry is a policy encoded in router and step
// cooperation.
func (e *Engine) loop(ctx context.Context, wf *Workflow, state State, current string, rt *Runtime, cfg runConfig) (*Result, error) {
	log := e.logger.With(slog.String("workflow", wf.name), slog.String("run_id", rt.RunID))

	for steps := 0; ; steps++ {
		if cfg.budget.remaining <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeStepLimit,
				"workflow %s: exceeded %d steps without terminating", wf.name, cfg.budget.cap)
		}
		cfg.budget.remaining--
		if err := ctx.Err(); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "workflow %s cancelled", wf.name).WithCause(err)
		}

		fn := wf.steps[current]
		stepCtx := logging.WithStep(logging.WithRunID(ctx, rt.RunID), current)
		log.DebugContext(stepCtx, "step start", slog.String("step", current))

		res, err := fn(stepCtx, state, rt)
		if err != nil {
			return nil, stepError(current, err)
		}
		if res == nil {
			return nil, schema.NewError(schema.ErrCodeStepFailed, "step returned no result").WithStep(current)
		}

		if susp, ok := res.Suspension(); ok {
			if susp.Update != nil {
				state, err = wf.schema.Apply(state, *susp.Update)
				if err != nil {
					return nil, stepError(current, err)
				}
			}
			ckpt := &Checkpoint{
				RunID:        rt.RunID,
				Workflow:     wf.name,
				AwaitingStep: current,
				State:        state,
				Payload:      susp.Payload,
				Child:        susp.Child,
				CreatedAt:    time.Now().UTC(),
			}
			if cfg.saver != nil {
				if err := cfg.saver.SaveCheckpoint(ctx, ckpt); err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeStore, "save checkpoint: %s", err.Error()).WithStep(current).WithCause(err)
				}
			}
			log.InfoContext(stepCtx, "run suspended", slog.String("step", current))
			return &Result{State: state, Interrupt: &Interrupt{Checkpoint: ckpt, Payload: susp.Payload}}, nil
		}

		update, _ := res.UpdateResult()
		state, err = wf.schema.Apply(state, update)
		if err != nil {
			return nil, stepError(current, err)
		}
		if cfg.observer != nil {
			cfg.observer(StepEvent{Step: current, Update: update, State: state})
		}

		next, err := wf.next(current, state)
		if err != nil {
			return nil, err
		}
		if next == End {
			log.DebugContext(ctx, "run completed", slog.Int("steps", steps+1))
			return &Result{State: state}, nil
		}
		current = next
	}
}

// stepError attributes the failing step without masking a typed error.
func stepError(step string, err error) error {
	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		if pe.Step == "" {
			pe.Step = step
		}
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "%s", err.Error()).WithStep(step).WithCause(err)
}
