// Package runner bridges the workflow engine and the infrastructure
// around it: runs execute on a bounded worker pool, lifecycle moves are
// recorded as Run rows and event-log entries, suspensions become
// pending prompts, and every transition is published to the hub.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quantgraph/quantgraph/internal/engine"
	"github.com/quantgraph/quantgraph/internal/logging"
	"github.com/quantgraph/quantgraph/internal/pipeline"
	"github.com/quantgraph/quantgraph/internal/store"
	"github.com/quantgraph/quantgraph/internal/streaming"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

// DefaultWorkers is the worker pool size when none is configured.
const DefaultWorkers = 4

// Outcome is the caller-visible result of Run or Resume.
type Outcome struct {
	RunID    string           `json:"run_id"`
	Status   schema.RunStatus `json:"status"`
	State    engine.State     `json:"-"`
	Question string           `json:"question,omitempty"`
	PromptID string           `json:"prompt_id,omitempty"`
}

// RunStatus aggregates everything the panel and MCP status tool show
// about one run.
type RunStatus struct {
	Run     *store.Run      `json:"run"`
	Prompt  *store.Prompt   `json:"prompt,omitempty"`
	Events  []*store.Event  `json:"events,omitempty"`
	Pending []*store.Prompt `json:"-"`
}

// Option configures the service.
type Option func(*Service)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithMaxSteps overrides the engine's router-cycle guard for all runs.
func WithMaxSteps(n int) Option {
	return func(s *Service) { s.maxSteps = n }
}

// Service executes pipelines and keeps the store, event log, hub and
// task logs consistent with what the engine does.
type Service struct {
	deps      pipeline.Deps
	store     store.Store
	hub       streaming.Hub
	logger    *slog.Logger
	pool      *Pool
	workflows map[string]*engine.Workflow
	workers   int
	maxSteps  int
}

// NewService compiles every registered pipeline once and starts the
// worker pool.
func NewService(reg *pipeline.Registry, deps pipeline.Deps, st store.Store, hub streaming.Hub, opts ...Option) (*Service, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		deps:      deps,
		store:     st,
		hub:       hub,
		logger:    logger,
		workflows: make(map[string]*engine.Workflow),
		workers:   DefaultWorkers,
	}
	for _, o := range opts {
		o(s)
	}
	for _, name := range reg.Names() {
		wf, err := reg.Build(name, deps)
		if err != nil {
			return nil, err
		}
		s.workflows[name] = wf
	}
	s.pool = NewPool(s.workers, logger)
	return s, nil
}

// Resolve implements engine.WorkflowResolver over the compiled set.
func (s *Service) Resolve(name string) (*engine.Workflow, bool) {
	wf, ok := s.workflows[name]
	return wf, ok
}

// Pipelines lists the compiled pipeline names, sorted.
func (s *Service) Pipelines() []string {
	names := make([]string, 0, len(s.workflows))
	for name := range s.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PoolStats exposes worker pool counters.
func (s *Service) PoolStats() PoolStats { return s.pool.Stats() }

// Close drains the worker pool.
func (s *Service) Close() { s.pool.Close() }

// Run executes a pipeline synchronously and returns its outcome: a
// terminal state, or a suspension with the pending prompt.
func (s *Service) Run(ctx context.Context, pipelineName, query string, params map[string]any) (*Outcome, error) {
	runID, err := s.createRun(ctx, pipelineName, query, params)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, runID, pipelineName, query, params)
}

// Enqueue creates the run row and executes on the worker pool. The
// returned ID can be polled via Status.
func (s *Service) Enqueue(pipelineName, query string, params map[string]any) (string, error) {
	ctx := context.Background()
	runID, err := s.createRun(ctx, pipelineName, query, params)
	if err != nil {
		return "", err
	}
	err = s.pool.Submit(func() {
		if _, err := s.execute(ctx, runID, pipelineName, query, params); err != nil {
			s.logger.Error("queued run failed",
				slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

func (s *Service) createRun(ctx context.Context, pipelineName, query string, params map[string]any) (string, error) {
	if _, ok := s.workflows[pipelineName]; !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "unknown pipeline %q", pipelineName)
	}
	runID := uuid.NewString()
	err := s.store.CreateRun(ctx, &store.Run{
		ID:       runID,
		Pipeline: pipelineName,
		Query:    query,
		Params:   params,
		Status:   schema.RunStatusPending,
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

func (s *Service) execute(ctx context.Context, runID, pipelineName, query string, params map[string]any) (*Outcome, error) {
	wf := s.workflows[pipelineName]
	initial := initialState(wf, query, params)

	now := time.Now().UTC()
	if err := s.setStatus(ctx, runID, schema.RunStatusPending, schema.RunStatusRunning,
		store.RunUpdate{StartedAt: &now}, schema.EventRunStarted); err != nil {
		return nil, err
	}

	taskLog := s.openTaskLog(runID)
	defer s.closeTaskLog(taskLog)

	res, err := s.deps.Engine().Run(ctx, wf, initial, s.runOptions(ctx, runID, taskLog)...)
	return s.finish(ctx, runID, wf, res, err, taskLog)
}

// Resume validates the pending prompt, records the response, restores
// the checkpoint and continues the run.
func (s *Service) Resume(ctx context.Context, runID, response, resolvedBy string) (*Outcome, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusSuspended {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is %s, not suspended", runID, run.Status)
	}
	wf, ok := s.workflows[run.Pipeline]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown pipeline %q", run.Pipeline)
	}

	pending, err := s.store.ListPrompts(ctx, store.PromptFilter{RunID: runID, Status: store.PromptPending})
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s has no pending prompt", runID)
	}
	if err := s.store.ResolvePrompt(ctx, pending[0].ID, response, resolvedBy); err != nil {
		return nil, err
	}
	s.emit(ctx, runID, pending[0].Step, schema.EventPromptResolved,
		map[string]any{"prompt_id": pending[0].ID, "resolved_by": resolvedBy})

	rec, err := s.store.GetCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	ckpt, err := engine.DecodeCheckpoint(s.Resolve, rec.Data)
	if err != nil {
		return nil, err
	}

	if err := s.setStatus(ctx, runID, schema.RunStatusSuspended, schema.RunStatusRunning,
		store.RunUpdate{}, schema.EventRunResumed); err != nil {
		return nil, err
	}

	taskLog := s.openTaskLog(runID)
	defer s.closeTaskLog(taskLog)

	res, err := s.deps.Engine().Resume(ctx, wf, ckpt, response, s.runOptions(ctx, runID, taskLog)...)
	return s.finish(ctx, runID, wf, res, err, taskLog)
}

// Cancel moves a non-terminal run to cancelled and retires its prompt
// and checkpoint.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := s.setStatus(ctx, runID, run.Status, schema.RunStatusCancelled,
		store.RunUpdate{}, schema.EventRunCancelled); err != nil {
		return err
	}
	pending, err := s.store.ListPrompts(ctx, store.PromptFilter{RunID: runID, Status: store.PromptPending})
	if err != nil {
		return err
	}
	for _, p := range pending {
		if err := s.store.CancelPrompt(ctx, p.ID); err != nil {
			return err
		}
	}
	if err := s.store.DeleteCheckpoint(ctx, runID); err != nil && schema.ErrorCode(err) != schema.ErrCodeNotFound {
		return err
	}
	return nil
}

// Status aggregates the run row, its pending prompt and recent events.
func (s *Service) Status(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	st := &RunStatus{Run: run}

	pending, err := s.store.ListPrompts(ctx, store.PromptFilter{RunID: runID, Status: store.PromptPending})
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		st.Prompt = pending[0]
	}

	events, err := s.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	const recent = 20
	if len(events) > recent {
		events = events[len(events)-recent:]
	}
	st.Events = events
	return st, nil
}

// --- internals ---

func (s *Service) runOptions(ctx context.Context, runID string, taskLog *logging.TaskLog) []engine.Option {
	opts := []engine.Option{
		engine.WithRunID(runID),
		engine.WithObserver(s.observer(ctx, runID, taskLog)),
		engine.WithSaver(checkpointSaver{svc: s}),
	}
	if s.maxSteps > 0 {
		opts = append(opts, engine.WithMaxSteps(s.maxSteps))
	}
	return opts
}

// observer turns each completed step into an event-log entry, a hub
// event and a task-log line.
func (s *Service) observer(ctx context.Context, runID string, taskLog *logging.TaskLog) engine.Observer {
	return func(ev engine.StepEvent) {
		payload := stepPayload(ev.Update)
		s.emit(ctx, runID, ev.Step, schema.EventStepCompleted, payload)
		if taskLog != nil {
			_ = taskLog.Append(logging.TaskEntry{
				RunID:   runID,
				Step:    ev.Step,
				Event:   schema.EventStepCompleted,
				Payload: payload,
			})
		}
	}
}

// stepPayload records which fields the step touched, not their values:
// datasets live in the shared store and message bodies in the state.
func stepPayload(update engine.Update) map[string]any {
	fields := make([]string, 0, len(update.Set))
	for k := range update.Set {
		fields = append(fields, k)
	}
	payload := map[string]any{"fields": fields}
	if len(update.Clear) > 0 {
		payload["cleared"] = update.Clear
	}
	return payload
}

func (s *Service) finish(ctx context.Context, runID string, wf *engine.Workflow, res *engine.Result, runErr error, taskLog *logging.TaskLog) (*Outcome, error) {
	if runErr != nil {
		errJSON, _ := json.Marshal(map[string]any{
			"code":    schema.ErrorCode(runErr),
			"message": runErr.Error(),
		})
		now := time.Now().UTC()
		if err := s.setStatus(ctx, runID, schema.RunStatusRunning, schema.RunStatusFailed,
			store.RunUpdate{Error: errJSON, CompletedAt: &now}, schema.EventRunFailed); err != nil {
			s.logger.Error("record run failure", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
		return nil, runErr
	}

	if res.Suspended() {
		ckpt := res.Interrupt.Checkpoint
		question, _ := res.Interrupt.Payload.(string)
		prompt := &store.Prompt{
			ID:       uuid.NewString(),
			RunID:    runID,
			Step:     deepestStep(ckpt),
			Question: question,
			Status:   store.PromptPending,
		}
		if err := s.store.CreatePrompt(ctx, prompt); err != nil {
			return nil, err
		}
		if err := s.setStatus(ctx, runID, schema.RunStatusRunning, schema.RunStatusSuspended,
			store.RunUpdate{}, schema.EventRunSuspended); err != nil {
			return nil, err
		}
		s.emit(ctx, runID, prompt.Step, schema.EventPromptRequested,
			map[string]any{"prompt_id": prompt.ID, "question": question})
		if taskLog != nil {
			_ = taskLog.Append(logging.TaskEntry{
				RunID: runID, Step: prompt.Step,
				Event: schema.EventPromptRequested, Detail: question,
			})
		}
		return &Outcome{
			RunID:    runID,
			Status:   schema.RunStatusSuspended,
			State:    res.State,
			Question: question,
			PromptID: prompt.ID,
		}, nil
	}

	final, err := wf.Schema().EncodeState(res.State)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.setStatus(ctx, runID, schema.RunStatusRunning, schema.RunStatusCompleted,
		store.RunUpdate{FinalState: final, CompletedAt: &now}, schema.EventRunCompleted); err != nil {
		return nil, err
	}
	if err := s.store.DeleteCheckpoint(ctx, runID); err != nil && schema.ErrorCode(err) != schema.ErrCodeNotFound {
		return nil, err
	}
	return &Outcome{RunID: runID, Status: schema.RunStatusCompleted, State: res.State}, nil
}

// setStatus validates the lifecycle move, persists it and emits the
// matching event.
func (s *Service) setStatus(ctx context.Context, runID string, from, to schema.RunStatus, update store.RunUpdate, eventType string) error {
	if err := engine.Transition(from, to); err != nil {
		return err
	}
	update.Status = &to
	if err := s.store.UpdateRun(ctx, runID, update); err != nil {
		return err
	}
	s.emit(ctx, runID, "", eventType, nil)
	return nil
}

// emit appends to the event log and publishes to the hub. Both are
// observability paths: failures are logged, never fatal to the run.
func (s *Service) emit(ctx context.Context, runID, step, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	if err := s.store.AppendEvent(ctx, &store.Event{
		RunID: runID, Step: step, Type: eventType, Payload: raw,
	}); err != nil {
		s.logger.Error("append event", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
	if s.hub != nil {
		_ = s.hub.Publish(ctx, streaming.StreamEvent{
			RunID: runID, Step: step, Type: eventType, Payload: payload,
		})
	}
}

func (s *Service) openTaskLog(runID string) *logging.TaskLog {
	if s.deps.Workspace == "" {
		return nil
	}
	taskLog, err := logging.OpenTaskLog(filepath.Join(s.deps.Workspace, "logs"), time.Now().UTC())
	if err != nil {
		s.logger.Warn("task log unavailable", slog.String("run_id", runID), slog.String("error", err.Error()))
		return nil
	}
	return taskLog
}

func (s *Service) closeTaskLog(t *logging.TaskLog) {
	if t != nil {
		_ = t.Close()
	}
}

// deepestStep names the step actually awaiting input, descending into
// child checkpoints of composite runs.
func deepestStep(ckpt *engine.Checkpoint) string {
	for ckpt.Child != nil {
		ckpt = ckpt.Child
	}
	return ckpt.AwaitingStep
}

// checkpointSaver persists engine checkpoints through the store.
type checkpointSaver struct {
	svc *Service
}

func (c checkpointSaver) SaveCheckpoint(ctx context.Context, ckpt *engine.Checkpoint) error {
	data, err := engine.EncodeCheckpoint(c.svc.Resolve, ckpt)
	if err != nil {
		return err
	}
	return c.svc.store.SaveCheckpoint(ctx, &store.CheckpointRecord{
		RunID:     ckpt.RunID,
		Step:      ckpt.AwaitingStep,
		Data:      data,
		CreatedAt: ckpt.CreatedAt,
	})
}

// initialState seeds the run: the query becomes the opening user message
// and the intent map; any param whose name matches a declared state
// field is lifted into state directly, the rest ride inside user_intent.
func initialState(wf *engine.Workflow, query string, params map[string]any) engine.State {
	intent := map[string]any{}
	state := engine.State{}

	declared := make(map[string]bool)
	for _, f := range wf.Schema().Fields() {
		declared[f.Name] = true
	}

	for k, v := range params {
		if declared[k] && k != "user_intent" && k != "messages" {
			state[k] = v
			continue
		}
		intent[k] = v
	}
	if query != "" {
		intent["query"] = query
		if declared["messages"] {
			state["messages"] = []schema.Message{schema.UserMessage(query)}
		}
	}
	if declared["user_intent"] {
		state["user_intent"] = intent
	}
	return state
}
