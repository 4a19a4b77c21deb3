package engine

import (
	"context"
	"log/slog"

	"github.com/quantgraph/quantgraph/internal/datastore"
)

// StepFunc is a single named unit of work: it receives the full current
// state and returns a sparse result. Steps are stateless; identity is
// the name they are registered under.
type StepFunc func(ctx context.Context, st State, rt *Runtime) (*StepResult, error)

// Suspension is a step's request to halt the run and wait for external
// input. Payload is opaque to the engine. Update, if present, is merged
// before the checkpoint is taken. Child carries a nested checkpoint when
// the suspension bubbled out of a sub-workflow.
type Suspension struct {
	Payload any
	Update  *Update
	Child   *Checkpoint
}

// StepResult is the closed result union: a step either completes with a
// partial update or requests suspension. The engine branches
// exhaustively on it instead of probing values.
type StepResult struct {
	update *Update
	susp   *Suspension
}

// Complete wraps a partial update.
func Complete(u Update) *StepResult {
	return &StepResult{update: &u}
}

// Suspend requests suspension with an opaque payload.
func Suspend(payload any) *StepResult {
	return &StepResult{susp: &Suspension{Payload: payload}}
}

// SuspendWith requests suspension and carries a pre-suspension partial
// update that must be merged before the checkpoint is taken.
func SuspendWith(payload any, u Update) *StepResult {
	return &StepResult{susp: &Suspension{Payload: payload, Update: &u}}
}

// suspendChild propagates a sub-workflow's suspension as the parent's.
func suspendChild(payload any, child *Checkpoint) *StepResult {
	return &StepResult{susp: &Suspension{Payload: payload, Child: child}}
}

// UpdateResult returns the partial update, if the step completed.
func (r *StepResult) UpdateResult() (Update, bool) {
	if r.update == nil {
		return Update{}, false
	}
	return *r.update, true
}

// Suspension returns the suspension request, if the step suspended.
func (r *StepResult) Suspension() (*Suspension, bool) {
	if r.susp == nil {
		return nil, false
	}
	return r.susp, true
}

// Runtime is the opaque execution context handed to every step: run
// identity, logging, the injected shared data store, and the resume
// plumbing. Steps may ignore all of it.
type Runtime struct {
	RunID    string
	Workflow string
	Logger   *slog.Logger
	Data     *datastore.Store

	resume    any
	hasResume bool
	childCkpt *Checkpoint
	budget    *stepBudget
}

// ResumeValue returns the externally supplied response exactly once, on
// the first invocation after a resume. A step that previously suspended
// uses it in place of the suspension's synchronous return value.
func (rt *Runtime) ResumeValue() (any, bool) {
	if !rt.hasResume {
		return nil, false
	}
	v := rt.resume
	rt.resume, rt.hasResume = nil, false
	return v, true
}

// ChildCheckpoint returns the nested checkpoint when the resumed step is
// a sub-workflow wrapper, consumed exactly once like ResumeValue.
func (rt *Runtime) ChildCheckpoint() *Checkpoint {
	c := rt.childCkpt
	rt.childCkpt = nil
	return c
}
