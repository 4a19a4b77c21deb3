package engine

import (
	"context"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// SubWorkflow embeds a complete child workflow as a single step of a
// parent. Into translates parent state into the child's local schema
// (explicit field-by-field mapping, with the mapper supplying defaults
// for unset fields); Back maps selected child output fields into a
// parent-level partial update. The parent router sees only what Back
// propagates, so sub-workflows stay opaque units.
type SubWorkflow struct {
	Name  string
	Child *Workflow
	Into  func(parent State) State
	Back  func(parent, child State) Update
}

// Step builds the parent StepFunc wrapping the child run. A child
// interrupt becomes the parent's own suspension with the child
// checkpoint nested in the parent checkpoint; on parent resume the
// wrapper resumes the child with the response.
func (s *SubWorkflow) Step(eng *Engine) StepFunc {
	return func(ctx context.Context, st State, rt *Runtime) (*StepResult, error) {
		var (
			res *Result
			err error
		)
		if child := rt.ChildCheckpoint(); child != nil {
			response, ok := rt.ResumeValue()
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeResume,
					"sub-workflow %s: child checkpoint without a resume value", s.Name)
			}
			res, err = eng.Resume(ctx, s.Child, child, response, withSharedBudget(rt.budget))
		} else {
			res, err = eng.Run(ctx, s.Child, s.Into(st),
				WithRunID(rt.RunID+"."+s.Name), withSharedBudget(rt.budget))
		}
		if err != nil {
			return nil, err
		}
		if res.Suspended() {
			return suspendChild(res.Interrupt.Payload, res.Interrupt.Checkpoint), nil
		}
		return Complete(s.Back(st, res.State)), nil
	}
}
