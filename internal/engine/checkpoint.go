package engine

import (
	"encoding/json"
	"time"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// checkpoint layout version; bump when the wire shape changes.
const checkpointVersion = 1

// WorkflowResolver maps a workflow name to its compiled graph. Needed
// to decode nested child checkpoints against the right schema.
type WorkflowResolver func(name string) (*Workflow, bool)

type checkpointWire struct {
	Version      int             `json:"version"`
	RunID        string          `json:"run_id"`
	Workflow     string          `json:"workflow"`
	AwaitingStep string          `json:"awaiting_step"`
	State        json.RawMessage `json:"state"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Child        json.RawMessage `json:"child,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EncodeCheckpoint serializes a checkpoint, recursively including any
// nested child checkpoint.
func EncodeCheckpoint(resolve WorkflowResolver, ckpt *Checkpoint) ([]byte, error) {
	wf, ok := resolve(ckpt.Workflow)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "encode checkpoint: unknown workflow %q", ckpt.Workflow)
	}
	stateRaw, err := wf.schema.EncodeState(ckpt.State)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "encode checkpoint state: %s", err.Error()).WithCause(err)
	}
	w := checkpointWire{
		Version:      checkpointVersion,
		RunID:        ckpt.RunID,
		Workflow:     ckpt.Workflow,
		AwaitingStep: ckpt.AwaitingStep,
		State:        stateRaw,
		CreatedAt:    ckpt.CreatedAt,
	}
	if ckpt.Payload != nil {
		if w.Payload, err = json.Marshal(ckpt.Payload); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeParse, "encode checkpoint payload: %s", err.Error()).WithCause(err)
		}
	}
	if ckpt.Child != nil {
		if w.Child, err = EncodeCheckpoint(resolve, ckpt.Child); err != nil {
			return nil, err
		}
	}
	return json.Marshal(w)
}

// DecodeCheckpoint parses a checkpoint, rehydrating state per the
// owning workflow's schema so that suspend, persist, resume reproduces
// identical behavior.
func DecodeCheckpoint(resolve WorkflowResolver, data []byte) (*Checkpoint, error) {
	var w checkpointWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "decode checkpoint: %s", err.Error()).WithCause(err)
	}
	if w.Version != checkpointVersion {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "decode checkpoint: unsupported version %d", w.Version)
	}
	wf, ok := resolve(w.Workflow)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "decode checkpoint: unknown workflow %q", w.Workflow)
	}
	state, err := wf.schema.DecodeState(w.State)
	if err != nil {
		return nil, err
	}
	ckpt := &Checkpoint{
		RunID:        w.RunID,
		Workflow:     w.Workflow,
		AwaitingStep: w.AwaitingStep,
		State:        state,
		CreatedAt:    w.CreatedAt,
	}
	if len(w.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(w.Payload, &payload); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeParse, "decode checkpoint payload: %s", err.Error()).WithCause(err)
		}
		ckpt.Payload = payload
	}
	if len(w.Child) > 0 {
		if ckpt.Child, err = DecodeCheckpoint(resolve, w.Child); err != nil {
			return nil, err
		}
	}
	return ckpt, nil
}
