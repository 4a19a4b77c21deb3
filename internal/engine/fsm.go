package engine

import "github.com/quantgraph/quantgraph/pkg/schema"

// ValidRunTransitions is the run lifecycle transition table.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusSuspended, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSuspended: {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// Transition validates a run lifecycle move. Terminal states admit no
// further transitions.
func Transition(from, to schema.RunStatus) error {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "unknown run status %q", from)
	}
	for _, a := range allowed {
		if a == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid run transition: %s -> %s", from, to)
}

// RunEventType maps a run status to the event emitted on entering it.
func RunEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusSuspended:
		return schema.EventRunSuspended
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}
