package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// Uses a write-intent statement so the sequence read and the insert
// cannot interleave with a concurrent writer.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction.
	// Force lock acquisition with an immediate-mode write.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Step), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// Replay reconstructs per-step execution views from the run's event log.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*StepView, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	return ReplayStepViews(runID, events)
}

// StepView is the materialized execution state of one step, rebuilt
// from the event log.
type StepView struct {
	RunID       string            `json:"run_id"`
	Step        string            `json:"step"`
	Status      schema.StepStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ReplayStepViews folds an ordered event list into per-step views.
// Returns an error if sequence gaps are detected.
func ReplayStepViews(runID string, events []*Event) (map[string]*StepView, error) {
	views := make(map[string]*StepView)
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.Step == "" {
			continue
		}

		sv, ok := views[e.Step]
		if !ok {
			sv = &StepView{RunID: runID, Step: e.Step}
			views[e.Step] = sv
		}

		switch e.Type {
		case schema.EventStepStarted:
			sv.Status = schema.StepStatusRunning
			ts := e.Timestamp
			sv.StartedAt = &ts

		case schema.EventStepCompleted:
			sv.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			sv.CompletedAt = &ts
			sv.Output = e.Payload
			if sv.StartedAt != nil {
				sv.DurationMs = ts.Sub(*sv.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			sv.Status = schema.StepStatusFailed
			sv.Error = e.Payload

		case schema.EventPromptRequested:
			sv.Status = schema.StepStatusSuspended

		case schema.EventPromptResolved:
			// The runner re-invokes the awaiting step; the next
			// step_started event moves the view forward.
		}
	}

	return views, nil
}
