package store

import (
	"encoding/json"
	"time"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// Run is the persisted record of a pipeline execution.
type Run struct {
	ID          string           `json:"id"`
	Pipeline    string           `json:"pipeline"`
	Query       string           `json:"query,omitempty"`
	Params      map[string]any   `json:"params,omitempty"`
	Status      schema.RunStatus `json:"status"`
	FinalState  json.RawMessage  `json:"final_state,omitempty"`
	Error       json.RawMessage  `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// CheckpointRecord is an encoded suspension checkpoint. One per run: a
// later suspension of the same run replaces the earlier record.
type CheckpointRecord struct {
	RunID     string          `json:"run_id"`
	Step      string          `json:"step"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Prompt is a clarification question awaiting a user response.
type Prompt struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Step       string     `json:"step"`
	Question   string     `json:"question"`
	Status     string     `json:"status"` // pending, resolved, cancelled
	Response   string     `json:"response,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Prompt status values.
const (
	PromptPending   = "pending"
	PromptResolved  = "resolved"
	PromptCancelled = "cancelled"
)

// Event is an immutable entry in the per-run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered recurring task.
type ScheduledJob struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Kind          string          `json:"kind"` // data_refresh, pipeline_run
	Cron          string          `json:"cron"`
	Pipeline      string          `json:"pipeline,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Enabled       bool            `json:"enabled"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus string          `json:"last_run_status,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Scheduled job kinds.
const (
	JobDataRefresh = "data_refresh"
	JobPipelineRun = "pipeline_run"
)

// Secret is an encrypted key-value entry.
type Secret struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"-"` // encrypted, never serialized
	CreatedAt time.Time `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   *schema.RunStatus `json:"status,omitempty"`
	Pipeline string            `json:"pipeline,omitempty"`
	Since    *time.Time        `json:"since,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	FinalState  json.RawMessage   `json:"final_state,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID string     `json:"run_id,omitempty"`
	Step  string     `json:"step,omitempty"`
	Since *time.Time `json:"since,omitempty"`
	Limit int        `json:"limit,omitempty"`
}

// PromptFilter specifies criteria for listing prompts.
type PromptFilter struct {
	RunID  string `json:"run_id,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// JobUpdate specifies mutable fields of a scheduled job.
type JobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	Cron          string     `json:"cron,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// JobFilter specifies criteria for listing scheduled jobs.
type JobFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
