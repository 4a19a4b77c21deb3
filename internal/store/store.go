// Package store persists runs, checkpoints, prompts, events, scheduled
// jobs and secrets. Two implementations ship: an in-memory store for
// tests and ephemeral runs, and a libSQL store for durable deployments.
package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Checkpoints (one per run, latest wins)
	SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error
	GetCheckpoint(ctx context.Context, runID string) (*CheckpointRecord, error)
	DeleteCheckpoint(ctx context.Context, runID string) error

	// Prompts
	CreatePrompt(ctx context.Context, p *Prompt) error
	GetPrompt(ctx context.Context, id string) (*Prompt, error)
	ResolvePrompt(ctx context.Context, id, response, resolvedBy string) error
	CancelPrompt(ctx context.Context, id string) error
	ListPrompts(ctx context.Context, filter PromptFilter) ([]*Prompt, error)

	// Event log (append-only, monotonic per-run sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Scheduled Jobs
	CreateJob(ctx context.Context, job *ScheduledJob) error
	GetJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*ScheduledJob, error)
	DeleteJob(ctx context.Context, id string) error

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
