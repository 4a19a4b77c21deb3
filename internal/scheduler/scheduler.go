// Package scheduler runs store-persisted recurring jobs: market data
// refreshes and scheduled pipeline launches.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/marketdata"
	"github.com/quantgraph/quantgraph/internal/store"
	"github.com/quantgraph/quantgraph/internal/streaming"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

// DefaultInterval is the polling tick.
const DefaultInterval = 60 * time.Second

// RunLauncher starts a pipeline run asynchronously.
// Satisfied by runner.Service (avoids import cycle).
type RunLauncher interface {
	Enqueue(pipeline, query string, params map[string]any) (string, error)
}

// refreshParams configures a data_refresh job.
type refreshParams struct {
	Symbols    []string `json:"symbols"`
	Start      string   `json:"start,omitempty"`
	End        string   `json:"end,omitempty"`
	Indicators []string `json:"indicators,omitempty"`
}

// launchParams configures a pipeline_run job.
type launchParams struct {
	Query  string         `json:"query"`
	Params map[string]any `json:"params,omitempty"`
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithInterval overrides the polling tick.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Scheduler polls the store for due scheduled jobs and runs them.
type Scheduler struct {
	store    store.Store
	launcher RunLauncher
	provider marketdata.Provider
	data     *datastore.Store
	hub      streaming.Hub
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// New creates a Scheduler. Cron expressions use the standard five
// fields; descriptors like @daily are accepted.
func New(st store.Store, launcher RunLauncher, provider marketdata.Provider, data *datastore.Store, hub streaming.Hub, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    st,
		launcher: launcher,
		provider: provider,
		data:     data,
		hub:      hub,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: DefaultInterval,
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled jobs and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if !s.tryAcquire(job.ID) {
				continue // already running (dedup)
			}
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to run scheduled job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(job.ID)
		}
	}
}

// runJob executes a scheduled job and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.String("name", job.Name),
	)
	s.publish(ctx, job, schema.EventJobStarted, nil)

	var err error
	switch job.Kind {
	case store.JobDataRefresh:
		err = s.refreshData(ctx, job)
	case store.JobPipelineRun:
		err = s.launchPipeline(job)
	default:
		err = schema.NewErrorf(schema.ErrCodeSchedule, "unknown job kind %q", job.Kind)
	}

	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		s.publish(ctx, job, schema.EventJobFailed, map[string]any{"error": err.Error()})
	} else {
		s.publish(ctx, job, schema.EventJobCompleted, nil)
	}

	return s.updateJobStatus(ctx, job, now, status)
}

// refreshData pulls fresh bars (and indicators) into the shared store.
func (s *Scheduler) refreshData(ctx context.Context, job *store.ScheduledJob) error {
	var params refreshParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return schema.NewErrorf(schema.ErrCodeSchedule, "job %q: bad params: %s", job.ID, err.Error())
		}
	}
	if len(params.Symbols) == 0 {
		return schema.NewErrorf(schema.ErrCodeSchedule, "job %q: no symbols to refresh", job.ID)
	}

	daily, err := s.provider.Daily(ctx, params.Symbols, params.Start, params.End)
	if err != nil {
		return err
	}
	if err := s.data.Update(datastore.BucketOHLCV, daily); err != nil {
		return err
	}
	if len(params.Indicators) > 0 {
		indicators, err := s.provider.Indicators(ctx, params.Symbols, params.Start, params.End, params.Indicators)
		if err != nil {
			return err
		}
		if err := s.data.Update(datastore.BucketIndicators, indicators); err != nil {
			return err
		}
	}

	if s.hub != nil {
		_ = s.hub.Publish(ctx, streaming.StreamEvent{
			Type:    schema.EventDataRefreshed,
			Payload: map[string]any{"symbols": params.Symbols},
		})
	}
	return nil
}

// launchPipeline enqueues a run; the launcher owns its lifecycle.
func (s *Scheduler) launchPipeline(job *store.ScheduledJob) error {
	if job.Pipeline == "" {
		return schema.NewErrorf(schema.ErrCodeSchedule, "job %q: no pipeline configured", job.ID)
	}
	var params launchParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return schema.NewErrorf(schema.ErrCodeSchedule, "job %q: bad params: %s", job.ID, err.Error())
		}
	}
	_, err := s.launcher.Enqueue(job.Pipeline, params.Query, params.Params)
	return err
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.Cron, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	return s.store.UpdateJob(ctx, job.ID, store.JobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

func (s *Scheduler) publish(ctx context.Context, job *store.ScheduledJob, eventType string, payload map[string]any) {
	if s.hub == nil {
		return
	}
	body := map[string]any{"job_id": job.ID, "name": job.Name, "kind": job.Kind}
	for k, v := range payload {
		body[k] = v
	}
	_ = s.hub.Publish(ctx, streaming.StreamEvent{Type: eventType, Payload: body})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeSchedule,
			"parse cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs enabled jobs whose next_run_at slipped into the
// past, once, typically at startup.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.Before(now) {
			if !s.tryAcquire(job.ID) {
				continue
			}
			err := s.runJob(ctx, job, now)
			s.release(job.ID)
			if err != nil {
				s.logger.Error("failed to recover missed job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
