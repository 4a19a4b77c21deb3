package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// MemoryStore is an in-memory Store. Ephemeral by nature: used by tests
// and by one-shot CLI runs that do not need durability.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	checkpoints map[string]*CheckpointRecord
	prompts     map[string]*Prompt
	events      map[string][]*Event
	jobs        map[string]*ScheduledJob
	secrets     map[string]*Secret
	nextEventID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*Run),
		checkpoints: make(map[string]*CheckpointRecord),
		prompts:     make(map[string]*Prompt),
		events:      make(map[string][]*Event),
		jobs:        make(map[string]*ScheduledJob),
		secrets:     make(map[string]*Secret),
	}
}

var _ Store = (*MemoryStore)(nil)

// --- Runs ---

func (m *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.runs[run.ID]; dup {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	cp := *run
	cp.CreatedAt = timeOrNow(run.CreatedAt)
	cp.UpdatedAt = timeOrNow(run.UpdatedAt)
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.FinalState != nil {
		run.FinalState = update.FinalState
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []*Run
	for _, run := range m.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.Pipeline != "" && run.Pipeline != filter.Pipeline {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *run
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return paginate(runs, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return storeNotFound("run", id)
	}
	delete(m.runs, id)
	delete(m.checkpoints, id)
	delete(m.events, id)
	return nil
}

// --- Checkpoints ---

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.CreatedAt = timeOrNow(rec.CreatedAt)
	m.checkpoints[rec.RunID] = &cp
	return nil
}

func (m *MemoryStore) GetCheckpoint(ctx context.Context, runID string) (*CheckpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.checkpoints[runID]
	if !ok {
		return nil, storeNotFound("checkpoint", runID)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) DeleteCheckpoint(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[runID]; !ok {
		return storeNotFound("checkpoint", runID)
	}
	delete(m.checkpoints, runID)
	return nil
}

// --- Prompts ---

func (m *MemoryStore) CreatePrompt(ctx context.Context, p *Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.prompts[p.ID]; dup {
		return schema.NewErrorf(schema.ErrCodeConflict, "prompt %q already exists", p.ID)
	}
	cp := *p
	cp.CreatedAt = timeOrNow(p.CreatedAt)
	if cp.Status == "" {
		cp.Status = PromptPending
	}
	m.prompts[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPrompt(ctx context.Context, id string) (*Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prompts[id]
	if !ok {
		return nil, storeNotFound("prompt", id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ResolvePrompt(ctx context.Context, id, response, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[id]
	if !ok {
		return storeNotFound("prompt", id)
	}
	if p.Status != PromptPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "prompt %q is %s, not pending", id, p.Status)
	}
	now := time.Now().UTC()
	p.Status = PromptResolved
	p.Response = response
	p.ResolvedBy = resolvedBy
	p.ResolvedAt = &now
	return nil
}

func (m *MemoryStore) CancelPrompt(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[id]
	if !ok {
		return storeNotFound("prompt", id)
	}
	if p.Status != PromptPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "prompt %q is %s, not pending", id, p.Status)
	}
	now := time.Now().UTC()
	p.Status = PromptCancelled
	p.ResolvedAt = &now
	return nil
}

func (m *MemoryStore) ListPrompts(ctx context.Context, filter PromptFilter) ([]*Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var prompts []*Prompt
	for _, p := range m.prompts {
		if filter.RunID != "" && p.RunID != filter.RunID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		cp := *p
		prompts = append(prompts, &cp)
	}
	sort.Slice(prompts, func(i, j int) bool {
		if prompts[i].CreatedAt.Equal(prompts[j].CreatedAt) {
			return prompts[i].ID < prompts[j].ID
		}
		return prompts[i].CreatedAt.After(prompts[j].CreatedAt)
	})
	return paginate(prompts, filter.Limit, 0), nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	cp := *event
	cp.ID = m.nextEventID
	cp.Sequence = int64(len(m.events[event.RunID])) + 1
	cp.Timestamp = timeOrNow(event.Timestamp)
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	event.ID = cp.ID
	event.Sequence = cp.Sequence
	return nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			cp := *e
			events = append(events, &cp)
		}
	}
	return events, nil
}

func (m *MemoryStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []*Event
	for runID, list := range m.events {
		if filter.RunID != "" && runID != filter.RunID {
			continue
		}
		for _, e := range list {
			if e.Type != eventType {
				continue
			}
			if filter.Step != "" && e.Step != filter.Step {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			events = append(events, &cp)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID > events[j].ID
		}
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return paginate(events, filter.Limit, 0), nil
}

// --- Scheduled Jobs ---

func (m *MemoryStore) CreateJob(ctx context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.jobs[job.ID]; dup {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already exists", job.ID)
	}
	cp := *job
	cp.CreatedAt = timeOrNow(job.CreatedAt)
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("job", id)
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, id string, update JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return storeNotFound("job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.Cron != "" {
		job.Cron = update.Cron
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*ScheduledJob
	for _, job := range m.jobs {
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Name == jobs[j].Name {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].Name < jobs[j].Name
	})
	return paginate(jobs, filter.Limit, 0), nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("job", id)
	}
	delete(m.jobs, id)
	return nil
}

// --- Secrets ---

func (m *MemoryStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.secrets[key] = &Secret{Key: key, Value: cp, CreatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	cp := make([]byte, len(s.Value))
	copy(cp, s.Value)
	return cp, nil
}

func (m *MemoryStore) DeleteSecret(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(m.secrets, key)
	return nil
}

func (m *MemoryStore) ListSecrets(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.secrets))
	for k := range m.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// --- Maintenance ---

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (m *MemoryStore) Vacuum(ctx context.Context) error  { return nil }
func (m *MemoryStore) Close() error                      { return nil }

func paginate[T any](items []*T, limit, offset int) []*T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
