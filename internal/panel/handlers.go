package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quantgraph/quantgraph/internal/diagram"
	"github.com/quantgraph/quantgraph/internal/pipeline"
	"github.com/quantgraph/quantgraph/internal/store"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

// handlePipelines lists the registered pipeline names.
func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": s.deps.Runner.Pipelines()})
}

// handleListRuns lists runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Pipeline: r.URL.Query().Get("pipeline"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		rs := schema.RunStatus(status)
		filter.Status = &rs
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleLaunchRun starts a pipeline run.
func (s *Server) handleLaunchRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pipeline string         `json:"pipeline"`
		Query    string         `json:"query"`
		Params   map[string]any `json:"params"`
		Async    bool           `json:"async"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Pipeline == "" || body.Query == "" {
		writeError(w, http.StatusBadRequest, "pipeline and query are required")
		return
	}

	if body.Async {
		runID, err := s.deps.Runner.Enqueue(body.Pipeline, body.Query, body.Params)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"run_id": runID,
			"status": schema.RunStatusPending,
		})
		return
	}

	out, err := s.deps.Runner.Run(r.Context(), body.Pipeline, body.Query, body.Params)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// handleRunDetail returns the run row, pending prompt and recent events.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Runner.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRunSteps replays the event log into per-step views.
func (s *Server) handleRunSteps(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.deps.Store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	events, err := s.deps.Store.GetEvents(r.Context(), runID, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views, err := store.ReplayStepViews(runID, events)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": views})
}

// handleRunDiagram renders the run's pipeline graph with replayed
// step status.
func (s *Server) handleRunDiagram(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := s.deps.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	wf, ok := s.deps.Runner.Resolve(run.Pipeline)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown pipeline %q", run.Pipeline))
		return
	}

	events, err := s.deps.Store.GetEvents(r.Context(), runID, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views, err := store.ReplayStepViews(runID, events)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	opts := []diagram.Option{
		diagram.WithSuspendable("clarify"),
		diagram.WithStatus(views),
	}
	if run.Pipeline == pipeline.MainWorkflow {
		opts = append(opts, diagram.WithSubworkflows(
			pipeline.SignalWorkflow, pipeline.BacktestWorkflow))
	}
	model := diagram.Build(wf, opts...)

	switch r.URL.Query().Get("format") {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderMermaid(model))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderASCII(model))
	default:
		writeError(w, http.StatusBadRequest, "format must be mermaid or ascii")
	}
}

// handleCancelRun cancels a run and its pending prompts.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.deps.Runner.Cancel(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"status": schema.RunStatusCancelled,
	})
}

// handleListPrompts lists prompts, optionally filtered by status.
func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.deps.Store.ListPrompts(r.Context(), store.PromptFilter{
		RunID:  r.URL.Query().Get("run_id"),
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 50),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
}

// handleResolvePrompt answers a pending prompt and resumes its run.
func (s *Server) handleResolvePrompt(w http.ResponseWriter, r *http.Request) {
	promptID := r.PathValue("id")

	var body struct {
		Response   string `json:"response"`
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Response == "" {
		writeError(w, http.StatusBadRequest, "response is required")
		return
	}
	if body.ResolvedBy == "" {
		body.ResolvedBy = "panel"
	}

	prompt, err := s.deps.Store.GetPrompt(r.Context(), promptID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out, err := s.deps.Runner.Resume(r.Context(), prompt.RunID, body.Response, body.ResolvedBy)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListJobs lists scheduled jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Kind:  r.URL.Query().Get("kind"),
		Limit: queryInt(r, "limit", 100),
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}

	jobs, err := s.deps.Store.ListJobs(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleCreateJob registers a new scheduled job.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string          `json:"name"`
		Kind     string          `json:"kind"`
		Cron     string          `json:"cron"`
		Pipeline string          `json:"pipeline"`
		Params   json.RawMessage `json:"params"`
		Enabled  bool            `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Name == "" || body.Cron == "" {
		writeError(w, http.StatusBadRequest, "name and cron are required")
		return
	}
	if body.Kind != store.JobDataRefresh && body.Kind != store.JobPipelineRun {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("kind must be %s or %s", store.JobDataRefresh, store.JobPipelineRun))
		return
	}
	if body.Kind == store.JobPipelineRun && body.Pipeline == "" {
		writeError(w, http.StatusBadRequest, "pipeline_run jobs require a pipeline")
		return
	}

	job := &store.ScheduledJob{
		ID:        uuid.New().String(),
		Name:      body.Name,
		Kind:      body.Kind,
		Cron:      body.Cron,
		Pipeline:  body.Pipeline,
		Params:    body.Params,
		Enabled:   body.Enabled,
		CreatedAt: time.Now().UTC(),
	}
	if s.deps.Scheduler != nil {
		next, err := s.deps.Scheduler.CalculateNextRun(body.Cron, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cron: %v", err))
			return
		}
		job.NextRunAt = &next
	}

	if err := s.deps.Store.CreateJob(r.Context(), job); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// handleUpdateJob toggles or reschedules a job.
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	var body struct {
		Enabled *bool  `json:"enabled"`
		Cron    string `json:"cron"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	update := store.JobUpdate{Enabled: body.Enabled, Cron: body.Cron}
	if body.Cron != "" && s.deps.Scheduler != nil {
		next, err := s.deps.Scheduler.CalculateNextRun(body.Cron, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cron: %v", err))
			return
		}
		update.NextRunAt = &next
	}

	if err := s.deps.Store.UpdateJob(r.Context(), jobID, update); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": jobID})
}

// handleDeleteJob removes a scheduled job.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.deps.Store.DeleteJob(r.Context(), jobID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": jobID})
}

// handleDataSummary reports per-bucket dataset summaries.
func (s *Server) handleDataSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"buckets": s.deps.Data.Summaries()})
}
