// Package panel serves the management API: a headless JSON surface for
// launching runs, answering prompts, managing scheduled jobs and
// watching live events over SSE.
package panel

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/runner"
	"github.com/quantgraph/quantgraph/internal/store"
	"github.com/quantgraph/quantgraph/internal/streaming"
)

// JobScheduler computes cron schedules for job mutations. Satisfied by
// scheduler.Scheduler.
type JobScheduler interface {
	CalculateNextRun(cronExpr string, from time.Time) (time.Time, error)
}

// Deps holds the collaborators for the panel server.
type Deps struct {
	Runner    *runner.Service
	Store     store.Store
	Data      *datastore.Store
	Hub       streaming.Hub
	Scheduler JobScheduler
	Logger    *slog.Logger
}

// Server exposes the JSON API.
type Server struct {
	deps Deps
}

// NewServer creates a panel server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/pipelines", s.handlePipelines)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("POST /api/runs", s.handleLaunchRun)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunDetail)
	mux.HandleFunc("GET /api/runs/{id}/steps", s.handleRunSteps)
	mux.HandleFunc("GET /api/runs/{id}/diagram", s.handleRunDiagram)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)

	mux.HandleFunc("GET /api/prompts", s.handleListPrompts)
	mux.HandleFunc("POST /api/prompts/{id}/resolve", s.handleResolvePrompt)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("PUT /api/jobs/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)

	mux.HandleFunc("GET /api/data", s.handleDataSummary)

	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return mux
}
