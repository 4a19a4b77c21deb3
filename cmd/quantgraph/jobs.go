package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/quantgraph/quantgraph/internal/scheduler"
	"github.com/quantgraph/quantgraph/internal/store"
)

// cmdJobs manages scheduled jobs: list, add, rm.
func cmdJobs(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("jobs requires a subcommand: list, add or rm")
	}

	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.close()

	switch args[0] {
	case "list":
		return jobsList(ctx, a)
	case "add":
		return jobsAdd(ctx, a, args[1:])
	case "rm":
		return jobsRemove(ctx, a, args[1:])
	default:
		return fmt.Errorf("unknown jobs subcommand %q", args[0])
	}
}

func jobsList(ctx context.Context, a *app) error {
	jobs, err := a.store.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tCRON\tENABLED\tNEXT RUN\tLAST STATUS")
	for _, j := range jobs {
		next := "-"
		if j.NextRunAt != nil {
			next = j.NextRunAt.Format(time.RFC3339)
		}
		last := j.LastRunStatus
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			j.ID, j.Name, j.Kind, j.Cron, j.Enabled, next, last)
	}
	return w.Flush()
}

func jobsAdd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("jobs add", flag.ExitOnError)
	name := fs.String("name", "", "job name (required)")
	kind := fs.String("kind", store.JobDataRefresh, "job kind: data_refresh or pipeline_run")
	cronExpr := fs.String("cron", "", "cron expression, e.g. '0 18 * * 1-5' or '@daily' (required)")
	pipelineName := fs.String("pipeline", "", "pipeline for pipeline_run jobs")
	paramsJSON := fs.String("params", "", "job parameters as a JSON object")
	disabled := fs.Bool("disabled", false, "create the job disabled")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *name == "" || *cronExpr == "" {
		return fmt.Errorf("jobs add requires -name and -cron")
	}
	if *kind != store.JobDataRefresh && *kind != store.JobPipelineRun {
		return fmt.Errorf("kind must be %s or %s", store.JobDataRefresh, store.JobPipelineRun)
	}
	if *kind == store.JobPipelineRun && *pipelineName == "" {
		return fmt.Errorf("pipeline_run jobs require -pipeline")
	}

	var params json.RawMessage
	if *paramsJSON != "" {
		if !json.Valid([]byte(*paramsJSON)) {
			return fmt.Errorf("-params is not valid JSON")
		}
		params = json.RawMessage(*paramsJSON)
	}

	sched := scheduler.New(a.store, a.runner, a.provider, a.data, a.hub, a.logger)
	next, err := sched.CalculateNextRun(*cronExpr, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	job := &store.ScheduledJob{
		ID:        uuid.New().String(),
		Name:      *name,
		Kind:      *kind,
		Cron:      *cronExpr,
		Pipeline:  *pipelineName,
		Params:    params,
		Enabled:   !*disabled,
		NextRunAt: &next,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateJob(ctx, job); err != nil {
		return err
	}
	fmt.Printf("created job %s (next run %s)\n", job.ID, next.Format(time.RFC3339))
	return nil
}

func jobsRemove(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("jobs rm requires exactly one job ID")
	}
	if err := a.store.DeleteJob(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("removed job %s\n", args[0])
	return nil
}
