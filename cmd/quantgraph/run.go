package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/quantgraph/quantgraph/internal/pipeline"
	"github.com/quantgraph/quantgraph/internal/runner"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

// cmdRun executes one pipeline run in the foreground. When the run
// suspends on a clarification, the question is printed and the answer
// read from stdin, looping until the run reaches a terminal state.
func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	pipelineName := fs.String("pipeline", pipeline.MainWorkflow, "pipeline to run")
	paramsJSON := fs.String("params", "", "extra run parameters as a JSON object")
	async := fs.Bool("async", false, "enqueue and print the run ID instead of waiting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return fmt.Errorf("run requires a query, e.g.: quantgraph run ma cross on 600519.SH")
	}

	var params map[string]any
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			return fmt.Errorf("parse -params: %w", err)
		}
	}

	cfg := loadConfig()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.MaxRetries > 0 {
		if params == nil {
			params = map[string]any{}
		}
		if _, set := params["max_retries"]; !set {
			params["max_retries"] = cfg.MaxRetries
		}
	}

	if *async {
		runID, err := a.runner.Enqueue(*pipelineName, query, params)
		if err != nil {
			return err
		}
		fmt.Println(runID)
		return nil
	}

	out, err := a.runner.Run(ctx, *pipelineName, query, params)
	if err != nil {
		return err
	}

	stdin := bufio.NewScanner(os.Stdin)
	for out.Status == schema.RunStatusSuspended {
		fmt.Printf("\n%s\n> ", out.Question)
		if !stdin.Scan() {
			return fmt.Errorf("run %s left suspended (stdin closed)", out.RunID)
		}
		answer := strings.TrimSpace(stdin.Text())
		if answer == "" {
			continue
		}
		out, err = a.runner.Resume(ctx, out.RunID, answer, "cli")
		if err != nil {
			return err
		}
	}

	return printOutcome(ctx, a, out)
}

func printOutcome(ctx context.Context, a *app, out *runner.Outcome) error {
	fmt.Printf("run %s: %s\n", out.RunID, out.Status)

	run, err := a.store.GetRun(ctx, out.RunID)
	if err != nil {
		return err
	}
	if len(run.FinalState) > 0 {
		var pretty map[string]any
		if json.Unmarshal(run.FinalState, &pretty) == nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(pretty); err != nil {
				return err
			}
		}
	}
	if out.Status == schema.RunStatusFailed && len(run.Error) > 0 {
		fmt.Fprintf(os.Stderr, "failure detail: %s\n", run.Error)
	}
	return nil
}
