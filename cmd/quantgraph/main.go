package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const usage = `quantgraph - workflow orchestration for quant research pipelines

Usage:
  quantgraph run [-pipeline NAME] [-params JSON] [-async] QUERY...
  quantgraph serve
  quantgraph jobs list|add|rm [args]
  quantgraph diagram [-format ascii|mermaid|png] [-out FILE] PIPELINE
  quantgraph version

Configuration is read from $QUANTGRAPH_HOME/settings.json and
QUANTGRAPH_* environment variables. Secrets (advisor API key, vault
master key) are environment-only.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, os.Args[2:])
	case "serve":
		err = cmdServe(ctx, os.Args[2:])
	case "jobs":
		err = cmdJobs(ctx, os.Args[2:])
	case "diagram":
		err = cmdDiagram(ctx, os.Args[2:])
	case "version":
		printVersion()
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
