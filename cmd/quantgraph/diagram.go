package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/quantgraph/quantgraph/internal/diagram"
	"github.com/quantgraph/quantgraph/internal/pipeline"
)

// cmdDiagram renders a pipeline graph as ASCII, mermaid or PNG.
func cmdDiagram(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diagram", flag.ExitOnError)
	format := fs.String("format", "ascii", "output format: ascii, mermaid or png")
	out := fs.String("out", "", "output file (default stdout; required for png)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("diagram requires exactly one pipeline name")
	}
	name := fs.Arg(0)

	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.close()

	wf, ok := a.runner.Resolve(name)
	if !ok {
		return fmt.Errorf("unknown pipeline %q (have: %v)", name, a.runner.Pipelines())
	}

	opts := []diagram.Option{diagram.WithSuspendable("clarify")}
	if name == pipeline.MainWorkflow {
		opts = append(opts, diagram.WithSubworkflows(
			pipeline.SignalWorkflow, pipeline.BacktestWorkflow))
	}
	model := diagram.Build(wf, opts...)

	var rendered []byte
	switch *format {
	case "ascii":
		rendered = []byte(diagram.RenderASCII(model))
	case "mermaid":
		rendered = []byte(diagram.RenderMermaid(model))
	case "png":
		if *out == "" {
			return fmt.Errorf("png output requires -out FILE")
		}
		rendered, err = diagram.RenderImage(model)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q (want ascii, mermaid or png)", *format)
	}

	if *out == "" {
		fmt.Print(string(rendered))
		return nil
	}
	if err := os.WriteFile(*out, rendered, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *out)
	return nil
}
