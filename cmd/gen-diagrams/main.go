// gen-diagrams renders the shipped pipeline graphs for README
// documentation. Run: go run ./cmd/gen-diagrams
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/diagram"
	"github.com/quantgraph/quantgraph/internal/marketdata"
	"github.com/quantgraph/quantgraph/internal/pipeline"
	"github.com/quantgraph/quantgraph/internal/quality"
	"github.com/quantgraph/quantgraph/internal/reasoning"
)

func main() {
	checker, err := quality.NewChecker(quality.DefaultRules())
	if err != nil {
		fmt.Fprintf(os.Stderr, "quality rules: %v\n", err)
		os.Exit(1)
	}
	deps := pipeline.Deps{
		Datastore: datastore.New(),
		Advisor:   reasoning.NewScriptedAdvisor(),
		Provider:  marketdata.NewCSVProvider(os.TempDir()),
		Quality:   checker,
		Logger:    slog.New(slog.DiscardHandler),
	}

	outDir := filepath.Join("docs", "assets")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		os.Exit(1)
	}

	reg := pipeline.Default()
	for _, name := range reg.Names() {
		wf, err := reg.Build(name, deps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "build %s: %v\n", name, err)
			os.Exit(1)
		}

		opts := []diagram.Option{diagram.WithSuspendable("clarify")}
		if name == pipeline.MainWorkflow {
			opts = append(opts, diagram.WithSubworkflows(
				pipeline.SignalWorkflow, pipeline.BacktestWorkflow))
		}
		model := diagram.Build(wf, opts...)

		ascii := diagram.RenderASCII(model)
		writeFile(filepath.Join(outDir, name+"-ascii.txt"), []byte(ascii))
		fmt.Printf("=== %s (ASCII) ===\n%s\n", name, ascii)

		mermaid := diagram.RenderMermaid(model)
		writeFile(filepath.Join(outDir, name+"-mermaid.md"),
			[]byte("```mermaid\n"+mermaid+"\n```\n"))

		png, imgErr := diagram.RenderImage(model)
		if imgErr != nil {
			fmt.Fprintf(os.Stderr, "render %s image: %v\n", name, imgErr)
			continue
		}
		path := filepath.Join(outDir, name+".png")
		writeFile(path, png)
		fmt.Printf("written: %s (%d bytes)\n", path, len(png))
	}
}

func writeFile(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
		os.Exit(1)
	}
}
