package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/quantgraph/quantgraph/internal/panel"
	"github.com/quantgraph/quantgraph/internal/scheduler"
	"github.com/quantgraph/quantgraph/pkg/mcp"
)

// cmdServe runs the long-lived server: the MCP transport, the panel
// JSON API and the job scheduler, per configuration. Blocks until
// SIGINT/SIGTERM, then shuts everything down.
func cmdServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	errCh := make(chan error, 3)

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(a.store, a.runner,
			a.provider, a.data, a.hub, a.logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			a.logger.Warn("recovering missed jobs", "error", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
		a.logger.Info("scheduler started")
	}

	var panelSrv *http.Server
	if cfg.PanelEnabled {
		pd := panel.Deps{
			Runner: a.runner,
			Store:  a.store,
			Data:   a.data,
			Hub:    a.hub,
			Logger: a.logger,
		}
		if sched != nil {
			pd.Scheduler = sched
		}
		p := panel.NewServer(pd)
		panelSrv = &http.Server{
			Addr:              cfg.PanelAddr,
			Handler:           p.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("panel listening", "addr", cfg.PanelAddr)
			if err := panelSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("panel server: %w", err)
			}
		}()
	}

	mcpSrv := mcp.NewServer(mcp.Deps{
		Runner:   a.runner,
		Store:    a.store,
		Data:     a.data,
		Provider: a.provider,
		Hub:      a.hub,
		Logger:   a.logger,
	})
	if err := mcpSrv.BridgeHub(ctx); err != nil {
		return fmt.Errorf("bridge hub: %w", err)
	}

	switch cfg.MCPTransport {
	case "sse":
		go func() {
			errCh <- mcpSrv.ServeSSE(ctx, cfg.MCPAddr, "http://localhost"+cfg.MCPAddr)
		}()
	case "", "stdio":
		go func() {
			a.logger.Info("MCP stdio transport ready")
			errCh <- mcpSrv.Serve(ctx)
		}()
	default:
		return fmt.Errorf("unknown mcp_transport %q (want stdio or sse)", cfg.MCPTransport)
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if panelSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := panelSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("panel shutdown", "error", err)
		}
	}
	return nil
}
