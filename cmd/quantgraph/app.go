package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/logging"
	"github.com/quantgraph/quantgraph/internal/marketdata"
	"github.com/quantgraph/quantgraph/internal/pipeline"
	"github.com/quantgraph/quantgraph/internal/quality"
	"github.com/quantgraph/quantgraph/internal/reasoning"
	"github.com/quantgraph/quantgraph/internal/runner"
	"github.com/quantgraph/quantgraph/internal/secrets"
	"github.com/quantgraph/quantgraph/internal/store"
	"github.com/quantgraph/quantgraph/internal/streaming"
)

// app bundles the wired collaborators every subcommand needs.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    store.Store
	data     *datastore.Store
	hub      *streaming.MemoryHub
	runner   *runner.Service
	provider marketdata.Provider
	vault    secrets.Vault
}

// newApp opens the database, derives the vault, selects the advisor and
// builds the runner. Call close when done.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := slog.New(logging.NewCorrelationHandler(newLogger(cfg).Handler()))
	logNonDefaults(logger, cfg)

	for _, dir := range []string{filepath.Dir(cfg.DBPath), cfg.WorkspaceDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	vault, err := openVault(st)
	if err != nil {
		st.Close()
		return nil, err
	}

	advisor, err := buildAdvisor(ctx, cfg, vault)
	if err != nil {
		st.Close()
		return nil, err
	}

	checker, err := buildChecker(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	data := datastore.New()
	hub := streaming.NewMemoryHub()
	provider := marketdata.NewCSVProvider(cfg.DataDir)
	deps := pipeline.Deps{
		Datastore: data,
		Advisor:   advisor,
		Provider:  provider,
		Quality:   checker,
		Workspace: cfg.WorkspaceDir,
		Logger:    logger,
	}
	svc, err := runner.NewService(pipeline.Default(), deps, st, hub,
		runner.WithWorkers(cfg.PoolSize))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build runner: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		data:     data,
		hub:      hub,
		runner:   svc,
		provider: provider,
		vault:    vault,
	}, nil
}

func (a *app) close() {
	a.runner.Close()
	a.hub.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

// openVault derives the AES vault when QUANTGRAPH_VAULT_KEY (hex, 32
// bytes) is present. Without a key there is no vault and secrets come
// from the environment only.
func openVault(st store.Store) (secrets.Vault, error) {
	keyHex := os.Getenv("QUANTGRAPH_VAULT_KEY")
	if keyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("QUANTGRAPH_VAULT_KEY is not valid hex: %w", err)
	}
	return secrets.NewAESVault(st, secrets.VaultConfig{MasterKey: key})
}

// buildAdvisor picks the advisor per config. The HTTP advisor's API key
// is read from QUANTGRAPH_ADVISOR_API_KEY, falling back to the vault
// entry "advisor_api_key".
func buildAdvisor(ctx context.Context, cfg Config, vault secrets.Vault) (reasoning.Advisor, error) {
	switch cfg.AdvisorMode {
	case "", "scripted":
		return reasoning.NewScriptedAdvisor(), nil
	case "http":
		apiKey := os.Getenv("QUANTGRAPH_ADVISOR_API_KEY")
		if apiKey == "" && vault != nil {
			if v, err := vault.Resolve(ctx, secrets.KeyAdvisorAPI); err == nil {
				apiKey = string(v)
			}
		}
		if apiKey == "" {
			return nil, fmt.Errorf("advisor_mode http requires QUANTGRAPH_ADVISOR_API_KEY or a vault entry advisor_api_key")
		}
		return reasoning.NewHTTPAdvisor(reasoning.HTTPConfig{
			BaseURL:    cfg.AdvisorBaseURL,
			APIKey:     apiKey,
			Model:      cfg.AdvisorModel,
			LightModel: cfg.AdvisorLightModel,
		})
	default:
		return nil, fmt.Errorf("unknown advisor_mode %q (want scripted or http)", cfg.AdvisorMode)
	}
}

func buildChecker(cfg Config) (*quality.Checker, error) {
	rules := quality.DefaultRules()
	if cfg.QualityRulesPath != "" {
		loaded, err := quality.LoadRulesFile(cfg.QualityRulesPath)
		if err != nil {
			return nil, fmt.Errorf("load quality rules: %w", err)
		}
		rules = loaded
	}
	return quality.NewChecker(rules)
}
