package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all quantgraph configuration.
// Priority: env vars > settings.json > defaults.
//
// Secrets (advisor API key, vault master key) are never read from
// settings.json; they come from the environment or the vault.
type Config struct {
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	LogFormat         string `json:"log_format"` // text | json
	WorkspaceDir      string `json:"workspace_dir"`
	DataDir           string `json:"data_dir"`
	PanelEnabled      bool   `json:"panel_enabled"`
	PanelAddr         string `json:"panel_addr"`
	MCPTransport      string `json:"mcp_transport"` // stdio | sse
	MCPAddr           string `json:"mcp_addr"`
	SchedulerEnabled  bool   `json:"scheduler_enabled"`
	AdvisorMode       string `json:"advisor_mode"` // scripted | http
	AdvisorBaseURL    string `json:"advisor_base_url"`
	AdvisorModel      string `json:"advisor_model"`
	AdvisorLightModel string `json:"advisor_light_model"`
	PoolSize          int    `json:"pool_size"`
	MaxRetries        int    `json:"max_retries"`
	QualityRulesPath  string `json:"quality_rules_path"`
}

func defaultConfig() Config {
	home := quantgraphDir()
	return Config{
		DBPath:            filepath.Join(home, "quantgraph.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		WorkspaceDir:      filepath.Join(home, "workspace"),
		DataDir:           filepath.Join(home, "data"),
		PanelAddr:         ":4200",
		MCPTransport:      "stdio",
		MCPAddr:           ":4201",
		SchedulerEnabled:  true,
		AdvisorMode:       "scripted",
		AdvisorModel:      "gpt-4o",
		AdvisorLightModel: "gpt-4o-mini",
		PoolSize:          4,
	}
}

// quantgraphDir is the home directory for settings, DB and workspace.
// QUANTGRAPH_HOME overrides it (also used by tests).
func quantgraphDir() string {
	if v := os.Getenv("QUANTGRAPH_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quantgraph"
	}
	return filepath.Join(home, ".quantgraph")
}

func settingsPath() string {
	return filepath.Join(quantgraphDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	applyEnvString("QUANTGRAPH_DB_PATH", &cfg.DBPath)
	applyEnvString("QUANTGRAPH_LOG_LEVEL", &cfg.LogLevel)
	applyEnvString("QUANTGRAPH_LOG_FORMAT", &cfg.LogFormat)
	applyEnvString("QUANTGRAPH_WORKSPACE_DIR", &cfg.WorkspaceDir)
	applyEnvString("QUANTGRAPH_DATA_DIR", &cfg.DataDir)
	applyEnvString("QUANTGRAPH_PANEL_ADDR", &cfg.PanelAddr)
	applyEnvString("QUANTGRAPH_MCP_TRANSPORT", &cfg.MCPTransport)
	applyEnvString("QUANTGRAPH_MCP_ADDR", &cfg.MCPAddr)
	applyEnvString("QUANTGRAPH_ADVISOR_MODE", &cfg.AdvisorMode)
	applyEnvString("QUANTGRAPH_ADVISOR_BASE_URL", &cfg.AdvisorBaseURL)
	applyEnvString("QUANTGRAPH_ADVISOR_MODEL", &cfg.AdvisorModel)
	applyEnvString("QUANTGRAPH_ADVISOR_LIGHT_MODEL", &cfg.AdvisorLightModel)
	applyEnvString("QUANTGRAPH_QUALITY_RULES", &cfg.QualityRulesPath)
	applyEnvBool("QUANTGRAPH_PANEL", &cfg.PanelEnabled)
	applyEnvBool("QUANTGRAPH_SCHEDULER", &cfg.SchedulerEnabled)
	if v := os.Getenv("QUANTGRAPH_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("QUANTGRAPH_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRetries = n
		}
	}

	return cfg
}

func applyEnvString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		*target = v == "true" || v == "1"
	}
}

// logNonDefaults reports every setting that differs from the defaults,
// so startup logs show the effective configuration at a glance.
func logNonDefaults(logger *slog.Logger, cfg Config) {
	def := defaultConfig()
	pairs := []struct {
		key      string
		val, dfl any
	}{
		{"db_path", cfg.DBPath, def.DBPath},
		{"log_level", cfg.LogLevel, def.LogLevel},
		{"log_format", cfg.LogFormat, def.LogFormat},
		{"workspace_dir", cfg.WorkspaceDir, def.WorkspaceDir},
		{"data_dir", cfg.DataDir, def.DataDir},
		{"panel_enabled", cfg.PanelEnabled, def.PanelEnabled},
		{"panel_addr", cfg.PanelAddr, def.PanelAddr},
		{"mcp_transport", cfg.MCPTransport, def.MCPTransport},
		{"mcp_addr", cfg.MCPAddr, def.MCPAddr},
		{"scheduler_enabled", cfg.SchedulerEnabled, def.SchedulerEnabled},
		{"advisor_mode", cfg.AdvisorMode, def.AdvisorMode},
		{"advisor_base_url", cfg.AdvisorBaseURL, def.AdvisorBaseURL},
		{"advisor_model", cfg.AdvisorModel, def.AdvisorModel},
		{"pool_size", cfg.PoolSize, def.PoolSize},
		{"max_retries", cfg.MaxRetries, def.MaxRetries},
		{"quality_rules_path", cfg.QualityRulesPath, def.QualityRulesPath},
	}
	for _, p := range pairs {
		if p.val != p.dfl {
			logger.Info("config override", "key", p.key, "value", p.val)
		}
	}
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
