package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("QUANTGRAPH_HOME", home)

	cfg := loadConfig()
	assert.Equal(t, filepath.Join(home, "quantgraph.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "stdio", cfg.MCPTransport)
	assert.Equal(t, "scripted", cfg.AdvisorMode)
	assert.True(t, cfg.SchedulerEnabled)
	assert.False(t, cfg.PanelEnabled)
	assert.Equal(t, 4, cfg.PoolSize)
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("QUANTGRAPH_HOME", home)

	data, err := json.Marshal(map[string]any{
		"log_level":     "debug",
		"panel_enabled": true,
		"pool_size":     8,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.json"), data, 0o644))

	cfg := loadConfig()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.PanelEnabled)
	assert.Equal(t, 8, cfg.PoolSize)
	// Untouched keys keep their defaults.
	assert.Equal(t, "scripted", cfg.AdvisorMode)
}

func TestLoadConfig_EnvOverridesSettings(t *testing.T) {
	home := t.TempDir()
	t.Setenv("QUANTGRAPH_HOME", home)

	data, err := json.Marshal(map[string]any{"log_level": "debug"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.json"), data, 0o644))

	t.Setenv("QUANTGRAPH_LOG_LEVEL", "error")
	t.Setenv("QUANTGRAPH_POOL_SIZE", "16")
	t.Setenv("QUANTGRAPH_SCHEDULER", "false")
	t.Setenv("QUANTGRAPH_MCP_TRANSPORT", "sse")

	cfg := loadConfig()
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, "sse", cfg.MCPTransport)
}

func TestLoadConfig_BadPoolSizeIgnored(t *testing.T) {
	home := t.TempDir()
	t.Setenv("QUANTGRAPH_HOME", home)
	t.Setenv("QUANTGRAPH_POOL_SIZE", "zero")

	cfg := loadConfig()
	assert.Equal(t, 4, cfg.PoolSize)
}
