package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(Deps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "quantgraph.run", "Launch a pipeline run from a natural-language query"},
		{"resume", "quantgraph.resume", "Answer a clarification prompt and resume a suspended run"},
		{"cancel", "quantgraph.cancel", "Cancel a pending, running or suspended run"},
		{"status", "quantgraph.status", "Get run status, pending prompt and recent events"},
		{"query", "quantgraph.query", "Query runs, events, prompts, or registered pipelines"},
	}

	s := NewServer(Deps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestSSEServer(t *testing.T) {
	s := NewServer(Deps{})
	assert.NotNil(t, s.SSEServer())
}
