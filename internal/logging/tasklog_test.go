package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenTaskLog_CreatesTaskOne(t *testing.T) {
	ws := t.TempDir()
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	tl, err := OpenTaskLog(ws, now)
	require.NoError(t, err)
	defer tl.Close()

	assert.Equal(t, filepath.Join(ws, "2024-03-15", "task-1"), tl.Dir())
}

func TestOpenTaskLog_ReusesEmptyHighestTask(t *testing.T) {
	ws := t.TempDir()
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	first, err := OpenTaskLog(ws, now)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// task-1 exists but its logs are empty, so it is reused.
	second, err := OpenTaskLog(ws, now)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, first.Dir(), second.Dir())
}

func TestOpenTaskLog_AdvancesPastUsedTask(t *testing.T) {
	ws := t.TempDir()
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	first, err := OpenTaskLog(ws, now)
	require.NoError(t, err)
	require.NoError(t, first.Append(TaskEntry{Event: "run_started"}))
	require.NoError(t, first.Close())

	second, err := OpenTaskLog(ws, now)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, filepath.Join(ws, "2024-03-15", "task-2"), second.Dir())
}

func TestTaskLog_Append_WritesBothFormats(t *testing.T) {
	ws := t.TempDir()
	tl, err := OpenTaskLog(ws, time.Now())
	require.NoError(t, err)

	require.NoError(t, tl.Append(TaskEntry{
		RunID:  "run-1",
		Step:   "data_fetch",
		Event:  "step_completed",
		Detail: "2 datasets",
	}))
	require.NoError(t, tl.Close())

	jsonl, err := os.ReadFile(filepath.Join(tl.Dir(), "execution_log.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(jsonl), `"event":"step_completed"`)
	assert.Contains(t, string(jsonl), `"run_id":"run-1"`)

	txt, err := os.ReadFile(filepath.Join(tl.Dir(), "execution_log.txt"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(txt), "step=data_fetch"))
}
