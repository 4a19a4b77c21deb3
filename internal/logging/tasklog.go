package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TaskEntry is one line of a run's task log.
type TaskEntry struct {
	Time    time.Time      `json:"time"`
	RunID   string         `json:"run_id,omitempty"`
	Step    string         `json:"step,omitempty"`
	Event   string         `json:"event"`
	Detail  string         `json:"detail,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// TaskLog writes per-run execution traces under
// <workspace>/<yyyy-mm-dd>/task-N: a structured execution_log.jsonl and
// a human-readable execution_log.txt. The highest-numbered task
// directory is reused while its logs are still empty; otherwise the
// next number is taken.
type TaskLog struct {
	dir string

	mu    sync.Mutex
	jsonl *os.File
	txt   *os.File
}

// OpenTaskLog creates (or reuses) today's next task directory and opens
// both log files for appending.
func OpenTaskLog(workspace string, now time.Time) (*TaskLog, error) {
	day := filepath.Join(workspace, now.Format("2006-01-02"))
	if err := os.MkdirAll(day, 0o755); err != nil {
		return nil, fmt.Errorf("create task day dir: %w", err)
	}
	dir, err := pickTaskDir(day)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	jsonl, err := os.OpenFile(filepath.Join(dir, "execution_log.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl log: %w", err)
	}
	txt, err := os.OpenFile(filepath.Join(dir, "execution_log.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		jsonl.Close()
		return nil, fmt.Errorf("open txt log: %w", err)
	}
	return &TaskLog{dir: dir, jsonl: jsonl, txt: txt}, nil
}

// pickTaskDir returns the highest empty task-N dir, or task-(max+1).
func pickTaskDir(day string) (string, error) {
	entries, err := os.ReadDir(day)
	if err != nil {
		return "", fmt.Errorf("read task day dir: %w", err)
	}
	max := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "task-") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "task-")); err == nil && n > max {
			max = n
		}
	}
	if max > 0 {
		candidate := filepath.Join(day, fmt.Sprintf("task-%d", max))
		if isEmptyTaskDir(candidate) {
			return candidate, nil
		}
	}
	return filepath.Join(day, fmt.Sprintf("task-%d", max+1)), nil
}

func isEmptyTaskDir(dir string) bool {
	for _, name := range []string{"execution_log.jsonl", "execution_log.txt"} {
		if fi, err := os.Stat(filepath.Join(dir, name)); err == nil && fi.Size() > 0 {
			return false
		}
	}
	return true
}

// Dir returns the task directory; callers place run artifacts (reports,
// plots) alongside the logs.
func (t *TaskLog) Dir() string { return t.dir }

// Append writes the entry to both log files.
func (t *TaskLog) Append(entry TaskEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal task entry: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.jsonl.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append jsonl: %w", err)
	}
	human := fmt.Sprintf("[%s] %-14s", entry.Time.Format(time.RFC3339), entry.Event)
	if entry.Step != "" {
		human += " step=" + entry.Step
	}
	if entry.Detail != "" {
		human += " " + entry.Detail
	}
	if _, err := t.txt.WriteString(human + "\n"); err != nil {
		return fmt.Errorf("append txt: %w", err)
	}
	return nil
}

// Close flushes and closes both files. Safe to call twice.
func (t *TaskLog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for _, f := range []*os.File{t.jsonl, t.txt} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	t.jsonl, t.txt = nil, nil
	return first
}
