package logsink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tasker-run/tasker/internal/observability"
)

func TestFileObserverAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	obs, err := NewFileObserver(path)
	if err != nil {
		t.Fatalf("NewFileObserver: %v", err)
	}

	obs.OnEvent(nil, observability.Event{
		Type: observability.EventTaskStart, Level: observability.LevelInfo,
		Timestamp: time.Unix(0, 0).UTC(), Source: "engine", Data: map[string]any{"task_id": 0},
	})
	obs.OnEvent(nil, observability.Event{
		Type: observability.EventTaskComplete, Level: observability.LevelInfo,
		Timestamp: time.Unix(1, 0).UTC(), Source: "engine", Data: map[string]any{"task_id": 0},
	})
	if err := obs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), string(data))
	}
	if !strings.Contains(lines[0], "task.start") {
		t.Errorf("first line missing event type: %q", lines[0])
	}
}

func TestFileObserverAppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	obs1, err := NewFileObserver(path)
	if err != nil {
		t.Fatalf("NewFileObserver: %v", err)
	}
	obs1.OnEvent(nil, observability.Event{Type: observability.EventTaskStart, Timestamp: time.Now(), Source: "a"})
	obs1.Close()

	obs2, err := NewFileObserver(path)
	if err != nil {
		t.Fatalf("NewFileObserver (reopen): %v", err)
	}
	obs2.OnEvent(nil, observability.Event{Type: observability.EventTaskComplete, Timestamp: time.Now(), Source: "b"})
	obs2.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 across two opens", len(lines))
	}
}

func TestProjectSummaryObserverAppendsRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.tsv")
	obs := NewProjectSummaryObserver(path)

	if err := obs.AppendSummary(ProjectSummaryRow{
		RunID: "r1", TaskFile: "job.tasks", StartedAt: "2026-01-01T00:00:00Z",
		DurationSeconds: 1.5, TotalTasks: 3, Succeeded: 2, Failed: 1, OverallSuccess: false,
	}); err != nil {
		t.Fatalf("AppendSummary: %v", err)
	}
	if err := obs.AppendSummary(ProjectSummaryRow{RunID: "r2", TaskFile: "job.tasks", OverallSuccess: true}); err != nil {
		t.Fatalf("AppendSummary: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	fields := strings.Split(lines[0], "\t")
	if len(fields) != 8 {
		t.Fatalf("got %d TAB-separated fields, want 8: %q", len(fields), lines[0])
	}
	if fields[0] != "r1" || fields[1] != "job.tasks" {
		t.Errorf("got fields %v", fields)
	}
}
