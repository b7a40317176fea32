package jsonoutput

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/tasker-run/tasker/internal/model"
)

type fakeHandle struct {
	data     []byte
	onDisk   bool
	path     string
	truncated bool
}

func (f *fakeHandle) ReadAll() ([]byte, bool) { return f.data, f.truncated }
func (f *fakeHandle) Path() (string, error)   { return f.path, nil }
func (f *fakeHandle) SizeBytes() int64        { return int64(len(f.data)) }
func (f *fakeHandle) IsOnDisk() bool          { return f.onDisk }

func TestBuildSummaryCounts(t *testing.T) {
	results := []*model.TaskResult{
		{ID: 0, ExitCode: 0, Success: true, Stdout: &fakeHandle{data: []byte("ok")}},
		{ID: 1, ExitCode: 1, Success: false, Stderr: &fakeHandle{data: []byte("boom")}},
		{ID: 3, ExitCode: model.ExitTimeout, Success: false},
	}
	doc := Build(WorkflowMetadata{RunID: "r1"}, map[int]bool{2: true}, results, []int{0, 1, 2, 3}, model.GlobalVariables{"SECRET_TOKEN": "abc", "REGION": "us-east-1"})

	if doc.ExecutionSummary.TotalTasks != 4 {
		t.Errorf("got total %d, want 4", doc.ExecutionSummary.TotalTasks)
	}
	if doc.ExecutionSummary.Succeeded != 1 || doc.ExecutionSummary.Failed != 2 || doc.ExecutionSummary.Skipped != 1 || doc.ExecutionSummary.TimedOut != 1 {
		t.Errorf("got summary %+v", doc.ExecutionSummary)
	}
	if doc.ExecutionSummary.OverallSuccess {
		t.Error("overall success should be false when any task failed")
	}
	if doc.Variables["SECRET_TOKEN"] != "***" {
		t.Errorf("secret global should be masked, got %q", doc.Variables["SECRET_TOKEN"])
	}
	if doc.Variables["REGION"] != "us-east-1" {
		t.Errorf("non-secret global should not be masked, got %q", doc.Variables["REGION"])
	}

	var skippedEntry *TaskResultJSON
	for i := range doc.TaskResults {
		if doc.TaskResults[i].TaskID == 2 {
			skippedEntry = &doc.TaskResults[i]
		}
	}
	if skippedEntry == nil || !skippedEntry.Skipped {
		t.Errorf("expected task 2 rendered as skipped, got %+v", doc.TaskResults)
	}
}

func TestBuildRendersOnDiskStreamAsPath(t *testing.T) {
	results := []*model.TaskResult{
		{ID: 0, ExitCode: 0, Success: true, Stdout: &fakeHandle{onDisk: true, path: "/tmp/out.log"}},
	}
	doc := Build(WorkflowMetadata{}, nil, results, []int{0}, nil)
	if doc.TaskResults[0].StdoutPath != "/tmp/out.log" {
		t.Errorf("got stdout_path %q", doc.TaskResults[0].StdoutPath)
	}
	if doc.TaskResults[0].Stdout != "" {
		t.Errorf("on-disk stream should not also be inlined, got %q", doc.TaskResults[0].Stdout)
	}
}

func TestWriteProducesValidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.json")
	doc := Build(WorkflowMetadata{RunID: "r1"}, nil, nil, nil, model.GlobalVariables{"A": "b"})

	if err := Write(path, doc); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	for _, key := range []string{"workflow_metadata", "execution_summary", "task_results", "variables"} {
		if _, ok := parsed[key]; !ok {
			t.Errorf("missing top-level key %q", key)
		}
	}
}
