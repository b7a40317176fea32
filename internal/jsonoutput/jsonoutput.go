// Package jsonoutput renders a finished workflow run to the
// {workflow_metadata, execution_summary, task_results, variables}
// document emitted for `--output-json`, masking sensitive
// global variables the same way the variable engine does in logs.
package jsonoutput

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/tasker-run/tasker/internal/model"
)

// WorkflowMetadata identifies one run.
type WorkflowMetadata struct {
	RunID          string  `json:"run_id"`
	TaskFile       string  `json:"task_file"`
	StartedAt      string  `json:"started_at"`
	FinishedAt     string  `json:"finished_at"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ExecutionSummary tallies task outcomes across the whole run.
type ExecutionSummary struct {
	TotalTasks int  `json:"total_tasks"`
	Succeeded  int  `json:"succeeded"`
	Failed     int  `json:"failed"`
	Skipped    int  `json:"skipped"`
	TimedOut   int  `json:"timed_out"`
	OverallSuccess bool `json:"overall_success"`
}

// TaskResultJSON is one task's rendered outcome. Stdout/Stderr are
// rendered as a file path when the Streaming Output Handler spilled to
// disk, or inline (capped) content otherwise, so the JSON document never
// grows unbounded from a single chatty task.
type TaskResultJSON struct {
	TaskID          int     `json:"task_id"`
	ExitCode        int     `json:"exit_code"`
	Success         bool    `json:"success"`
	Skipped         bool    `json:"skipped"`
	DurationSeconds float64 `json:"duration_seconds"`
	Stdout          string  `json:"stdout,omitempty"`
	StdoutPath      string  `json:"stdout_path,omitempty"`
	Stderr          string  `json:"stderr,omitempty"`
	StderrPath      string  `json:"stderr_path,omitempty"`
	Truncated       bool    `json:"truncated,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Document is the full --output-json payload.
type Document struct {
	WorkflowMetadata WorkflowMetadata  `json:"workflow_metadata"`
	ExecutionSummary ExecutionSummary  `json:"execution_summary"`
	TaskResults      []TaskResultJSON  `json:"task_results"`
	Variables        map[string]string `json:"variables"`
}

// inlineCap bounds how much of an in-memory stream is embedded directly;
// anything captured beyond it is still available via Path on request.
// At 64 KiB it is smaller than VE's 100 KiB InlineCapBytes; both exist
// for the same reason (keep the output a bounded size regardless of how
// chatty a task was).
const inlineCap = 64 * 1024

// Build assembles a Document from a run's results, in the task-id order
// given by order (the engine's execution order), and its global variable
// table, masking any global VE's masking rule flags.
func Build(meta WorkflowMetadata, skipped map[int]bool, results []*model.TaskResult, order []int, globals model.GlobalVariables) Document {
	byID := make(map[int]*model.TaskResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	summary := ExecutionSummary{}
	taskResults := make([]TaskResultJSON, 0, len(order))

	for _, id := range order {
		summary.TotalTasks++
		if skipped[id] {
			summary.Skipped++
			taskResults = append(taskResults, TaskResultJSON{TaskID: id, Skipped: true})
			continue
		}
		r, ok := byID[id]
		if !ok {
			continue
		}
		tr := TaskResultJSON{
			TaskID:   id,
			ExitCode: r.ExitCode,
			Success:  r.Success,
		}
		if r.Err != nil {
			tr.Error = r.Err.Error()
		}
		if r.ExitCode == model.ExitTimeout {
			summary.TimedOut++
		}
		if r.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		tr.Stdout, tr.StdoutPath, tr.Truncated = renderStream(r.Stdout, tr.Truncated)
		var stderrTruncated bool
		tr.Stderr, tr.StderrPath, stderrTruncated = renderStream(r.Stderr, false)
		tr.Truncated = tr.Truncated || stderrTruncated

		taskResults = append(taskResults, tr)
	}
	summary.OverallSuccess = summary.Failed == 0 && summary.TimedOut == 0

	variables := make(map[string]string, len(globals))
	for name, value := range globals {
		if model.IsMasked(name) {
			variables[name] = "***"
		} else {
			variables[name] = value
		}
	}

	return Document{
		WorkflowMetadata: meta,
		ExecutionSummary: summary,
		TaskResults:      taskResults,
		Variables:        variables,
	}
}

func renderStream(h model.OutputHandle, prevTruncated bool) (inline, path string, truncated bool) {
	if h == nil {
		return "", "", prevTruncated
	}
	if h.IsOnDisk() {
		p, err := h.Path()
		if err == nil {
			return "", p, prevTruncated
		}
	}
	data, wasTruncated := h.ReadAll()
	if int64(len(data)) > inlineCap {
		data = data[:inlineCap]
		wasTruncated = true
	}
	return string(data), "", prevTruncated || wasTruncated
}

// Write marshals doc as indented JSON and writes it to path.
func Write(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonoutput: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("jsonoutput: write %s: %w", path, err)
	}
	return nil
}

// SortedGlobalNames returns globals' keys sorted, for callers that need
// deterministic iteration order.
func SortedGlobalNames(globals model.GlobalVariables) []string {
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
