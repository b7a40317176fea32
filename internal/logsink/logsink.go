// Package logsink provides the two file-backed observability.Observer
// implementations: a per-run log file, and an
// append-only TAB-separated project summary line written once per run.
// Both follow SlogObserver's one-method-struct shape so they plug into
// the same MultiObserver fan-out as the slog sink.
package logsink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tasker-run/tasker/internal/observability"
)

// FileObserver appends one line per event to a log file, in the
// "timestamp level source type data" shape a human can tail.
type FileObserver struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewFileObserver opens (creating if necessary, appending if it exists)
// the log file at path.
func NewFileObserver(path string) (*FileObserver, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %s: %w", path, err)
	}
	return &FileObserver{file: f, writer: bufio.NewWriter(f)}, nil
}

// OnEvent appends one rendered line per event. Observer implementations
// must not let errors affect execution flow, so a write failure is
// silently dropped rather than returned.
func (o *FileObserver) OnEvent(_ context.Context, event observability.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fmt.Fprintf(o.writer, "%s\t%s\t%s\t%s\t%v\n",
		event.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		event.Level, event.Source, event.Type, event.Data)
	o.writer.Flush()
}

// Close flushes and closes the underlying file.
func (o *FileObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writer.Flush()
	return o.file.Close()
}

// ProjectSummaryRow is one TAB-separated line appended to the project
// summary file on workflow completion: run id, task file, start time,
// duration, total/succeeded/failed counts, and overall outcome, in that
// fixed column order so a shell pipeline
// (cut/awk) can consume the file without a JSON parser.
type ProjectSummaryRow struct {
	RunID           string
	TaskFile        string
	StartedAt       string
	DurationSeconds float64
	TotalTasks      int
	Succeeded       int
	Failed          int
	OverallSuccess  bool
}

// ProjectSummaryObserver does not itself observe per-task events (the
// summary line needs whole-run totals, not a single event) — it exposes
// AppendSummary, called once by cmd/tasker after a run finishes, and
// still satisfies observability.Observer with a no-op OnEvent so it can
// sit in the same MultiObserver alongside FileObserver and the slog sink
// without special-casing it in the fan-out.
type ProjectSummaryObserver struct {
	mu   sync.Mutex
	path string
}

// NewProjectSummaryObserver targets path. It does not create the parent
// directory; AppendSummary fails if that directory is missing.
func NewProjectSummaryObserver(path string) *ProjectSummaryObserver {
	return &ProjectSummaryObserver{path: path}
}

// OnEvent is a no-op; see the type's doc comment.
func (o *ProjectSummaryObserver) OnEvent(context.Context, observability.Event) {}

// AppendSummary appends one TAB-separated row to the project summary
// file.
func (o *ProjectSummaryObserver) AppendSummary(row ProjectSummaryRow) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logsink: open %s: %w", o.path, err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s\t%s\t%s\t%.3f\t%d\t%d\t%d\t%t\n",
		row.RunID, row.TaskFile, row.StartedAt, row.DurationSeconds,
		row.TotalTasks, row.Succeeded, row.Failed, row.OverallSuccess)
	if err != nil {
		return fmt.Errorf("logsink: append to %s: %w", o.path, err)
	}
	return nil
}
