package engine

import (
	"os"

	"github.com/tasker-run/tasker/internal/model"
	"github.com/tasker-run/tasker/internal/recovery"
)

// Preload seeds the results map from a recovery snapshot's completed
// task records so a resumed run can reference @N_stdout@ and friends
// without re-executing the tasks that produced them. Call before Run;
// pair with Config.StartFrom set to the snapshot's NextTaskID.
func (e *Engine) Preload(records []recovery.TaskRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range records {
		res := e.recoveredResult(rec)
		e.results[rec.TaskID] = res
		if !containsInt(e.order, rec.TaskID) {
			e.order = append(e.order, rec.TaskID)
		}
	}
}

func (e *Engine) recoveredResult(rec recovery.TaskRecord) *model.TaskResult {
	res := &model.TaskResult{ID: rec.TaskID, ExitCode: rec.ExitCode, Success: rec.Success}
	if rec.StdoutPath != "" {
		res.Stdout = recoveredHandle{path: rec.StdoutPath}
	}
	if rec.StderrPath != "" {
		res.Stderr = recoveredHandle{path: rec.StderrPath}
	}
	return res
}

// recoveredHandle is an OutputHandle over a spill file that survived a
// crashed run. Recovery snapshots only record on-disk streams (in-memory
// buffers die with the crashed process), so the handle is always
// file-backed.
type recoveredHandle struct {
	path string
}

func (h recoveredHandle) ReadAll() ([]byte, bool) {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return nil, true
	}
	return data, false
}

func (h recoveredHandle) Path() (string, error) { return h.path, nil }

func (h recoveredHandle) SizeBytes() int64 {
	info, err := os.Stat(h.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func (h recoveredHandle) IsOnDisk() bool { return true }
