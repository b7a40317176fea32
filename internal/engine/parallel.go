package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tasker-run/tasker/internal/crc"
	"github.com/tasker-run/tasker/internal/model"
	"github.com/tasker-run/tasker/internal/observability"
)

// runParallel executes a parallel task's subtasks concurrently through
// the CRC worker pool, applying the capped pool size, then the
// retry_failed pass, then the aggregate summary. Per-subtask failures
// never terminate the workflow here; the aggregate's success criterion
// decides in the driver loop.
func (e *Engine) runParallel(ctx context.Context, t *model.Task) (*model.TaskResult, error) {
	subtasks, err := e.resolveSubtasks(t, t.SubtaskIDs)
	if err != nil {
		return nil, err
	}

	maxParallel := t.MaxParallel
	if maxParallel <= 0 {
		maxParallel = len(subtasks)
	}
	size, capped := crc.PoolSize(maxParallel, e.cfg.CPUCount, e.coord)
	if capped {
		e.emit(ctx, observability.EventPoolCap, observability.LevelVerbose, map[string]any{
			"task_id": t.ID, "requested": maxParallel, "effective": size,
			"parallel_instances": e.coord.ParallelInstances,
		})
	}

	started := time.Now()
	results, err := e.runSubtaskBatch(ctx, size, subtasks)
	if err != nil {
		return nil, err
	}

	if err := e.retryFailed(ctx, t, size, subtasks, results); err != nil {
		return nil, err
	}

	res := e.aggregate(t, subtasks, results)
	res.DurationSeconds = time.Since(started).Seconds()
	if err := e.evalSuccess(t, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) resolveSubtasks(t *model.Task, ids []int) ([]*model.Task, error) {
	subtasks := make([]*model.Task, 0, len(ids))
	for _, id := range ids {
		st, ok := e.tasks.Get(id)
		if !ok {
			return nil, &InternalError{Context: fmt.Sprintf("task %d references undeclared subtask %d", t.ID, id)}
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, nil
}

// runSubtaskBatch fans the given subtasks out across a pool of size
// workers and returns their results keyed by subtask id. An Execute
// error is only ever a dependency failure or cancellation (ordinary
// failures come back as a result with Success=false), both of which
// abort the whole workflow.
func (e *Engine) runSubtaskBatch(ctx context.Context, size int, subtasks []*model.Task) (map[int]*model.TaskResult, error) {
	jobs := make([]crc.Job, len(subtasks))
	for i, st := range subtasks {
		st := st
		jobs[i] = crc.Job{
			Index:  i,
			TaskID: st.ID,
			Execute: func(jctx context.Context) (*model.TaskResult, error) {
				return e.runChild(jctx, st)
			},
		}
	}

	results, jobErrs, _ := crc.Run(ctx, size, jobs, e.observer, false)
	for _, je := range jobErrs {
		var dep *TaskDependencyError
		if errors.As(je.Err, &dep) {
			return nil, dep
		}
		var ce *CancellationError
		if errors.As(je.Err, &ce) {
			return nil, ce
		}
		var te *TimeoutError
		if errors.As(je.Err, &te) {
			return nil, te
		}
		return nil, &InternalError{Context: fmt.Sprintf("subtask %d", je.TaskID), Err: je.Err}
	}
	if err := ctx.Err(); err != nil {
		return nil, e.cancelCause(ctx)
	}

	byID := make(map[int]*model.TaskResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	return byID, nil
}

// retryFailed reschedules subtasks whose own success criterion failed,
// up to retry_count rounds with retry_delay between rounds. Timed-out
// subtasks are never retried: a timeout indicates a systemic condition,
// not a transient fault. The last attempt's result replaces the
// previous one in results.
func (e *Engine) retryFailed(ctx context.Context, t *model.Task, size int, subtasks []*model.Task, results map[int]*model.TaskResult) error {
	if !t.RetryFailed || t.RetryCount <= 0 {
		return nil
	}

	for attempt := 1; attempt <= t.RetryCount; attempt++ {
		var retry []*model.Task
		for _, st := range subtasks {
			r, ok := results[st.ID]
			if !ok || r.Success || r.ExitCode == model.ExitTimeout {
				continue
			}
			retry = append(retry, st)
		}
		if len(retry) == 0 {
			return nil
		}

		if err := e.sleep(ctx, t.RetryDelaySeconds); err != nil {
			return e.cancelCause(ctx)
		}
		e.emit(ctx, observability.EventTaskRetry, observability.LevelInfo, map[string]any{
			"task_id": t.ID, "attempt": attempt, "retrying": len(retry),
		})

		reran, err := e.runSubtaskBatch(ctx, size, retry)
		if err != nil {
			return err
		}
		for id, r := range reran {
			results[id] = r
		}
	}
	return nil
}

// aggregate publishes every subtask result for downstream reference and
// builds the parallel task's own TaskResult: exit 0 when every subtask
// succeeded so the default exit_0 criterion coincides with all_success.
func (e *Engine) aggregate(t *model.Task, subtasks []*model.Task, results map[int]*model.TaskResult) *model.TaskResult {
	agg := &model.AggregateResult{}
	for _, st := range subtasks {
		r, ok := results[st.ID]
		if !ok {
			continue
		}
		e.recordSubtask(r)
		agg.Subtasks = append(agg.Subtasks, r)
		agg.Total++
		if r.Success {
			agg.Succeeded++
		} else {
			agg.Failed++
		}
		if r.ExitCode == model.ExitTimeout {
			agg.TimedOut++
		}
	}

	exit := 0
	if agg.Failed > 0 {
		exit = 1
	}
	return &model.TaskResult{ID: t.ID, ExitCode: exit, Aggregate: agg}
}
