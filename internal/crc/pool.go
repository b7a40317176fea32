package crc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tasker-run/tasker/internal/model"
	"github.com/tasker-run/tasker/internal/observability"
)

// Job is one unit of work submitted to a Pool: a subtask's id plus the
// closure that actually spawns and waits on its child process. Execute
// must itself be cancellation-aware (it is handed the pool's worker
// context).
type Job struct {
	Index  int // position in the caller's subtask list, for order preservation
	TaskID int
	Execute func(ctx context.Context) (*model.TaskResult, error)
}

// JobError pairs a failed Job's identity with the error Execute returned.
type JobError struct {
	Index  int
	TaskID int
	Err    error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("crc: subtask %d failed: %v", e.TaskID, e.Err)
}

// PoolError aggregates every JobError from one Run call, returned when
// FailFast stopped the pool early or every job failed.
type PoolError struct {
	Errors []JobError
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("crc: %d subtask(s) failed", len(e.Errors))
}

type indexedResult struct {
	index  int
	taskID int
	result *model.TaskResult
	err    error
}

// Run executes jobs across a pool of size workers, returning results in
// the same order as jobs regardless of completion order. size is
// normally the output of PoolSize.
//
// FailFast controls behavior on the first job error: true cancels every
// in-flight worker and returns as soon as all workers observe
// cancellation; false lets every job run to completion and only returns
// an error if every job failed. This mirrors the Parallel strategy's
// retry_failed semantics living one layer up — Run itself just reports
// what happened.
func Run(ctx context.Context, size int, jobs []Job, observer observability.Observer, failFast bool) ([]*model.TaskResult, []JobError, error) {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}

	observer.OnEvent(ctx, observability.Event{
		Type:      observability.EventParallelStart,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "crc.Run",
		Data: map[string]any{
			"job_count":    len(jobs),
			"worker_count": size,
			"fail_fast":    failFast,
		},
	})

	if len(jobs) == 0 {
		observer.OnEvent(ctx, observability.Event{
			Type:      observability.EventParallelComplete,
			Level:     observability.LevelInfo,
			Timestamp: time.Now(),
			Source:    "crc.Run",
			Data:      map[string]any{"jobs_completed": 0, "jobs_failed": 0},
		})
		return nil, nil, nil
	}
	if size < 1 {
		size = 1
	}

	workQueue := make(chan Job, len(jobs))
	resultCh := make(chan indexedResult, len(jobs))

	runCtx := ctx
	var cancel context.CancelFunc = func() {}
	if failFast {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var wg sync.WaitGroup
	var completed atomic.Int32
	for w := 0; w < size; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			worker(runCtx, workerID, workQueue, resultCh, observer, len(jobs), &completed, failFast, cancel)
		}(w)
	}

	for _, j := range jobs {
		workQueue <- j
	}
	close(workQueue)

	wg.Wait()
	close(resultCh)

	resultsByIndex := make(map[int]*model.TaskResult, len(jobs))
	var errs []JobError
	for r := range resultCh {
		if r.err != nil {
			errs = append(errs, JobError{Index: r.index, TaskID: r.taskID, Err: r.err})
			continue
		}
		resultsByIndex[r.index] = r.result
	}

	results := make([]*model.TaskResult, 0, len(resultsByIndex))
	for i := range jobs {
		if res, ok := resultsByIndex[i]; ok {
			results = append(results, res)
		}
	}

	observer.OnEvent(ctx, observability.Event{
		Type:      observability.EventParallelComplete,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "crc.Run",
		Data: map[string]any{
			"jobs_completed": len(results),
			"jobs_failed":    len(errs),
		},
	})

	if len(errs) > 0 && (failFast || len(results) == 0) {
		return results, errs, &PoolError{Errors: errs}
	}
	return results, errs, nil
}

func worker(
	ctx context.Context,
	workerID int,
	workQueue <-chan Job,
	resultCh chan<- indexedResult,
	observer observability.Observer,
	total int,
	completed *atomic.Int32,
	failFast bool,
	cancel context.CancelFunc,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-workQueue:
			if !ok {
				return
			}

			observer.OnEvent(ctx, observability.Event{
				Type:      observability.EventSubtaskStart,
				Level:     observability.LevelVerbose,
				Timestamp: time.Now(),
				Source:    "crc.worker",
				Data:      map[string]any{"worker_id": workerID, "task_id": job.TaskID},
			})

			result, err := job.Execute(ctx)
			completed.Add(1)

			observer.OnEvent(ctx, observability.Event{
				Type:      observability.EventSubtaskComplete,
				Level:     observability.LevelVerbose,
				Timestamp: time.Now(),
				Source:    "crc.worker",
				Data: map[string]any{
					"worker_id": workerID,
					"task_id":   job.TaskID,
					"error":     err != nil,
				},
			})

			if err != nil {
				resultCh <- indexedResult{index: job.Index, taskID: job.TaskID, err: err}
				if failFast {
					cancel()
					return
				}
				continue
			}
			resultCh <- indexedResult{index: job.Index, taskID: job.TaskID, result: result}
		}
	}
}
