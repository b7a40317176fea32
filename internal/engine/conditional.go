package engine

import (
	"context"
	"time"

	"github.com/tasker-run/tasker/internal/model"
	"github.com/tasker-run/tasker/internal/observability"
)

// runConditional evaluates the task's condition and dispatches either
// its if_true_tasks or if_false_tasks branch, sequentially, with the
// same retry semantics and aggregate summary as the parallel strategy.
func (e *Engine) runConditional(ctx context.Context, t *model.Task) (*model.TaskResult, error) {
	verdict, err := e.evalPredicate(t.Condition, t.ID)
	if err != nil {
		return nil, err
	}

	branch := t.IfTrueTasks
	if !verdict {
		branch = t.IfFalseTasks
	}
	e.emit(ctx, observability.EventParallelStart, observability.LevelInfo, map[string]any{
		"task_id": t.ID, "condition": t.Condition, "verdict": verdict, "branch_size": len(branch),
	})

	subtasks, err := e.resolveSubtasks(t, branch)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	results := make(map[int]*model.TaskResult, len(subtasks))
	for _, st := range subtasks {
		r, err := e.runChild(ctx, st)
		if err != nil {
			return nil, err
		}
		results[st.ID] = r
	}

	if err := e.retryFailed(ctx, t, 1, subtasks, results); err != nil {
		return nil, err
	}

	res := e.aggregate(t, subtasks, results)
	res.DurationSeconds = time.Since(started).Seconds()
	if err := e.evalSuccess(t, res); err != nil {
		return nil, err
	}
	return res, nil
}
