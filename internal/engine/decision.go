package engine

import (
	"github.com/tasker-run/tasker/internal/model"
)

// runDecision executes a decision task: a pure routing node that spawns
// no child. Its predicate — the condition field when present, the
// success expression otherwise — is evaluated over already-recorded
// results and variables, and the verdict drives on_success/on_failure
// in the driver loop like any other task's success.
func (e *Engine) runDecision(t *model.Task) (*model.TaskResult, error) {
	predicate := t.Condition
	if predicate == "" {
		predicate = t.Success
	}
	if predicate == "" {
		return nil, &InternalError{Context: "decision task with neither condition nor success survived validation"}
	}

	verdict, err := e.evalPredicate(predicate, t.ID)
	if err != nil {
		return nil, err
	}

	exit := 0
	if !verdict {
		exit = 1
	}
	return &model.TaskResult{ID: t.ID, ExitCode: exit, Success: verdict}, nil
}
