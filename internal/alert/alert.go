// Package alert implements the terminal-failure alert hook: on a
// workflow's unrecoverable failure, spawn a configured script with context about the run and let it fire off whatever
// notification the operator wants, without the workflow waiting on it
// longer than a fixed timeout or caring about its exit code.
package alert

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Timeout bounds how long the alert hook is allowed to run before TASKER
// gives up on it and moves on; the hook's own exit code is never
// consulted; the hook cannot change the workflow's outcome.
const Timeout = 30 * time.Second

// Context carries the seven TASKER_* environment variables the alert
// hook receives describing the failed run.
type Context struct {
	RunID        string
	TaskFile     string
	FailedTaskID int
	ExitCode     int
	ErrorMessage string
	LogPath      string
	Project      string
}

func (c Context) environ() []string {
	return []string{
		fmt.Sprintf("TASKER_RUN_ID=%s", c.RunID),
		fmt.Sprintf("TASKER_TASK_FILE=%s", c.TaskFile),
		fmt.Sprintf("TASKER_FAILED_TASK_ID=%d", c.FailedTaskID),
		fmt.Sprintf("TASKER_EXIT_CODE=%d", c.ExitCode),
		fmt.Sprintf("TASKER_ERROR_MESSAGE=%s", c.ErrorMessage),
		fmt.Sprintf("TASKER_LOG_PATH=%s", c.LogPath),
		fmt.Sprintf("TASKER_PROJECT=%s", c.Project),
	}
}

// Fire runs the configured alert script with the seven TASKER_*
// variables appended to the current environment, killing it if it
// outlives Timeout. An error is returned when the hook could not be
// spawned at all (missing script, permission denied) or when it was
// killed for exceeding Timeout; a nonzero hook exit is not itself an
// error.
func Fire(ctx context.Context, scriptPath string, alertCtx Context) error {
	runCtx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, scriptPath)
	cmd.Env = append(cmd.Environ(), alertCtx.environ()...)

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("alert: hook %s exceeded %s timeout", scriptPath, Timeout)
		}
		if _, isExitErr := err.(*exec.ExitError); isExitErr {
			return nil
		}
		return fmt.Errorf("alert: run hook %s: %w", scriptPath, err)
	}
	return nil
}
