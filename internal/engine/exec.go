package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tasker-run/tasker/internal/crc"
	"github.com/tasker-run/tasker/internal/model"
	"github.com/tasker-run/tasker/internal/observability"
	"github.com/tasker-run/tasker/internal/soh"
	"github.com/tasker-run/tasker/internal/varengine"
)

// stdoutPrefix/stderrPrefix name SOH spill files predictably so a
// cleanup audit can glob for leftovers.
const (
	stdoutPrefix = "tasker_stdout_"
	stderrPrefix = "tasker_stderr_"
)

// runSequential executes one executable task, honoring its retry fields:
// a failed attempt (by the task's own success criterion) is re-run up to
// retry_count times with retry_delay between attempts. A timeout is
// never retried. The last attempt's result is the reported one.
func (e *Engine) runSequential(ctx context.Context, t *model.Task) (*model.TaskResult, error) {
	res, err := e.runChild(ctx, t)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= t.RetryCount; attempt++ {
		if res.Success || res.ExitCode == model.ExitTimeout {
			break
		}
		if err := e.sleep(ctx, t.RetryDelaySeconds); err != nil {
			return res, e.cancelCause(ctx)
		}
		e.emit(ctx, observability.EventTaskRetry, observability.LevelInfo, map[string]any{
			"task_id": t.ID, "attempt": attempt, "prev_exit": res.ExitCode,
		})
		res, err = e.runChild(ctx, t)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// runChild spawns one child process for t: expands its string fields,
// builds the argv for its execution mode, wires stdout/stderr into SOH
// streams, and waits under the task timeout with process-group signal
// escalation. The returned TaskResult has Success already evaluated.
func (e *Engine) runChild(ctx context.Context, t *model.Task) (*model.TaskResult, error) {
	ve := e.varEngine()

	hostname, _, err := ve.Expand(t.Hostname)
	if err != nil {
		return nil, e.expandErr(t.ID, "hostname", err)
	}
	command, _, err := ve.Expand(t.Command)
	if err != nil {
		return nil, e.expandErr(t.ID, "command", err)
	}
	arguments, argsTruncated, err := ve.Expand(t.Arguments)
	if err != nil {
		return nil, e.expandErr(t.ID, "arguments", err)
	}

	argv := buildArgv(t.ExecMode, hostname, command, arguments)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env, err = e.childEnv(ve, t)
	if err != nil {
		return nil, err
	}
	if e.cfg.FireAndForget {
		crc.Detach(cmd)
	} else {
		crc.PrepareProcessGroup(cmd)
	}

	opts := soh.DefaultOptions()
	opts.Dir = e.cfg.TempDir
	opts.Prefix = stdoutPrefix
	outStream := e.registry.New(opts)
	opts.Prefix = stderrPrefix
	errStream := e.registry.New(opts)

	// Manual pipes rather than StdoutPipe: cmd.Wait runs concurrently
	// with the drains (crc.RunWithTimeout waits in its own goroutine),
	// and os/exec's pipe helpers are not safe under that overlap. The
	// parent closes its write ends right after Start so the drains see
	// EOF once the child's process group lets go of them.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &InternalError{Context: "stdout pipe", Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, &InternalError{Context: "stderr pipe", Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	e.emit(ctx, observability.EventTaskStart, observability.LevelInfo, map[string]any{
		"task_id": t.ID, "command": command, "exec": string(t.ExecMode), "hostname": hostname,
	})

	started := time.Now()
	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		res := &model.TaskResult{
			ID: t.ID, Stdout: outStream, Stderr: errStream,
			ExitCode: 127, Err: fmt.Errorf("spawn %s: %w", argv[0], err),
		}
		if serr := e.evalSuccess(t, res); serr != nil {
			return nil, serr
		}
		return res, nil
	}
	outW.Close()
	errW.Close()

	outDone := make(chan error, 1)
	errDone := make(chan error, 1)
	go soh.Drain(outR, outStream, outDone)
	go soh.Drain(errR, errStream, errDone)

	timeout := time.Duration(t.TimeoutSeconds) * time.Second
	exitCode, timedOut, waitErr := crc.RunWithTimeout(ctx, cmd, timeout, e.cfg.GraceDuration)

	<-outDone
	<-errDone
	outR.Close()
	errR.Close()

	res := &model.TaskResult{
		ID:              t.ID,
		Stdout:          outStream,
		Stderr:          errStream,
		ExitCode:        exitCode,
		DurationSeconds: time.Since(started).Seconds(),
		Truncated:       argsTruncated,
	}

	if timedOut {
		e.emit(ctx, observability.EventTaskTimeout, observability.LevelWarning, map[string]any{
			"task_id": t.ID, "timeout_seconds": t.TimeoutSeconds,
		})
	}
	if waitErr != nil && ctx.Err() != nil {
		return res, e.cancelCause(ctx)
	}
	if waitErr != nil {
		res.Err = waitErr
	}

	if err := e.evalSuccess(t, res); err != nil {
		return nil, err
	}
	return res, nil
}

// expandErr wraps a pre-spawn expansion failure: the referenced data is
// not available, so the workflow fails with task_dependency before the
// child is spawned.
func (e *Engine) expandErr(taskID int, field string, err error) error {
	return &TaskDependencyError{TaskID: taskID, Field: field, Err: err}
}

// childEnv builds the child's environment: the engine's own, augmented
// with every env_<NAME> override on the task, values VE-expanded.
func (e *Engine) childEnv(ve *varengine.Engine, t *model.Task) ([]string, error) {
	env := os.Environ()
	for name, raw := range t.Env {
		value, _, err := ve.Expand(raw)
		if err != nil {
			return nil, e.expandErr(t.ID, "env_"+name, err)
		}
		env = append(env, name+"="+value)
	}
	return env, nil
}

// buildArgv assembles the argv for an execution mode. local is pure
// argv, shell hands the whole line to one POSIX shell invocation, and
// the remote modes are opaque wrapper prefixes found on PATH.
func buildArgv(mode model.ExecMode, hostname, command, arguments string) []string {
	switch mode {
	case model.ExecShell:
		line := command
		if arguments != "" {
			line = command + " " + arguments
		}
		return []string{"/bin/sh", "-c", line}
	case model.ExecPbrun:
		return appendArgs([]string{"pbrun", "-n", "-h", hostname, command}, arguments)
	case model.ExecP7s:
		return appendArgs([]string{"p7s", "-h", hostname, command}, arguments)
	case model.ExecWwrs:
		return appendArgs([]string{"wwrs_clir", "-h", hostname, command}, arguments)
	default: // local
		return appendArgs([]string{command}, arguments)
	}
}

func appendArgs(argv []string, arguments string) []string {
	if arguments == "" {
		return argv
	}
	return append(argv, strings.Fields(arguments)...)
}
