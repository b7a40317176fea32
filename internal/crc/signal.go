package crc

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// DefaultGraceDuration is the wait between SIGTERM and SIGKILL for a
// child process group.
const DefaultGraceDuration = 5 * time.Second

// PrepareProcessGroup configures cmd to run in its own process group so
// Terminate/RunWithTimeout can signal the whole group rather than just
// the direct child. Callers must call this before cmd.Start.
func PrepareProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Terminate sends SIGTERM to cmd's process group, waits up to grace for
// done to close, and escalates to SIGKILL if it has not closed by then.
// Callers own reaping the process (via cmd.Wait) and must close done
// once that completes.
//
// hardKill, when true, skips SIGTERM and the grace period and sends
// SIGKILL immediately, a hard escalation with no extra grace.
func Terminate(cmd *exec.Cmd, done <-chan struct{}, grace time.Duration, hardKill bool) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid

	if hardKill {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}

	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	if grace <= 0 {
		grace = DefaultGraceDuration
	}
	select {
	case <-done:
		return
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// RunWithTimeout waits on a prepared, started, process-group cmd,
// enforcing timeout (zero disables it) and ctx cancellation. On either
// firing it signals the child's process group SIGTERM, waits up to
// grace, then escalates to SIGKILL, and always waits for the process to
// be reaped before returning so no zombie or orphaned group survives the
// call.
//
// exitCode is model.ExitTimeout (124) on timeout, 143 on SIGTERM-style
// cancellation, 130 on SIGINT-style cancellation (distinguished via
// context.Cause: a cause with an ExitCode() method supplies the code,
// any other cancellation yields 143), or the child's real exit status
// otherwise.
func RunWithTimeout(ctx context.Context, cmd *exec.Cmd, timeout time.Duration, grace time.Duration) (exitCode int, timedOut bool, err error) {
	if grace <= 0 {
		grace = DefaultGraceDuration
	}

	waitDone := make(chan error, 1)
	reaped := make(chan struct{})
	go func() {
		err := cmd.Wait()
		waitDone <- err
		close(reaped)
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case waitErr := <-waitDone:
		return exitCodeOf(waitErr), false, nonExitError(waitErr)

	case <-timer:
		escalate(cmd, reaped, grace)
		<-waitDone
		return 124, true, nil

	case <-ctx.Done():
		escalate(cmd, reaped, grace)
		<-waitDone
		return exitCodeForCancellation(ctx), false, ctx.Err()
	}
}

// escalate sends SIGTERM to cmd's process group, then SIGKILL if reaped
// has not closed within grace. It never consumes from waitDone, leaving
// that to the caller.
func escalate(cmd *exec.Cmd, reaped <-chan struct{}, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-reaped:
		return
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -1
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

func nonExitError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return nil
	}
	return err
}

func exitCodeForCancellation(ctx context.Context) int {
	var ec interface{ ExitCode() int }
	if errors.As(context.Cause(ctx), &ec) {
		return ec.ExitCode()
	}
	if ctx.Err() == context.DeadlineExceeded {
		return 124
	}
	return 143
}
