package crc

import (
	"os/exec"
	"os/signal"
	"syscall"
)

// Detach configures cmd so that a later SIGHUP to the launching terminal
// (or parent exit) does not reach the child — used by --fire-and-forget
// runs. The engine still waits for a detached child like any other.
// Setsid alone is sufficient: it makes the child its own session and
// process group leader, so Terminate's kill(-pgid, ...) convention
// (pgid == the child's own pid) still holds without also setting
// Setpgid.
func Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
}

// IgnoreHangup blocks SIGHUP delivery to the current process, used by
// the --fire-and-forget workflow driver itself so a detached terminal
// session does not also tear down the parent TASKER run; the workflow
// then runs to completion as usual.
func IgnoreHangup() {
	signal.Ignore(syscall.SIGHUP)
}
