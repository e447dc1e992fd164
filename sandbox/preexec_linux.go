//go:build linux

package sandbox

import (
	"os"
	"syscall"
)

// PreExecFiles returns the ExtraFiles the lifecycle controller attaches to
// the boxlite-shim child: the watchdog pipe read end, which os/exec places
// at FD 3 in the child. No pre-exec hook runs in the child; nothing joins
// a cgroup between fork and exec.
//
// cmd.SysProcAttr.Pdeathsig pairs with bwrap's own --die-with-parent so
// the child does not outlive its parent even when bwrap is not in use
// (sandbox disabled).
func PreExecFiles(watchdogRead *os.File) []*os.File {
	if watchdogRead == nil {
		return nil
	}
	return []*os.File{watchdogRead}
}

// Pdeathsig returns the SysProcAttr death-signal setting used on every
// shim child regardless of sandbox backend.
func Pdeathsig() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
