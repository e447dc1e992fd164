//go:build !linux

package sandbox

import (
	"os"
	"syscall"
)

// PreExecFiles returns the same single-entry list as on Linux. Outside
// Linux the shim's watchdog polls the parent PID and never reads the
// inherited FD.
func PreExecFiles(watchdogRead *os.File) []*os.File {
	if watchdogRead == nil {
		return nil
	}
	return []*os.File{watchdogRead}
}

// Pdeathsig returns an empty SysProcAttr outside Linux (no death signal
// set, but non-nil so callers can set other fields); PR_SET_PDEATHSIG has no equivalent
// on darwin, so parent-death detection there relies solely on the
// watchdog pipe's POLLHUP, not a kernel death signal.
func Pdeathsig() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
