//go:build linux

package shim

import (
	"context"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/projecteru2/core/log"
)

// watchdogFD is the well-known FD the controller's pre-exec hook dup2s
// the inherited pipe read end to (sandbox.PreExecFiles), matching
// original_source/boxlite/src/vmm/controller/watchdog.rs's PIPE_FD.
const watchdogFD = 3

// startWatchdog blocks on poll(POLLHUP) for the parent-held pipe write
// end on a background goroutine: the kernel closes it the instant the
// parent dies (even via SIGKILL), delivering POLLHUP with zero polling
// latency. On POLLHUP, SIGTERM is sent to self so the graceful shutdown
// handler (installGracefulShutdown) runs the normal guest-shutdown path.
// parentPID is unused here — the pipe itself is the liveness signal —
// kept in the signature so the non-Linux PID-polling fallback shares it.
func startWatchdog(_ context.Context, _ int) {
	f := os.NewFile(uintptr(watchdogFD), "watchdog")
	if f == nil {
		return
	}
	go func() {
		ctx := context.Background()
		logger := log.WithFunc("shim.watchdog")
		fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLHUP}}
		for {
			n, err := unix.Poll(fds, -1)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				logger.Warnf(ctx, "watchdog poll failed: %v", err)
				return
			}
			if n > 0 && fds[0].Revents&unix.POLLHUP != 0 {
				logger.Info(ctx, "parent process exited (POLLHUP), sending SIGTERM to trigger graceful shutdown")
				_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
				return
			}
		}
	}()
}
