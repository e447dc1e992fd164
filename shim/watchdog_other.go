//go:build !linux

package shim

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/boxlite/boxlite/utils"
)

// gracefulShutdownTimeout bounds how long the parent-death watchdog waits
// for installGracefulShutdown to finish before forcing exit, matching
// shim/main.rs's GRACEFUL_SHUTDOWN_TIMEOUT_SECS safety net.
const gracefulShutdownTimeout = 5 * time.Second

// startWatchdog polls parentPID for liveness once a second, the fallback
// shape shim/main.rs's start_parent_watchdog uses: no pipe/POLLHUP
// primitive is available outside Linux, so this trades the pipe trick's
// zero-latency detection for a portable one-second poll.
func startWatchdog(_ context.Context, parentPID int) {
	go func() {
		ctx := context.Background()
		logger := log.WithFunc("shim.watchdog")
		for {
			time.Sleep(time.Second)
			if !utils.IsProcessAlive(parentPID) {
				logger.Info(ctx, "parent process exited, sending SIGTERM to trigger graceful shutdown")
				self := os.Getpid()
				_ = syscall.Kill(self, syscall.SIGTERM)

				time.Sleep(gracefulShutdownTimeout + guestShutdownTimeout)
				logger.Warn(ctx, "graceful shutdown timed out, forcing exit")
				_ = syscall.Kill(self, syscall.SIGKILL)
				return
			}
		}
	}()
}
