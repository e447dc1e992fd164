package shim

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/boxlite/boxlite/internal/transport"
)

// guestShutdownTimeout bounds the shutdown call (dial plus one KindSignal
// frame on the transport socket) before the SIGTERM handler gives up and
// re-raises, matching shim/main.rs's GUEST_SHUTDOWN_TIMEOUT_SECS.
const guestShutdownTimeout = 3 * time.Second

// installGracefulShutdown installs a SIGTERM handler that sends a
// KindSignal frame over the box's transport socket before re-raising
// SIGTERM with the default disposition. That socket is served by the
// shim's own transport server (shim/transport.go), which acknowledges the
// frame without flushing anything: no qcow2 write cache is flushed on this
// path. Re-raising keeps the process's exit status at 128+15 for anything
// waiting on it. Grounded on
// shim/main.rs's install_graceful_shutdown_handler, translated from
// signal-hook's dedicated thread into a Go signal.Notify goroutine.
func installGracefulShutdown(transportEndpoint string) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)

	go func() {
		<-sigCh
		ctx := context.Background()
		logger := log.WithFunc("shim.gracefulShutdown")
		logger.Info(ctx, "SIGTERM received, initiating graceful guest shutdown")

		shutdownGuest(ctx, transportEndpoint, logger)

		// Re-arm the default disposition and re-raise, so the process's
		// exit status reflects a signal death (128+15) rather than
		// whatever os.Exit code a caller might otherwise pick.
		signal.Reset(syscall.SIGTERM)
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	}()
}

func shutdownGuest(ctx context.Context, transportEndpoint string, logger log.Fields) {
	if transportEndpoint == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, guestShutdownTimeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", transportEndpoint)
	if err != nil {
		logger.Infof(ctx, "could not connect to guest for shutdown: %v", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	if err := transport.WriteFrame(conn, transport.KindSignal, transport.Signal{Number: int(syscall.SIGTERM)}); err != nil {
		logger.Warnf(ctx, "guest shutdown signal failed: %v", err)
		return
	}
	logger.Info(ctx, "guest shutdown signal sent")
}
