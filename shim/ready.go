package shim

import (
	"context"
	"fmt"
	"net"
	"time"
)

// readyDialTimeout bounds how long the shim waits to connect to the host's
// sockets/ready.sock listener once its instance is initialized.
const readyDialTimeout = 5 * time.Second

// signalReady dials the host's ready socket and closes immediately —
// the accept-based handshake of spec.md §4.10 ("the in-guest agent
// connects once it is initialized; host transitions to Running on
// accept"), played here by the shim itself since no separate in-guest
// agent process exists in this build.
func signalReady(ctx context.Context, readySocket string) error {
	if readySocket == "" {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, readyDialTimeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "unix", readySocket)
	if err != nil {
		return fmt.Errorf("dial ready socket: %w", err)
	}
	return conn.Close()
}
