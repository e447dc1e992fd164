// Package netproxy runs the per-box user-mode network helper (C9): a
// gvproxy-backed virtual network bound to a single Unix socket, spawned by
// the shim and owned for the box's entire lifetime. Grounded on
// original_source/boxlite/src/bin/shim/main.rs's gvproxy integration
// (socket path + OS-specific connection type + fixed guest MAC) and on the
// teacher's subprocess-lifecycle idiom from hypervisor/cloudhypervisor's
// start.go, here reshaped into an in-process helper since gvisor-tap-vsock
// ships as an embeddable library rather than a binary this module forks.
package netproxy

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/containers/gvisor-tap-vsock/pkg/types"
	"github.com/containers/gvisor-tap-vsock/pkg/virtualnetwork"

	corelog "github.com/projecteru2/core/log"

	boxtypes "github.com/boxlite/boxlite/types"
)

// GuestMAC is the fixed guest-facing MAC address every box's virtio-net
// device presents. It must match the DHCP static lease configured below,
// per spec.md §4.9 ("A fixed guest MAC address matches the DHCP static
// lease in the helper configuration").
const GuestMAC = "5a:94:ef:e4:0c:ee"

const (
	defaultSubnet  = "192.168.127.0/24"
	defaultGateway = "192.168.127.1"
	defaultGuestIP = "192.168.127.2"
	defaultMTU     = 1500
)

// Handle owns the running virtual network and its socket listener. The
// shim never calls Close in normal operation: the helper is intentionally
// leaked for the box's lifetime (spec.md §4.9, §9 "Ownership of
// cross-process resources"), and OS teardown reclaims it when the shim
// process exits. Close exists for tests that start/stop a helper in the
// same process.
type Handle struct {
	listener net.Listener
	packet   net.PacketConn
	cancel   context.CancelFunc
}

// Close stops accepting new connections. It does not and cannot terminate
// in-flight guest traffic; callers that need a clean shutdown should rely
// on process exit instead, matching the original's leak-for-lifetime
// design.
func (h *Handle) Close() error {
	h.cancel()
	if h.listener != nil {
		return h.listener.Close()
	}
	if h.packet != nil {
		return h.packet.Close()
	}
	return nil
}

// Start builds a virtual network from net and serves it over socketPath,
// using the OS-specific framing spec.md §4.9 carries over unchanged:
// UnixDgram+VFKit on macOS, UnixStream+Qemu on Linux and everywhere else.
// socketPath is removed first if a stale socket from a prior run remains.
func Start(ctx context.Context, socketPath string, net_ *boxtypes.NetworkConfig) (*Handle, error) {
	logger := corelog.WithFunc("netproxy.Start")

	mac := GuestMAC
	if net_ != nil && net_.MACAddress != "" {
		mac = net_.MACAddress
	}
	gateway := defaultGateway
	if net_ != nil && net_.Gateway != "" {
		gateway = net_.Gateway
	}
	guestIP := defaultGuestIP
	if net_ != nil && net_.GuestIP != "" {
		guestIP = net_.GuestIP
	}

	config := &types.Configuration{
		Debug:             false,
		MTU:               defaultMTU,
		Subnet:            defaultSubnet,
		GatewayIP:         gateway,
		GatewayMacAddress: "5a:94:ef:e4:0c:ef",
		DHCPStaticLeases: map[string]string{
			guestIP: mac,
		},
		Protocol: types.QemuProtocol,
	}

	vn, err := virtualnetwork.New(config)
	if err != nil {
		return nil, fmt.Errorf("build virtual network: %w", err)
	}

	_ = os.Remove(socketPath)

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel}

	if runtime.GOOS == "darwin" {
		config.Protocol = types.VfkitProtocol
		addr, err := net.ResolveUnixAddr("unixgram", socketPath)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("resolve network socket: %w", err)
		}
		conn, err := net.ListenUnixgram("unixgram", addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("listen on network socket: %w", err)
		}
		h.packet = conn
		go func() {
			if err := vn.AcceptVfkit(runCtx, conn); err != nil && runCtx.Err() == nil {
				logger.Warnf(runCtx, "vfkit network backend exited: %v", err)
			}
		}()
		logger.Infof(runCtx, "network backend listening (vfkit/unixgram) at %s", socketPath)
		return h, nil
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listen on network socket: %w", err)
	}
	h.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if runCtx.Err() != nil {
					return
				}
				logger.Warnf(runCtx, "network backend accept failed: %v", err)
				return
			}
			go func(c net.Conn) {
				if err := vn.AcceptQemu(runCtx, c); err != nil && runCtx.Err() == nil {
					logger.Warnf(runCtx, "qemu network connection ended: %v", err)
				}
			}(conn)
		}
	}()
	logger.Infof(runCtx, "network backend listening (qemu/unix) at %s", socketPath)
	return h, nil
}
