package shim

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/boxlite/boxlite/engine"
	"github.com/boxlite/boxlite/internal/transport"
	"github.com/boxlite/boxlite/types"
)

// serveTransport listens on the box's transport socket (box.sock) and
// serves exec sessions against instance until stop is called. This is the
// shim-side half of the protocol box/exec.go's Controller.Exec dials into,
// and the connection shim/sigterm.go's installGracefulShutdown opens to
// deliver its out-of-band shutdown signal (spec.md §4.10 exec()).
//
// No in-guest agent exists in this build to run the real RPC server the
// original's GuestSession dials into, so the instance returned by the
// engine plays that role directly, the same stand-in the mock engine
// already uses for Enter().
func serveTransport(socketPath string, instance engine.Instance) (stop func(), err error) {
	_ = os.Remove(socketPath)
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("resolve transport socket: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen transport socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go acceptLoop(ctx, ln, instance)

	return func() {
		cancel()
		_ = ln.Close()
	}, nil
}

func acceptLoop(ctx context.Context, ln *net.UnixListener, instance engine.Instance) {
	logger := log.WithFunc("shim.serveTransport")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed by stop()
		}
		go func() {
			defer conn.Close() //nolint:errcheck
			if err := handleTransportConn(ctx, conn, instance); err != nil && err != io.EOF {
				logger.Infof(ctx, "transport connection ended: %v", err)
			}
		}()
	}
}

// handleTransportConn reads the connection's first frame to decide whether
// this is an exec session or a bare out-of-band signal (the shutdown
// courtesy call from shim/sigterm.go, which opens a connection and sends a
// single KindSignal frame with no preceding exec request).
func handleTransportConn(ctx context.Context, conn net.Conn, instance engine.Instance) error {
	reader := bufio.NewReader(conn)
	frame, err := transport.ReadFrame(reader)
	if err != nil {
		return err
	}
	switch frame.Kind {
	case transport.KindSignal:
		// Nothing to flush in this build's exec model; acknowledging the
		// connection is enough for the caller to stop waiting.
		return nil
	case transport.KindExecRequest:
		return serveExec(ctx, conn, reader, frame, instance)
	default:
		return fmt.Errorf("unexpected first frame kind %q", frame.Kind)
	}
}

func serveExec(ctx context.Context, conn net.Conn, reader *bufio.Reader, first transport.Frame, instance engine.Instance) error {
	var req transport.ExecRequest
	if err := json.Unmarshal(first.Data, &req); err != nil {
		return fmt.Errorf("decode exec request: %w", err)
	}

	// os/exec copies a command's stdout and stderr pipes on their own
	// goroutines, so the two frameWriters below can call WriteFrame
	// concurrently; writeMu keeps a frame's length-prefix and body
	// together on the wire instead of letting them interleave.
	writeMu := &sync.Mutex{}

	execer, ok := instance.(engine.Execer)
	if !ok {
		return writeResultFrame(conn, writeMu, types.ExecResult{
			ExitCode: -1,
			Error:    "engine does not support exec",
		})
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stdinR, stdinW := io.Pipe()
	go pumpTransportStdin(reader, stdinW)

	result := types.ExecResult{}
	code, err := execer.Exec(execCtx, engine.ExecRequest{
		Cmd:    req.Cmd,
		Env:    req.Env,
		Dir:    req.Dir,
		User:   req.User,
		Stdin:  stdinR,
		Stdout: &frameWriter{conn: conn, kind: transport.KindStdout, mu: writeMu},
		Stderr: &frameWriter{conn: conn, kind: transport.KindStderr, mu: writeMu},
	})
	_ = stdinR.Close()
	result.ExitCode = code
	if err != nil {
		result.Error = err.Error()
	}
	return writeResultFrame(conn, writeMu, result)
}

func writeResultFrame(conn net.Conn, mu *sync.Mutex, result types.ExecResult) error {
	mu.Lock()
	defer mu.Unlock()
	return transport.WriteFrame(conn, transport.KindResult, result)
}

// pumpTransportStdin relays stdin frames into w until the connection
// closes, the client sends KindEOF, or a write fails. Mid-exec resize and
// signal frames (box/exec.go's ctrl-] escape, SIGWINCH) are read so they
// don't desync framing, but nothing in this engine adapter applies them —
// the running command has no attached pty to resize or signal.
func pumpTransportStdin(reader *bufio.Reader, w *io.PipeWriter) {
	defer w.Close() //nolint:errcheck
	for {
		frame, err := transport.ReadFrame(reader)
		if err != nil {
			return
		}
		switch frame.Kind {
		case transport.KindStdin:
			var chunk []byte
			if err := json.Unmarshal(frame.Data, &chunk); err != nil {
				continue
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
		case transport.KindEOF:
			return
		}
	}
}

// frameWriter adapts a transport connection into an io.Writer that frames
// every Write call under a fixed MessageKind (stdout or stderr). mu is
// shared across a session's stdout and stderr writers so the two streams
// never interleave a frame's length-prefix and body.
type frameWriter struct {
	conn net.Conn
	kind transport.MessageKind
	mu   *sync.Mutex
}

func (w *frameWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := transport.WriteFrame(w.conn, w.kind, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
