package box

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/internal/transport"
	"github.com/boxlite/boxlite/types"
	"github.com/boxlite/boxlite/utils"
)

// ExecOptions configures a single exec (spec.md §4.10 exec()).
type ExecOptions struct {
	Env    map[string]string
	Dir    string
	User   string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// TTY, when true, puts Stdin (if it is a terminal) into raw mode and
	// routes SIGWINCH as Resize frames, mirroring cocoon's console.go.
	TTY bool
}

// Exec runs a command inside a box, transparently starting it first if it
// is not already running, then streams stdio over the box's transport
// socket and returns the command's final result (spec.md §4.10 exec()).
//
// The interactive escape-sequence and SIGWINCH-propagation behavior is
// adapted from cocoon's console.go — the same ctrl-] two-state machine and
// raw-mode handling, generalized from a PTY file descriptor to the
// transport's framed stdin/resize/signal channel.
func (c *Controller) Exec(ctx context.Context, ref string, cmd []string, opts ExecOptions) (*types.ExecResult, error) {
	if len(cmd) == 0 {
		return nil, boxerr.New(boxerr.InvalidArgument, ref, "exec: empty command")
	}

	id, err := c.resolveOne(ctx, ref)
	if err != nil {
		return nil, err
	}

	b, err := c.loadBox(ctx, id)
	if err != nil {
		return nil, err
	}
	if !utils.IsProcessAlive(b.State.ShimPID) || b.State.Status != types.StatusRunning {
		if _, err := c.Start(ctx, id); err != nil {
			return nil, boxerr.Wrap(boxerr.Engine, id, fmt.Errorf("transparent start for exec: %w", err))
		}
	}

	conn, err := net.Dial("unix", c.conf.BoxTransportSocket(id))
	if err != nil {
		return nil, boxerr.Wrap(boxerr.Engine, id, fmt.Errorf("dial transport socket: %w", err))
	}
	defer conn.Close() //nolint:errcheck

	return runExec(ctx, conn, cmd, opts)
}

func runExec(ctx context.Context, conn net.Conn, cmd []string, opts ExecOptions) (*types.ExecResult, error) {
	req := transport.ExecRequest{
		Cmd:  cmd,
		Env:  opts.Env,
		Dir:  opts.Dir,
		User: opts.User,
		TTY:  opts.TTY,
	}
	if opts.TTY {
		if f, ok := opts.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			if cols, rows, err := term.GetSize(int(f.Fd())); err == nil {
				req.Cols, req.Rows = cols, rows
			}
		}
	}
	if err := transport.WriteFrame(conn, transport.KindExecRequest, req); err != nil {
		return nil, fmt.Errorf("send exec request: %w", err)
	}

	var restore func()
	if opts.TTY {
		restore = maybeEnterRawMode(opts.Stdin)
	}
	if restore != nil {
		defer restore()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopWinch := func() {}
	if opts.TTY {
		stopWinch = watchResize(conn, opts.Stdin)
	}
	defer stopWinch()

	errCh := make(chan error, 2) //nolint:mnd
	go func() { errCh <- pumpStdin(ctx, conn, opts.Stdin, opts.TTY) }()

	reader := bufio.NewReader(conn)
	for {
		frame, err := transport.ReadFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, boxerr.New(boxerr.Engine, "", "transport closed before exec result")
			}
			return nil, fmt.Errorf("read exec frame: %w", err)
		}
		switch frame.Kind {
		case transport.KindStdout:
			if opts.Stdout != nil {
				writeStreamChunk(opts.Stdout, frame.Data)
			}
		case transport.KindStderr:
			if opts.Stderr != nil {
				writeStreamChunk(opts.Stderr, frame.Data)
			}
		case transport.KindResult:
			res, err := transport.DecodeResult(frame)
			if err != nil {
				return nil, err
			}
			cancel()
			<-errCh
			return &res, nil
		case transport.KindEOF:
			// guest closed its side early; keep waiting for the result frame
		}
	}
}

func writeStreamChunk(w io.Writer, data []byte) {
	var chunk []byte
	if err := json.Unmarshal(data, &chunk); err != nil {
		return
	}
	_, _ = w.Write(chunk)
}

// pumpStdin relays opts.Stdin to the transport as KindStdin frames, applying
// the ctrl-] escape machine when in TTY mode, exactly as console.go's
// relayStdinToPTY does for a raw PTY file.
func pumpStdin(ctx context.Context, conn net.Conn, stdin io.Reader, tty bool) error {
	if stdin == nil {
		return nil
	}
	if !tty {
		return copyFrames(ctx, conn, stdin)
	}

	const escapeChar = 0x1D
	const (
		stateNormal = iota
		stateEscaped
	)
	state := stateNormal
	buf := make([]byte, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := stdin.Read(buf)
		if n == 0 || err != nil {
			return err
		}
		b := buf[0]
		switch state {
		case stateNormal:
			if b == escapeChar {
				state = stateEscaped
				continue
			}
			if err := sendStdin(conn, buf[:1]); err != nil {
				return err
			}
		case stateEscaped:
			state = stateNormal
			switch b {
			case '.':
				return transport.WriteFrame(conn, transport.KindSignal, transport.Signal{Number: int(syscall.SIGHUP)})
			case escapeChar:
				if err := sendStdin(conn, []byte{escapeChar}); err != nil {
					return err
				}
			default:
				if err := sendStdin(conn, []byte{escapeChar, b}); err != nil {
					return err
				}
			}
		}
	}
}

func copyFrames(ctx context.Context, conn net.Conn, r io.Reader) error {
	buf := make([]byte, 4096) //nolint:mnd
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := r.Read(buf)
		if n > 0 {
			if werr := sendStdin(conn, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return transport.WriteFrame(conn, transport.KindEOF, struct{}{})
			}
			return err
		}
	}
}

func sendStdin(conn net.Conn, data []byte) error {
	return transport.WriteFrame(conn, transport.KindStdin, data)
}

// maybeEnterRawMode puts stdin into raw mode if it is an interactive
// terminal, returning a restore func (no-op otherwise). SIGINT/SIGTERM are
// absorbed while raw so ctrl-C reaches the guest process over the transport
// rather than killing this client — mirroring console.go's signal handling.
func maybeEnterRawMode(stdin io.Reader) func() {
	f, ok := stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	fd := int(f.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
		}
	}()
	return func() {
		signal.Stop(sigCh)
		_ = term.Restore(fd, oldState)
	}
}

// watchResize propagates the terminal size on connect and on each SIGWINCH,
// as transport.Resize frames, generalizing console.go's handleSIGWINCH from
// a TIOCSWINSZ ioctl on a local PTY to a message over the wire.
func watchResize(conn net.Conn, stdin io.Reader) func() {
	f, ok := stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return func() {}
	}
	send := func() {
		if cols, rows, err := term.GetSize(int(f.Fd())); err == nil {
			_ = transport.WriteFrame(conn, transport.KindResize, transport.Resize{Cols: cols, Rows: rows})
		}
	}
	send()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		for range sigCh {
			send()
		}
	}()
	return func() { signal.Stop(sigCh) }
}
