// Package transport implements the length-prefixed JSON-framed protocol
// used over a box's transport socket (box.sock, spec.md §4.8) to carry
// exec requests, stdio streams, resize/signal events, and the final
// ExecResult — the host/shim/guest RPC channel the original implementation
// describes as "exec id + stream stdin/stdout/stderr, signal and
// TTY-resize routed through the same channel" (spec.md §4.10 exec()).
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/boxlite/boxlite/types"
)

// MessageKind tags a Frame's payload.
type MessageKind string

const (
	KindExecRequest MessageKind = "exec_request"
	KindStdin       MessageKind = "stdin"
	KindStdout      MessageKind = "stdout"
	KindStderr      MessageKind = "stderr"
	KindResize      MessageKind = "resize"
	KindSignal      MessageKind = "signal"
	KindResult      MessageKind = "result"
	KindEOF         MessageKind = "eof"
)

// ExecRequest opens a new execution on the box's transport channel.
type ExecRequest struct {
	Cmd   []string          `json:"cmd"`
	Env   map[string]string `json:"env,omitempty"`
	Dir   string            `json:"dir,omitempty"`
	User  string            `json:"user,omitempty"`
	TTY   bool              `json:"tty"`
	Cols  int               `json:"cols,omitempty"`
	Rows  int               `json:"rows,omitempty"`
}

// Resize carries a TTY window-size change.
type Resize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Signal carries a POSIX signal number to deliver to the exec'd process.
type Signal struct {
	Number int `json:"number"`
}

// Frame is one length-prefixed message on the wire: a 4-byte big-endian
// length followed by a JSON envelope of {kind, data}. Binary stdio bytes
// are carried as base64 JSON strings (encoding/json's encoding of []byte),
// trading a little throughput for a uniform,
// debuggable framing instead of a second binary sub-protocol.
type Frame struct {
	Kind MessageKind     `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WriteFrame marshals kind/payload and writes a length-prefixed frame.
func WriteFrame(w io.Writer, kind MessageKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", kind, err)
	}
	frame := Frame{Kind: kind, Data: data}
	buf, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame envelope: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf))) //nolint:gosec
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(buf, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, nil
}

// DecodeResult unmarshals a KindResult frame's payload.
func DecodeResult(f Frame) (types.ExecResult, error) {
	var res types.ExecResult
	if f.Kind != KindResult {
		return res, fmt.Errorf("expected result frame, got %s", f.Kind)
	}
	err := json.Unmarshal(f.Data, &res)
	return res, err
}
