// Package disk implements the disk layer (C1): qcow2 header parsing,
// backing-file chain construction via the external qemu-img tool, and
// ext4 image construction/injection via mkfs.ext4 and debugfs. It is pure:
// callers provide distinct destination paths and serialize access to any
// path they share.
package disk

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/utils"
)

// qcow2Magic is the fixed four-byte magic at offset 0 (spec.md §6).
var qcow2Magic = [4]byte{'Q', 'F', 'I', 0xfb}

// Header holds the fixed-offset fields the core interprets. ParseHeader
// fills BackingFileOffset and BackingFileSize only; VirtualSize is left
// zero (VirtualSize below asks qemu-img instead). Everything else in the
// qcow2 format is opaque and delegated to qemu-img.
type Header struct {
	VirtualSize       uint64
	BackingFileOffset uint64
	BackingFileSize   uint32
}

// ParseHeader reads the first 32 bytes of path big-endian, checks the magic
// and decodes the backing-file offset and size; ReadBackingPath then reads
// BackingFileSize bytes at BackingFileOffset to recover the UTF-8 path.
// Parsing is header-only — resist reimplementing the rest of the format
// (spec.md §9).
func ParseHeader(path string) (*Header, error) {
	f, err := os.Open(path) //nolint:gosec // path constructed from runtime-home layout
	if err != nil {
		return nil, boxerr.Wrap(boxerr.Storage, path, fmt.Errorf("open qcow2: %w", err))
	}
	defer f.Close()

	var raw [32]byte
	if _, err := f.ReadAt(raw[:], 0); err != nil {
		return nil, boxerr.Wrap(boxerr.Storage, path, fmt.Errorf("read qcow2 header: %w", err))
	}
	if [4]byte(raw[0:4]) != qcow2Magic {
		return nil, boxerr.New(boxerr.Storage, path, "not a qcow2 file: bad magic")
	}

	h := &Header{
		BackingFileOffset: binary.BigEndian.Uint64(raw[8:16]),
		BackingFileSize:   binary.BigEndian.Uint32(raw[16:20]),
	}
	return h, nil
}

// ReadBackingPath returns the absolute backing-file path recorded in path's
// header, or "" if path has no backing file.
func ReadBackingPath(path string) (string, error) {
	h, err := ParseHeader(path)
	if err != nil {
		return "", err
	}
	if h.BackingFileOffset == 0 || h.BackingFileSize == 0 {
		return "", nil
	}

	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return "", boxerr.Wrap(boxerr.Storage, path, err)
	}
	defer f.Close()

	buf := make([]byte, h.BackingFileSize)
	if _, err := f.ReadAt(buf, int64(h.BackingFileOffset)); err != nil {
		return "", boxerr.Wrap(boxerr.Storage, path, fmt.Errorf("read backing path: %w", err))
	}
	return string(buf), nil
}

// BackingIntegrity checks invariant I5: path has no backing reference, or
// its backing path resolves to an existing file.
func BackingIntegrity(path string) error {
	backing, err := ReadBackingPath(path)
	if err != nil {
		return err
	}
	if backing == "" {
		return nil
	}
	if !utils.ValidFile(backing) && !fileExists(backing) {
		return boxerr.New(boxerr.Storage, path, "backing file missing: %s", backing)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// qemuImgBinary is overridden by callers that configure a non-default path
// (SetBinary); the default "qemu-img" is resolved through PATH.
var qemuImgBinary = "qemu-img"

// SetBinary overrides the qemu-img binary invoked by every operation below.
func SetBinary(path string) {
	if path != "" {
		qemuImgBinary = path
	}
}

func runQemuImg(ctx context.Context, args ...string) error {
	if _, err := exec.LookPath(qemuImgBinary); err != nil {
		return boxerr.New(boxerr.Config, qemuImgBinary, "qemu-img not found on PATH: %w", err)
	}
	out, err := exec.CommandContext(ctx, qemuImgBinary, args...).CombinedOutput() //nolint:gosec // fixed binary, caller-controlled args
	if err != nil {
		return boxerr.Wrap(boxerr.Storage, args[len(args)-1], fmt.Errorf("qemu-img %s: %s: %w", args[0], strings.TrimSpace(string(out)), err))
	}
	return nil
}

// CreateCOWChild creates a new qcow2 file at childPath backed by
// backingPath, following cocoon's `qemu-img create -f qcow2 -F
// <backingFormat> -b <backing> <child>` invocation (create.go prepareCloudimg).
// On any failure, no file is left at childPath.
func CreateCOWChild(ctx context.Context, backingPath, backingFormat, childPath string, virtualSizeBytes int64) error {
	if err := utils.EnsureDirs(filepath.Dir(childPath)); err != nil {
		return boxerr.Wrap(boxerr.Storage, childPath, err)
	}
	args := []string{"create", "-f", "qcow2", "-F", backingFormat, "-b", backingPath, childPath}
	if err := runQemuImg(ctx, args...); err != nil {
		_ = os.Remove(childPath)
		return err
	}
	if virtualSizeBytes > 0 {
		if err := runQemuImg(ctx, "resize", childPath, fmt.Sprintf("%d", virtualSizeBytes)); err != nil {
			_ = os.Remove(childPath)
			return err
		}
	}
	return nil
}

// Flatten produces a standalone qcow2 at dst with no backing reference,
// via `qemu-img convert -O qcow2 src dst`. Used by clone(cow=false) and
// export() to materialize self-contained disks.
func Flatten(ctx context.Context, src, dst string) error {
	if err := utils.EnsureDirs(filepath.Dir(dst)); err != nil {
		return boxerr.Wrap(boxerr.Storage, dst, err)
	}
	tmp := dst + ".tmp-flatten"
	_ = os.Remove(tmp)
	if err := runQemuImg(ctx, "convert", "-O", "qcow2", src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return boxerr.Wrap(boxerr.Storage, dst, fmt.Errorf("install flattened disk: %w", err))
	}
	return utils.SyncParentDir(filepath.Dir(dst))
}

// VirtualSize returns the logical (guest-visible) size of a qcow2 file via
// `qemu-img info --output=json`, used by snapshot create to pin the
// original size before the overlay is moved.
func VirtualSize(ctx context.Context, path string) (int64, error) {
	if _, err := exec.LookPath(qemuImgBinary); err != nil {
		return 0, boxerr.New(boxerr.Config, qemuImgBinary, "qemu-img not found on PATH: %w", err)
	}
	out, err := exec.CommandContext(ctx, qemuImgBinary, "info", "--output=json", path).Output() //nolint:gosec
	if err != nil {
		return 0, boxerr.Wrap(boxerr.Storage, path, fmt.Errorf("qemu-img info: %w", err))
	}
	size, err := parseVirtualSize(out)
	if err != nil {
		return 0, boxerr.Wrap(boxerr.Storage, path, err)
	}
	return size, nil
}
