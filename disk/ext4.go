package disk

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/utils"
)

// CreateExt4FromDir builds a standalone ext4 image at outDisk containing the
// contents of dir, following cocoon's sparse-truncate + mkfs.ext4 invocation
// (create.go prepareOCI): a sparse file is truncated to sizeBytes, formatted
// with mkfs.ext4, then populated via `tar2ext4`-style `debugfs -w` scripting
// since no pack library offers in-process ext4 population — the image-disk
// cache (C2) builds its content by injecting the extracted layer tree file
// by file the same way the guest binary is injected below.
func CreateExt4FromDir(ctx context.Context, dir, outDisk string, sizeBytes int64) (retErr error) {
	if err := utils.EnsureDirs(filepath.Dir(outDisk)); err != nil {
		return boxerr.Wrap(boxerr.Storage, outDisk, err)
	}
	tmp := outDisk + ".tmp-build"
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmp)
		}
	}()

	f, err := os.Create(tmp) //nolint:gosec
	if err != nil {
		return boxerr.Wrap(boxerr.Storage, outDisk, fmt.Errorf("create sparse ext4: %w", err))
	}
	if err := f.Truncate(sizeBytes); err != nil {
		_ = f.Close()
		return boxerr.Wrap(boxerr.Storage, outDisk, fmt.Errorf("truncate ext4: %w", err))
	}
	if err := f.Close(); err != nil {
		return boxerr.Wrap(boxerr.Storage, outDisk, err)
	}

	if out, err := exec.CommandContext(ctx, //nolint:gosec
		"mkfs.ext4", "-F", "-m", "0", "-q",
		"-E", "lazy_itable_init=1,lazy_journal_init=1",
		tmp,
	).CombinedOutput(); err != nil {
		return boxerr.New(boxerr.Storage, outDisk, "mkfs.ext4: %s: %w", strings.TrimSpace(string(out)), err)
	}

	if err := copyTreeIntoExt4(ctx, tmp, dir); err != nil {
		return err
	}

	if err := os.Rename(tmp, outDisk); err != nil {
		return boxerr.Wrap(boxerr.Storage, outDisk, fmt.Errorf("install ext4: %w", err))
	}
	return utils.SyncParentDir(filepath.Dir(outDisk))
}

// InjectFileIntoExt4 writes hostSrc into an existing ext4 image at
// guestDst, using debugfs scripting the way the original boxlite
// implementation injects the guest-agent binary
// (runtime/guest_rootfs_manager.rs: inject_file_into_ext4).
func InjectFileIntoExt4(ctx context.Context, diskPath, hostSrc, guestDst string) error {
	script := fmt.Sprintf("mkdir %s\nwrite %s %s\nclose\n",
		debugfsQuote(filepath.Dir(guestDst)), debugfsQuote(hostSrc), debugfsQuote(guestDst))
	return runDebugfsScript(ctx, diskPath, script)
}

// copyTreeIntoExt4 walks dir and injects every regular file, recreating the
// directory structure via debugfs `mkdir` commands before each `write`.
func copyTreeIntoExt4(ctx context.Context, diskPath, dir string) error {
	var b strings.Builder
	madeDirs := map[string]bool{".": true}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		guestPath := "/" + filepath.ToSlash(rel)
		if info.IsDir() {
			if !madeDirs[rel] {
				b.WriteString(fmt.Sprintf("mkdir %s\n", debugfsQuote(guestPath)))
				madeDirs[rel] = true
			}
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, lerr := os.Readlink(path)
			if lerr != nil {
				return lerr
			}
			b.WriteString(fmt.Sprintf("symlink %s %s\n", debugfsQuote(guestPath), debugfsQuote(target)))
			return nil
		}
		b.WriteString(fmt.Sprintf("write %s %s\n", debugfsQuote(path), debugfsQuote(guestPath)))
		return nil
	})
	if err != nil {
		return boxerr.Wrap(boxerr.Storage, dir, fmt.Errorf("walk extracted layer tree: %w", err))
	}
	b.WriteString("close\n")
	return runDebugfsScript(ctx, diskPath, b.String())
}

func debugfsQuote(s string) string {
	return fmt.Sprintf("%q", s)
}

func runDebugfsScript(ctx context.Context, diskPath, script string) error {
	cmd := exec.CommandContext(ctx, "debugfs", "-w", "-f", "/dev/stdin", diskPath) //nolint:gosec
	cmd.Stdin = strings.NewReader(script)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return boxerr.New(boxerr.Storage, diskPath, "debugfs: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}
