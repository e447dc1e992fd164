package box

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/boxlite/boxlite/disk"
	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/internal/boxlog"
	"github.com/boxlite/boxlite/types"
	"github.com/boxlite/boxlite/utils"
)

const (
	manifestEntryName = "manifest.json"
	containerEntryName = "container.qcow2"
	guestEntryName      = "guest-rootfs.qcow2"
)

// ExportOptions configures Export (spec.md §4.11 Export()).
type ExportOptions struct {
	Compress bool
}

// Export flattens a stopped box's disks, checksums them, and archives
// manifest+disks into a portable .boxsnap file, per spec.md §4.11
// Export(): "Flatten both disks with C1 into a temp dir; compute SHA-256
// over each flattened file; write a JSON manifest...; archive manifest+
// disks with tar, optionally zstd-compressed."
func (c *Controller) Export(ctx context.Context, ref, dest string, opts ExportOptions) (string, error) {
	id, err := c.resolveOne(ctx, ref)
	if err != nil {
		return "", err
	}
	if err := c.requireStopped(ctx, id); err != nil {
		return "", err
	}
	b, err := c.loadBox(ctx, id)
	if err != nil {
		return "", err
	}

	if err := c.updateStatus(ctx, id, types.StatusExporting); err != nil {
		return "", err
	}
	outPath, err := c.doExport(ctx, &b, dest, opts)
	if sErr := c.updateStatus(ctx, id, types.StatusStopped); sErr != nil && err == nil {
		err = sErr
	}
	if err != nil {
		return "", err
	}
	boxlog.WithBox("box.Export", id).Infof(ctx, "exported to %s", outPath)
	return outPath, nil
}

func (c *Controller) doExport(ctx context.Context, b *types.Box, dest string, opts ExportOptions) (string, error) {
	tmpDir, err := os.MkdirTemp(c.conf.TempDir(), ".export-*")
	if err != nil {
		return "", boxerr.Wrap(boxerr.Storage, b.ID, err)
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	flatContainer := filepath.Join(tmpDir, containerEntryName)
	if err := disk.Flatten(ctx, c.conf.BoxContainerDisk(b.ID), flatContainer); err != nil {
		return "", err
	}
	containerChecksum, err := sha256File(flatContainer)
	if err != nil {
		return "", boxerr.Wrap(boxerr.Storage, b.ID, err)
	}

	var flatGuest, guestChecksum string
	guestDisk := c.conf.BoxGuestRootfsDisk(b.ID)
	if utils.ValidFile(guestDisk) {
		flatGuest = filepath.Join(tmpDir, guestEntryName)
		if err := disk.Flatten(ctx, guestDisk, flatGuest); err != nil {
			return "", err
		}
		guestChecksum, err = sha256File(flatGuest)
		if err != nil {
			return "", boxerr.Wrap(boxerr.Storage, b.ID, err)
		}
	}

	manifest := types.ExportManifest{
		Version:               types.MaxSupportedManifestVersion,
		BoxName:               b.Config.Name,
		Image:                 exportImageField(b.Config.Rootfs),
		GuestDiskChecksum:     guestChecksum,
		ContainerDiskChecksum: containerChecksum,
		ExportedAt:            time.Now(),
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", boxerr.Wrap(boxerr.Internal, b.ID, err)
	}

	outPath, err := resolveExportDest(dest, b.ID, b.Config.Name)
	if err != nil {
		return "", err
	}
	if err := utils.EnsureDirs(filepath.Dir(outPath)); err != nil {
		return "", boxerr.Wrap(boxerr.Storage, b.ID, err)
	}

	if err := writeArchive(outPath, manifestBytes, flatContainer, flatGuest, opts.Compress); err != nil {
		return "", err
	}
	return outPath, nil
}

// exportImageField records the box's rootfs source in the manifest's Image
// field; a RootfsPath source is recorded as-is here (the spec's Open
// Question flags that import() re-interprets it as an Image(reference)
// regardless — a deliberate ambiguity, not a bug, carried forward per
// spec.md §9).
func exportImageField(r types.RootfsSource) string {
	if r.IsPath() {
		return r.RootfsPath
	}
	return r.Image
}

func resolveExportDest(dest, boxID, name string) (string, error) {
	info, err := os.Stat(dest)
	if err == nil && info.IsDir() {
		base := name
		if base == "" {
			base = boxID
		}
		return filepath.Join(dest, base+".boxsnap"), nil
	}
	return dest, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeArchive tars manifest.json + disk files into outPath, optionally
// wrapping the tar stream in zstd (spec.md §4.11: "archive manifest+disks
// with tar, optionally zstd-compressed").
func writeArchive(outPath string, manifestBytes []byte, flatContainer, flatGuest string, compress bool) (err error) {
	f, err := os.Create(outPath) //nolint:gosec
	if err != nil {
		return boxerr.Wrap(boxerr.Storage, outPath, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if compress {
		zw, zerr := zstd.NewWriter(f)
		if zerr != nil {
			return boxerr.Wrap(boxerr.Internal, outPath, zerr)
		}
		defer zw.Close() //nolint:errcheck
		w = zw
	}

	tw := tar.NewWriter(w)
	defer tw.Close() //nolint:errcheck

	if err := addTarFile(tw, manifestEntryName, manifestBytes); err != nil {
		return err
	}
	if err := addTarFilePath(tw, containerEntryName, flatContainer); err != nil {
		return err
	}
	if flatGuest != "" {
		if err := addTarFilePath(tw, guestEntryName, flatGuest); err != nil {
			return err
		}
	}
	return nil
}

func addTarFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header for %s: %w", name, err)
	}
	_, err := tw.Write(data)
	return err
}

func addTarFilePath(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: info.Size()}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header for %s: %w", name, err)
	}
	_, err = io.Copy(tw, f)
	return err
}
