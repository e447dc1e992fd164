package box

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/internal/boxlog"
	"github.com/boxlite/boxlite/types"
)

// Import extracts a .boxsnap archive written by Export, validates its
// manifest, and installs the flattened disks as a new box, per spec.md
// §4.11 Import(): "Extract the archive, trying zstd first then plain tar.
// Read the manifest; reject version > MAX_SUPPORTED_VERSION...Allocate a
// new box identity; move the flattened disks into the new box's home.
// Persist Stopped. Default runtime config; disks carry the state."
func (c *Controller) Import(ctx context.Context, archivePath, newName string) (*types.Box, error) {
	tmpDir, err := os.MkdirTemp(c.conf.TempDir(), ".import-*")
	if err != nil {
		return nil, boxerr.Wrap(boxerr.Storage, archivePath, err)
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	manifest, containerPath, guestPath, err := extractArchive(archivePath, tmpDir)
	if err != nil {
		return nil, err
	}
	if manifest.Version > types.MaxSupportedManifestVersion {
		return nil, boxerr.New(boxerr.InvalidArgument, archivePath,
			"archive manifest version %d is newer than this runtime supports (max %d); upgrade boxlite to import it",
			manifest.Version, types.MaxSupportedManifestVersion)
	}

	id := GenerateID()
	now := time.Now()
	name := newName
	if name == "" {
		name = manifest.BoxName
	}

	cfg := types.BoxConfig{
		Name:   name,
		Engine: defaultImportEngine,
		// The manifest's Image field is re-interpreted as an image
		// reference unconditionally (spec.md §9 Open Question): export
		// never records which RootfsSource variant produced it.
		Rootfs:     types.RootfsSource{Image: manifest.Image},
		CPUs:       defaultImportCPUs,
		MemoryMiB:  defaultImportMemoryMiB,
		DiskSizeGB: defaultContainerOverlayGiB,
	}

	if err := c.store.Update(ctx, func(idx *Index) error {
		if err := idx.CheckName(cfg.Name); err != nil {
			return err
		}
		slot := idx.AllocateLockSlot(id)
		idx.Boxes[id] = &types.Box{
			ID:     id,
			Config: cfg,
			State: types.BoxState{
				Status:    types.StatusConfigured,
				LockSlot:  slot,
				CreatedAt: now,
				UpdatedAt: now,
				StoppedAt: &now,
			},
		}
		if cfg.Name != "" {
			idx.Names[cfg.Name] = id
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := c.conf.EnsureBoxDirs(id); err != nil {
		c.rollbackCreate(ctx, id, cfg.Name)
		return nil, boxerr.Wrap(boxerr.Storage, id, err)
	}

	if err := os.Rename(containerPath, c.conf.BoxContainerDisk(id)); err != nil {
		c.rollbackCreate(ctx, id, cfg.Name)
		return nil, boxerr.Wrap(boxerr.Storage, id, fmt.Errorf("install imported container disk: %w", err))
	}
	if guestPath != "" {
		if err := os.Rename(guestPath, c.conf.BoxGuestRootfsDisk(id)); err != nil {
			c.rollbackCreate(ctx, id, cfg.Name)
			return nil, boxerr.Wrap(boxerr.Storage, id, fmt.Errorf("install imported guest disk: %w", err))
		}
	}

	var result *types.Box
	if err := c.store.Update(ctx, func(idx *Index) error {
		rec := idx.Boxes[id]
		if rec == nil {
			return boxerr.New(boxerr.NotFound, id, "box %q disappeared from index", id)
		}
		rec.State.Status = types.StatusStopped
		rec.State.UpdatedAt = time.Now()
		b := *rec
		result = &b
		return nil
	}); err != nil {
		c.rollbackCreate(ctx, id, cfg.Name)
		return nil, err
	}

	boxlog.WithBox("box.Import", id).Infof(ctx, "imported box from %s", archivePath)
	return result, nil
}

// Defaults applied to imported boxes: the manifest carries disk state but
// not the original resource shape, so Import falls back to the runtime's
// baseline shape rather than persisting zeros (spec.md §4.11: "Default
// runtime config; disks carry the state.").
const (
	defaultImportEngine    = types.EngineKrun
	defaultImportCPUs      = 1
	defaultImportMemoryMiB = 512
)

// zstdMagic is the frame magic number at the start of a zstd stream.
var zstdMagic = [4]byte{0x28, 0xB5, 0x2F, 0xFD}

// extractArchive reads manifest.json plus the disk entries out of an
// Export-produced archive, sniffing for a zstd frame before falling back
// to plain tar, per spec.md §4.11 Import(): "Extract the archive, trying
// zstd first then plain tar."
func extractArchive(archivePath, destDir string) (types.ExportManifest, string, string, error) {
	var manifest types.ExportManifest

	f, err := os.Open(archivePath) //nolint:gosec
	if err != nil {
		return manifest, "", "", boxerr.Wrap(boxerr.Storage, archivePath, err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return manifest, "", "", boxerr.Wrap(boxerr.Storage, archivePath, fmt.Errorf("read archive header: %w", err))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return manifest, "", "", boxerr.Wrap(boxerr.Storage, archivePath, err)
	}

	var r io.Reader = f
	if magic == zstdMagic {
		zr, zerr := zstd.NewReader(f)
		if zerr != nil {
			return manifest, "", "", boxerr.Wrap(boxerr.Storage, archivePath, fmt.Errorf("open zstd stream: %w", zerr))
		}
		defer zr.Close()
		r = zr
	}

	containerPath, guestPath, err := extractTarInto(r, destDir)
	if err != nil {
		return manifest, "", "", boxerr.Wrap(boxerr.Storage, archivePath, fmt.Errorf("extract archive: %w", err))
	}
	manifest, err = readManifest(destDir)
	return manifest, containerPath, guestPath, err
}

func extractTarInto(r io.Reader, destDir string) (containerPath, guestPath string, err error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", err
		}
		target := filepath.Join(destDir, filepath.Base(hdr.Name))
		out, err := os.Create(target) //nolint:gosec
		if err != nil {
			return "", "", err
		}
		_, cerr := io.Copy(out, tr) //nolint:gosec
		cerrClose := out.Close()
		if cerr != nil {
			return "", "", cerr
		}
		if cerrClose != nil {
			return "", "", cerrClose
		}
		switch hdr.Name {
		case containerEntryName:
			containerPath = target
		case guestEntryName:
			guestPath = target
		}
	}
	if containerPath == "" {
		return "", "", fmt.Errorf("archive missing %s entry", containerEntryName)
	}
	return containerPath, guestPath, nil
}

func readManifest(destDir string) (types.ExportManifest, error) {
	var manifest types.ExportManifest
	data, err := os.ReadFile(filepath.Join(destDir, manifestEntryName)) //nolint:gosec
	if err != nil {
		return manifest, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("parse manifest: %w", err)
	}
	return manifest, nil
}
