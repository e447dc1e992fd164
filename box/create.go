package box

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boxlite/boxlite/disk"
	"github.com/boxlite/boxlite/imagecache"
	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/internal/boxlog"
	"github.com/boxlite/boxlite/types"
)

// pathSourceExt4SizeBytes sizes a guest-rootfs disk built directly from a
// host directory (no image-disk cache stage to size against).
const pathSourceExt4SizeBytes = 2 << 30

// defaultContainerOverlayGiB sizes the writable container overlay when
// BoxConfig.DiskSizeGB is unset (0).
const defaultContainerOverlayGiB = 4

// Create registers a new box, prepares its disks, and persists the record
// in Configured state — mirroring cloudhypervisor.Create's two-phase
// "placeholder record, then prepare disks, then finalize" sequencing so GC
// never treats an in-progress box's directory as an orphan (spec.md §4.10
// create()).
func (c *Controller) Create(ctx context.Context, cfg *types.BoxConfig) (*types.Box, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = defaultContainerOverlayGiB
	}

	id := GenerateID()
	now := time.Now()

	// Step 1: reserve a placeholder record so GC won't race the box dir.
	if err := c.store.Update(ctx, func(idx *Index) error {
		if err := idx.CheckName(cfg.Name); err != nil {
			return err
		}
		slot := idx.AllocateLockSlot(id)
		idx.Boxes[id] = &types.Box{
			ID:     id,
			Config: *cfg,
			State: types.BoxState{
				Status:    types.StatusConfigured,
				LockSlot:  slot,
				CreatedAt: now,
				UpdatedAt: now,
			},
		}
		if cfg.Name != "" {
			idx.Names[cfg.Name] = id
		}
		return nil
	}); err != nil {
		return nil, err
	}

	box, err := c.prepareBox(ctx, id, cfg)
	if err != nil {
		c.rollbackCreate(ctx, id, cfg.Name)
		return nil, err
	}
	return box, nil
}

// prepareBox materializes the box's home directory and overlay disks. On
// any failure the caller rolls the placeholder record back.
func (c *Controller) prepareBox(ctx context.Context, id string, cfg *types.BoxConfig) (*types.Box, error) {
	logger := boxlog.WithBox("box.prepareBox", id)

	if err := c.conf.EnsureBoxDirs(id); err != nil {
		return nil, boxerr.Wrap(boxerr.Storage, id, fmt.Errorf("ensure box dirs: %w", err))
	}

	// containerBacking is the cache entry the writable container overlay
	// is a direct COW child of — the image-disk (C2) entry, a plain OS
	// rootfs with no guest agent injected. guestRootfsBacking is the
	// guest-rootfs (C3) entry the guest-rootfs overlay is a direct COW
	// child of. Both overlays are independent siblings backed on their
	// own cache entry (spec.md §3: "a container overlay and a
	// guest-rootfs overlay, each pointing to a cache entry as its
	// backing file") — neither is ever chained onto the other, since
	// that would make a snapshot/clone/restore of one overlay's backing
	// pointer silently retarget the other's lineage too.
	var (
		containerBacking   string
		guestRootfsBacking string
		imageDigest        string
		versionKey         string
	)
	if cfg.Rootfs.IsPath() {
		// Pre-extracted directory source: build a one-off raw ext4 image
		// directly from the host directory (skipping the content-addressed
		// image-disk cache, since there is no OCI digest to key it by). It
		// stands in for both C2 and C3 here — both overlays are COW
		// children of this one disk, never of each other.
		rawDisk := filepath.Join(c.conf.BoxDir(id), ".source-rootfs.ext4")
		if err := disk.CreateExt4FromDir(ctx, cfg.Rootfs.RootfsPath, rawDisk, pathSourceExt4SizeBytes); err != nil {
			return nil, err
		}
		containerBacking = rawDisk
		guestRootfsBacking = rawDisk
	} else {
		extractedDir, err := os.MkdirTemp(c.conf.TempDir(), ".pull-*")
		if err != nil {
			return nil, boxerr.Wrap(boxerr.Storage, id, fmt.Errorf("create extraction dir: %w", err))
		}
		defer os.RemoveAll(extractedDir) //nolint:errcheck

		image, err := imagecache.PullAndExtract(ctx, cfg.Rootfs.Image, extractedDir)
		if err != nil {
			return nil, err
		}
		imageDigest = image.ComputeDigest()

		imageDisk, err := c.images.GetOrCreate(ctx, image, extractedDir)
		if err != nil {
			return nil, err
		}
		containerBacking = imageDisk

		cached, err := c.guests.GetOrCreate(ctx, c.images, image, extractedDir)
		if err != nil {
			return nil, err
		}
		versionKey, err = c.guests.VersionKeyFor(imageDigest)
		if err != nil {
			return nil, boxerr.Wrap(boxerr.Internal, id, err)
		}
		guestRootfsBacking = cached
	}

	// Both the image-disk (C2) and guest-rootfs (C3) cache entries are raw
	// ext4 images (mkfs.ext4 writes directly to the file, never through
	// qemu-img), so both overlays' backing format is "raw" even though the
	// overlays themselves are qcow2.
	if err := disk.CreateCOWChild(ctx, guestRootfsBacking, "raw", c.conf.BoxGuestRootfsDisk(id), 0); err != nil {
		return nil, err
	}
	containerSize := cfg.DiskSizeGB << 30
	if err := disk.CreateCOWChild(ctx, containerBacking, "raw", c.conf.BoxContainerDisk(id), containerSize); err != nil {
		return nil, err
	}

	now := time.Now()
	var result *types.Box
	if err := c.store.Update(ctx, func(idx *Index) error {
		rec := idx.Boxes[id]
		if rec == nil {
			return boxerr.New(boxerr.NotFound, id, "box %q disappeared from index", id)
		}
		rec.State.Status = types.StatusConfigured
		rec.State.UpdatedAt = now
		rec.ImageDigest = imageDigest
		rec.VersionKey = versionKey
		b := *rec
		result = &b
		return nil
	}); err != nil {
		return nil, err
	}
	logger.Infof(ctx, "box created")
	return result, nil
}

// rollbackCreate removes the placeholder record, name binding, and any
// partially-created box directory. Best-effort: Create's original error is
// what the caller sees.
func (c *Controller) rollbackCreate(ctx context.Context, id, name string) {
	_ = c.store.Update(ctx, func(idx *Index) error {
		if rec := idx.Boxes[id]; rec != nil {
			idx.FreeLockSlot(rec.State.LockSlot)
		}
		delete(idx.Boxes, id)
		if name != "" {
			delete(idx.Names, name)
		}
		return nil
	})
	_ = os.RemoveAll(c.conf.BoxDir(id))
}
