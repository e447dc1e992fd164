package box

import (
	"context"
	"fmt"
	"time"

	"github.com/boxlite/boxlite/disk"
	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/internal/boxlog"
	"github.com/boxlite/boxlite/types"
	"github.com/boxlite/boxlite/utils"
)

// CloneOptions configures Clone (spec.md §4.11 Clone()).
type CloneOptions struct {
	// COW, when true, creates qcow2 children of the source overlays. When
	// false, each overlay is flattened to a standalone disk via C1.
	COW bool
	// FromSnapshot clones from a named snapshot's disks rather than the
	// source box's current overlays, when set.
	FromSnapshot string
	// StartAfterClone starts the new box once it is created.
	StartAfterClone bool
}

// Clone creates a new box whose disks derive from a stopped source box
// (or one of its snapshots), per spec.md §4.11 Clone(). It follows
// Controller.Create's "placeholder record, prepare disks, finalize,
// rollback on failure" shape rather than duplicating it ad hoc.
func (c *Controller) Clone(ctx context.Context, ref, newName string, opts CloneOptions) (*types.Box, error) {
	srcID, err := c.resolveOne(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := c.requireStopped(ctx, srcID); err != nil {
		return nil, err
	}
	src, err := c.loadBox(ctx, srcID)
	if err != nil {
		return nil, err
	}

	srcContainer, srcGuest, err := c.cloneSourceDisks(ctx, srcID, opts.FromSnapshot)
	if err != nil {
		return nil, err
	}

	cfg := src.Config
	cfg.Name = newName

	id := GenerateID()
	now := time.Now()
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
			},
			ImageDigest: src.ImageDigest,
			// VersionKey is copied too (not just ImageDigest) so the new
			// record names the same rootfs-cache entry as the source, even
			// though this box never called guestcache.GetOrCreate itself.
			// Guest-rootfs GC does not read this field: it follows each
			// box's guest-rootfs.qcow2 backing pointer on disk (see
			// guestcache/gc.go).
			VersionKey: src.VersionKey,
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

	if err := c.materializeCloneDisks(ctx, srcContainer, srcGuest, id, opts.COW); err != nil {
		c.rollbackCreate(ctx, id, cfg.Name)
		return nil, err
	}

	var result *types.Box
	if err := c.store.Update(ctx, func(idx *Index) error {
		rec := idx.Boxes[id]
		if rec == nil {
			return boxerr.New(boxerr.NotFound, id, "box %q disappeared from index", id)
		}
		rec.State.Status = types.StatusConfigured
		rec.State.UpdatedAt = time.Now()
		b := *rec
		result = &b
		return nil
	}); err != nil {
		c.rollbackCreate(ctx, id, cfg.Name)
		return nil, err
	}

	boxlog.WithBox("box.Clone", srcID).Infof(ctx, "cloned to box %s (name=%q cow=%v)", id, cfg.Name, opts.COW)

	if opts.StartAfterClone {
		if _, err := c.Start(ctx, id); err != nil {
			return nil, boxerr.Wrap(boxerr.Engine, id, fmt.Errorf("start after clone: %w", err))
		}
		return c.loadBoxPtr(ctx, id)
	}
	return result, nil
}

// cloneSourceDisks resolves the container/guest disk paths Clone should
// derive from: either the source box's live overlays, or a named
// snapshot's moved disks.
func (c *Controller) cloneSourceDisks(ctx context.Context, srcID, fromSnapshot string) (container, guest string, err error) {
	if fromSnapshot == "" {
		container = c.conf.BoxContainerDisk(srcID)
		guest = c.conf.BoxGuestRootfsDisk(srcID)
		if !utils.ValidFile(container) {
			return "", "", boxerr.New(boxerr.Storage, srcID, "source container disk not found at %s", container)
		}
		return container, guest, nil
	}

	info, err := c.SnapshotGet(ctx, srcID, fromSnapshot)
	if err != nil {
		return "", "", err
	}
	container = c.conf.BoxSnapshotContainerDisk(srcID, fromSnapshot)
	guest = c.conf.BoxSnapshotGuestRootfsDisk(srcID, fromSnapshot)
	if !utils.ValidFile(container) {
		return "", "", boxerr.New(boxerr.Storage, srcID, "snapshot %q container disk not found at %s", info.Name, container)
	}
	return container, guest, nil
}

// materializeCloneDisks builds the new box's overlays from the resolved
// source disks: qcow2 children when cow is true, flattened standalone
// copies via disk.Flatten otherwise (spec.md §4.11 Clone()).
func (c *Controller) materializeCloneDisks(ctx context.Context, srcContainer, srcGuest, newID string, cow bool) error {
	dstContainer := c.conf.BoxContainerDisk(newID)
	dstGuest := c.conf.BoxGuestRootfsDisk(newID)

	if cow {
		if err := disk.CreateCOWChild(ctx, srcContainer, "qcow2", dstContainer, 0); err != nil {
			return err
		}
		if utils.ValidFile(srcGuest) {
			if err := disk.CreateCOWChild(ctx, srcGuest, "qcow2", dstGuest, 0); err != nil {
				return err
			}
		}
		return nil
	}

	if err := disk.Flatten(ctx, srcContainer, dstContainer); err != nil {
		return err
	}
	if utils.ValidFile(srcGuest) {
		if err := disk.Flatten(ctx, srcGuest, dstGuest); err != nil {
			return err
		}
	}
	return nil
}
