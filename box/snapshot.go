package box

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boxlite/boxlite/disk"
	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/internal/boxlog"
	"github.com/boxlite/boxlite/types"
	"github.com/boxlite/boxlite/utils"
)

// SnapshotCreate moves a stopped box's current overlays into
// snapshots/{name}/ and re-creates fresh overlays at the original paths
// backed by the moved files — "external COW" snapshotting, grounded
// directly on original_source/boxlite/src/litebox/snapshot.rs's
// SnapshotHandle::create/do_create (spec.md §4.11).
func (c *Controller) SnapshotCreate(ctx context.Context, ref, name string) (*types.SnapshotInfo, error) {
	id, err := c.resolveOne(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := c.requireStopped(ctx, id); err != nil {
		return nil, err
	}
	if err := c.checkSnapshotNameFree(ctx, id, name); err != nil {
		return nil, err
	}

	if err := c.updateStatus(ctx, id, types.StatusSnapshotting); err != nil {
		return nil, err
	}
	info, err := c.doSnapshotCreate(ctx, id, name)
	// Always re-enter Stopped, success or failure.
	if sErr := c.updateStatus(ctx, id, types.StatusStopped); sErr != nil && err == nil {
		err = sErr
	}
	if err != nil {
		return nil, err
	}

	if err := c.store.Update(ctx, func(idx *Index) error {
		if idx.Snapshots[id] == nil {
			idx.Snapshots[id] = make(map[string]*types.SnapshotInfo)
		}
		idx.Snapshots[id][name] = info
		return nil
	}); err != nil {
		return nil, err
	}
	boxlog.WithSnapshot("box.SnapshotCreate", id, name).Infof(ctx, "created external COW snapshot")
	return info, nil
}

func (c *Controller) doSnapshotCreate(ctx context.Context, id, name string) (*types.SnapshotInfo, error) {
	containerDisk := c.conf.BoxContainerDisk(id)
	guestDisk := c.conf.BoxGuestRootfsDisk(id)

	if !utils.ValidFile(containerDisk) {
		return nil, boxerr.New(boxerr.Storage, id, "container disk not found at %s", containerDisk)
	}

	snapshotDir := c.conf.BoxSnapshotDir(id, name)
	if err := utils.EnsureDirs(snapshotDir); err != nil {
		return nil, boxerr.Wrap(boxerr.Storage, id, err)
	}

	containerVirtual, err := disk.VirtualSize(ctx, containerDisk)
	if err != nil {
		_ = os.RemoveAll(snapshotDir)
		return nil, err
	}
	var guestVirtual int64
	hasGuestDisk := utils.ValidFile(guestDisk)
	if hasGuestDisk {
		guestVirtual, err = disk.VirtualSize(ctx, guestDisk)
		if err != nil {
			_ = os.RemoveAll(snapshotDir)
			return nil, err
		}
	}

	snapContainer := c.conf.BoxSnapshotContainerDisk(id, name)
	if err := os.Rename(containerDisk, snapContainer); err != nil {
		_ = os.RemoveAll(snapshotDir)
		return nil, boxerr.Wrap(boxerr.Storage, id, fmt.Errorf("move container disk to snapshot: %w", err))
	}
	if err := disk.CreateCOWChild(ctx, snapContainer, "qcow2", containerDisk, containerVirtual); err != nil {
		_ = os.Rename(snapContainer, containerDisk)
		_ = os.RemoveAll(snapshotDir)
		return nil, err
	}

	if hasGuestDisk {
		snapGuest := c.conf.BoxSnapshotGuestRootfsDisk(id, name)
		if err := os.Rename(guestDisk, snapGuest); err != nil {
			_ = os.Remove(containerDisk)
			_ = os.Rename(snapContainer, containerDisk)
			_ = os.RemoveAll(snapshotDir)
			return nil, boxerr.Wrap(boxerr.Storage, id, fmt.Errorf("move guest disk to snapshot: %w", err))
		}
		if err := disk.CreateCOWChild(ctx, snapGuest, "qcow2", guestDisk, guestVirtual); err != nil {
			_ = os.Remove(containerDisk)
			_ = os.Rename(snapContainer, containerDisk)
			_ = os.Rename(snapGuest, guestDisk)
			_ = os.RemoveAll(snapshotDir)
			return nil, err
		}
	}

	sizeBytes, err := dirSize(snapshotDir)
	if err != nil {
		sizeBytes = 0 // best-effort; do not fail the snapshot over a stat error
	}

	return &types.SnapshotInfo{
		ID:                    GenerateID(),
		BoxID:                 id,
		Name:                  name,
		CreatedAt:             time.Now(),
		Dir:                   snapshotDir,
		ContainerVirtualBytes: containerVirtual,
		GuestVirtualBytes:     guestVirtual,
		SizeBytes:             sizeBytes,
	}, nil
}

// SnapshotList returns every snapshot recorded for a box.
func (c *Controller) SnapshotList(ctx context.Context, ref string) ([]*types.SnapshotInfo, error) {
	id, err := c.resolveOne(ctx, ref)
	if err != nil {
		return nil, err
	}
	var result []*types.SnapshotInfo
	return result, c.store.With(ctx, func(idx *Index) error {
		for _, info := range idx.Snapshots[id] {
			result = append(result, info)
		}
		return nil
	})
}

// SnapshotGet returns a single named snapshot.
func (c *Controller) SnapshotGet(ctx context.Context, ref, name string) (*types.SnapshotInfo, error) {
	id, err := c.resolveOne(ctx, ref)
	if err != nil {
		return nil, err
	}
	var result *types.SnapshotInfo
	return result, c.store.With(ctx, func(idx *Index) error {
		info, ok := idx.Snapshots[id][name]
		if !ok {
			return boxerr.New(boxerr.NotFound, name, "snapshot %q not found for box %q", name, id)
		}
		result = info
		return nil
	})
}

// SnapshotRemove deletes a snapshot, rejecting removal while the box's
// current overlay still chains to it (the backing-file graph would break).
func (c *Controller) SnapshotRemove(ctx context.Context, ref, name string) error {
	id, err := c.resolveOne(ctx, ref)
	if err != nil {
		return err
	}
	if err := c.requireStopped(ctx, id); err != nil {
		return err
	}

	info, err := c.SnapshotGet(ctx, id, name)
	if err != nil {
		return err
	}

	snapContainer := c.conf.BoxSnapshotContainerDisk(id, name)
	containerDisk := c.conf.BoxContainerDisk(id)
	if utils.ValidFile(containerDisk) && utils.ValidFile(snapContainer) {
		backing, err := disk.ReadBackingPath(containerDisk)
		if err == nil && backing != "" {
			snapAbs, aErr := filepath.Abs(snapContainer)
			backingAbs, bErr := filepath.Abs(backing)
			if aErr == nil && bErr == nil && snapAbs == backingAbs {
				return boxerr.New(boxerr.InvalidState, id,
					"cannot remove snapshot %q: current disk depends on it; restore a different snapshot first", name)
			}
		}
	}

	if err := os.RemoveAll(info.Dir); err != nil {
		return boxerr.Wrap(boxerr.Storage, id, fmt.Errorf("remove snapshot directory: %w", err))
	}

	if err := c.store.Update(ctx, func(idx *Index) error {
		delete(idx.Snapshots[id], name)
		return nil
	}); err != nil {
		return err
	}
	boxlog.WithSnapshot("box.SnapshotRemove", id, name).Infof(ctx, "removed snapshot")
	return nil
}

// SnapshotRestore deletes the box's current overlays and re-creates them
// pointing at a snapshot's disks, per snapshot.rs's do_restore.
func (c *Controller) SnapshotRestore(ctx context.Context, ref, name string) error {
	id, err := c.resolveOne(ctx, ref)
	if err != nil {
		return err
	}
	if err := c.requireStopped(ctx, id); err != nil {
		return err
	}
	info, err := c.SnapshotGet(ctx, id, name)
	if err != nil {
		return err
	}

	if err := c.updateStatus(ctx, id, types.StatusRestoring); err != nil {
		return err
	}
	restoreErr := c.doSnapshotRestore(ctx, id, info)
	if sErr := c.updateStatus(ctx, id, types.StatusStopped); sErr != nil && restoreErr == nil {
		restoreErr = sErr
	}
	if restoreErr != nil {
		return restoreErr
	}
	boxlog.WithSnapshot("box.SnapshotRestore", id, name).Infof(ctx, "restored snapshot")
	return nil
}

func (c *Controller) doSnapshotRestore(ctx context.Context, id string, info *types.SnapshotInfo) error {
	containerDisk := c.conf.BoxContainerDisk(id)
	snapContainer := c.conf.BoxSnapshotContainerDisk(id, info.Name)
	if !utils.ValidFile(snapContainer) {
		return boxerr.New(boxerr.Storage, id, "snapshot container disk not found at %s", snapContainer)
	}
	if utils.ValidFile(containerDisk) {
		if err := os.Remove(containerDisk); err != nil {
			return boxerr.Wrap(boxerr.Storage, id, fmt.Errorf("remove current container disk: %w", err))
		}
	}
	if err := disk.CreateCOWChild(ctx, snapContainer, "qcow2", containerDisk, info.ContainerVirtualBytes); err != nil {
		return err
	}

	guestDisk := c.conf.BoxGuestRootfsDisk(id)
	snapGuest := c.conf.BoxSnapshotGuestRootfsDisk(id, info.Name)
	if utils.ValidFile(snapGuest) {
		if utils.ValidFile(guestDisk) {
			if err := os.Remove(guestDisk); err != nil {
				return boxerr.Wrap(boxerr.Storage, id, fmt.Errorf("remove current guest disk: %w", err))
			}
		}
		if err := disk.CreateCOWChild(ctx, snapGuest, "qcow2", guestDisk, info.GuestVirtualBytes); err != nil {
			return err
		}
	}
	return nil
}

// requireStopped rejects an operation unless the box is currently Stopped
// (every C11 entry point's precondition per spec.md §4.11).
func (c *Controller) requireStopped(ctx context.Context, id string) error {
	b, err := c.loadBox(ctx, id)
	if err != nil {
		return err
	}
	if b.State.Status != types.StatusStopped {
		return boxerr.New(boxerr.InvalidState, id, "box must be stopped for this operation (current status: %s)", b.State.Status)
	}
	return nil
}

func (c *Controller) checkSnapshotNameFree(ctx context.Context, id, name string) error {
	return c.store.With(ctx, func(idx *Index) error {
		if _, ok := idx.Snapshots[id][name]; ok {
			return boxerr.New(boxerr.AlreadyExists, name, "snapshot %q already exists for box %q", name, id)
		}
		return nil
	})
}

// dirSize sums the size of every regular file under dir, mirroring
// snapshot.rs's walkdir-based dir_size with the standard library's
// filepath.WalkDir (no pack example pulls in a walk-directory helper
// library, and this is a single bounded traversal, not a concern worth a
// dependency).
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
