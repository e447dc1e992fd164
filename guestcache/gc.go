package guestcache

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/boxlite/boxlite/disk"
	"github.com/boxlite/boxlite/gc"
	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/lock"
	"github.com/boxlite/boxlite/utils"
)

// Snapshot is the guest-rootfs cache's GC view: every VersionKey currently
// on disk, the current guest-hash suffix, and the set of VersionKeys
// actually referenced by a live box's guest-rootfs overlay.
type Snapshot struct {
	VersionKeys   []string
	CurrentSuffix string
	Referenced    map[string]struct{}
}

// GCModule returns the GC module for the guest-rootfs cache (spec.md §4.3
// GC): an entry survives if it is referenced by some box's guest-rootfs
// overlay, or if its filename carries the current guest-hash suffix.
//
// "Referenced" is read straight off each box's guest-rootfs.qcow2 backing
// pointer via C1's disk.ReadBackingPath, not from the box index's persisted
// VersionKey field — mirroring guest_rootfs_manager.rs's gc_with_suffix,
// which scans box directories and reads each overlay's header directly.
// Trusting the store field instead would let GC act on stale bookkeeping:
// nothing currently re-derives VersionKey after a snapshot restore
// redirects an overlay's backing file.
func (c *Cache) GCModule(locker lock.Locker) gc.Module[Snapshot] {
	return gc.Module[Snapshot]{
		Name:   "guestcache",
		Locker: locker,
		ReadDB: func(_ context.Context) (Snapshot, error) {
			suffix, err := c.CurrentSuffix()
			if err != nil {
				suffix = "" // hash unavailable: conservatively keep everything this cycle
			}
			referenced, err := scanReferencedVersionKeys(c.conf.BoxesDir())
			if err != nil {
				return Snapshot{}, err
			}
			return Snapshot{
				VersionKeys:   utils.ScanFileStems(c.conf.RootfsCacheDir(), ".ext4"),
				CurrentSuffix: suffix,
				Referenced:    referenced,
			}, nil
		},
		Resolve: func(snap Snapshot, _ map[string]any) []string {
			if snap.CurrentSuffix == "" {
				return nil
			}
			var targets []string
			for _, vk := range snap.VersionKeys {
				if _, ok := snap.Referenced[vk]; ok {
					continue
				}
				if snap.CurrentSuffix != "" && strings.HasSuffix(vk, snap.CurrentSuffix) {
					continue
				}
				targets = append(targets, vk)
			}
			return targets
		},
		Collect: func(ctx context.Context, ids []string) error {
			if len(ids) == 0 {
				return nil
			}
			idSet := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				idSet[id] = struct{}{}
			}
			errs := utils.RemoveMatching(ctx, c.conf.RootfsCacheDir(), func(e os.DirEntry) bool {
				stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
				_, ok := idSet[stem]
				return ok
			})
			if len(errs) > 0 {
				return errs[0]
			}
			return nil
		},
	}
}

// scanReferencedVersionKeys lists every box directory under boxesDir and
// reads guest-rootfs.qcow2's backing-file pointer with disk.ReadBackingPath,
// returning the set of VersionKeys (backing file stems) in live use. A box
// directory with no guest-rootfs.qcow2 yet (still Configuring) or whose
// header can't be read is skipped rather than failing the whole scan, same
// as the original's per-entry warn-and-continue.
func scanReferencedVersionKeys(boxesDir string) (map[string]struct{}, error) {
	referenced := map[string]struct{}{}
	entries, err := os.ReadDir(boxesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return referenced, nil
		}
		return nil, boxerr.Wrap(boxerr.Storage, boxesDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		qcow2Path := filepath.Join(boxesDir, e.Name(), "guest-rootfs.qcow2")
		if !utils.ValidFile(qcow2Path) {
			continue
		}
		backing, err := disk.ReadBackingPath(qcow2Path)
		if err != nil || backing == "" {
			continue
		}
		stem := strings.TrimSuffix(filepath.Base(backing), filepath.Ext(backing))
		referenced[stem] = struct{}{}
	}
	return referenced, nil
}
