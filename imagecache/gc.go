package imagecache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boxlite/boxlite/config"
	"github.com/boxlite/boxlite/gc"
	"github.com/boxlite/boxlite/lock"
	"github.com/boxlite/boxlite/utils"
)

// Snapshot is the image-disk cache's GC view: every digest currently on
// disk. There is no separate index file — the cache directory itself is
// the database (spec.md §4.2), so ReadDB is a directory scan.
type Snapshot struct {
	Digests []string
}

// GCModule returns the GC module for the image-disk cache: it cleans stale
// temp-build leftovers unconditionally, then removes ext4 entries whose
// digest is not in the "used" set the box module's snapshot contributes
// (cross-module Resolve, spec.md §4.2 "Thread-safety ... the lifecycle
// controller serializes calls for the same digest").
func GCModule(conf *config.Config, locker lock.Locker, boxModuleName string) gc.Module[Snapshot] {
	return gc.Module[Snapshot]{
		Name:   "imagecache",
		Locker: locker,
		ReadDB: func(_ context.Context) (Snapshot, error) {
			return Snapshot{Digests: utils.ScanFileStems(conf.ImageDiskDir(), ".ext4")}, nil
		},
		Resolve: func(snap Snapshot, others map[string]any) []string {
			used := usedImageDigests(others, boxModuleName)
			refs := make(map[string]struct{}, len(used))
			for _, d := range used {
				refs[d] = struct{}{}
			}
			return utils.FilterUnreferenced(snap.Digests, refs)
		},
		Collect: func(ctx context.Context, ids []string) error {
			cutoff := time.Now().Add(-utils.StaleTempAge)
			_ = utils.RemoveMatching(ctx, conf.TempDir(), func(e os.DirEntry) bool {
				info, err := e.Info()
				return err == nil && strings.HasPrefix(e.Name(), ".imagecache-") && info.ModTime().Before(cutoff)
			})
			if len(ids) == 0 {
				return nil
			}
			idSet := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				idSet[id] = struct{}{}
			}
			errs := utils.RemoveMatching(ctx, conf.ImageDiskDir(), func(e os.DirEntry) bool {
				stem := e.Name()[:len(e.Name())-len(filepath.Ext(e.Name()))]
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

// BoxSnapshotView is implemented by the box package's GC snapshot type so
// imagecache can extract "used digests" without importing box
// (which would create an import cycle, since box imports imagecache).
type BoxSnapshotView interface {
	UsedImageDigests() []string
}

func usedImageDigests(others map[string]any, boxModuleName string) []string {
	v, ok := others[boxModuleName]
	if !ok {
		return nil
	}
	view, ok := v.(BoxSnapshotView)
	if !ok {
		return nil
	}
	return view.UsedImageDigests()
}
