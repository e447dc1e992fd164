package box

import (
	"context"

	"github.com/boxlite/boxlite/gc"
	"github.com/boxlite/boxlite/imagecache"
)

// ModuleName is the GC module name the box index registers under; the
// image-disk cache looks this key up in the orchestrator's cross-module
// snapshot map to learn which image digests are live.
const ModuleName = "box"

// Snapshot is the box index's GC view: every image digest currently
// referenced by a live box, used by imagecache.GCModule to compute its
// unreferenced set. The guest-rootfs cache does not consult this snapshot —
// guestcache.Cache.GCModule reads each box's live guest-rootfs.qcow2 backing
// pointer directly instead of trusting a persisted field (see
// guestcache/gc.go).
type Snapshot struct {
	ImageDigests map[string]struct{}
}

// UsedImageDigests implements imagecache.BoxSnapshotView.
func (s Snapshot) UsedImageDigests() []string { return keys(s.ImageDigests) }

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// GCModule returns the box index's own GC participation: it contributes a
// cross-module snapshot of live image digests and, as housekeeping,
// has no entries of its own to collect — box removal is driven by the
// lifecycle controller's remove() operation, not GC.
func (c *Controller) GCModule() gc.Module[Snapshot] {
	return gc.Module[Snapshot]{
		Name:   ModuleName,
		Locker: c.locker,
		ReadDB: func(ctx context.Context) (Snapshot, error) {
			snap := Snapshot{ImageDigests: map[string]struct{}{}}
			err := c.store.With(ctx, func(idx *Index) error {
				for _, b := range idx.Boxes {
					if b == nil {
						continue
					}
					if b.ImageDigest != "" {
						snap.ImageDigests[b.ImageDigest] = struct{}{}
					}
				}
				return nil
			})
			return snap, err
		},
		Resolve: func(_ Snapshot, _ map[string]any) []string { return nil },
		Collect: func(_ context.Context, _ []string) error { return nil },
	}
}

// RunGC runs one GC cycle across the box index and both disk caches,
// mirroring cocoon's cmdothers.Handler.GC (RegisterGC on every backend,
// then a single orchestrator.Run).
func (c *Controller) RunGC(ctx context.Context) error {
	o := gc.New()
	gc.Register(o, c.GCModule())
	gc.Register(o, imagecache.GCModule(c.conf, c.locker, ModuleName))
	gc.Register(o, c.guests.GCModule(c.locker))
	return o.Run(ctx)
}
