package box

import (
	"context"
	"fmt"
	"time"

	"github.com/boxlite/boxlite/config"
	"github.com/boxlite/boxlite/disk"
	"github.com/boxlite/boxlite/engine"
	"github.com/boxlite/boxlite/guestcache"
	"github.com/boxlite/boxlite/imagecache"
	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/lock"
	"github.com/boxlite/boxlite/lock/flock"
	storejson "github.com/boxlite/boxlite/storage/json"
	"github.com/boxlite/boxlite/types"
)

// Controller implements the lifecycle controller (C10), generalized from
// cocoon's CloudHypervisor{conf, store, locker} shape: one state store
// (the box index), one runtime-home lock, and the caches/engines it wires
// box operations through.
type Controller struct {
	conf   *config.Config
	store  *storejson.Store[Index]
	locker lock.Locker

	images *imagecache.Cache
	guests *guestcache.Cache
}

// New creates a Controller, mirroring cloudhypervisor.New's
// EnsureDirs-then-construct-store sequencing.
func New(conf *config.Config, guestBinary string) (*Controller, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, boxerr.Wrap(boxerr.Config, "box", fmt.Errorf("ensure runtime dirs: %w", err))
	}
	disk.SetBinary(conf.QemuImgBinary)
	locker := flock.New(conf.RuntimeLockFile())
	store := storejson.New[Index](conf.RuntimeLockFile(), conf.BoxIndexFile())

	images, err := imagecache.New(conf)
	if err != nil {
		return nil, err
	}
	guests := guestcache.New(conf, guestBinary)

	return &Controller{
		conf:   conf,
		store:  store,
		locker: locker,
		images: images,
		guests: guests,
	}, nil
}

// Inspect returns the Box record for a single ref (ID, name, or prefix).
func (c *Controller) Inspect(ctx context.Context, ref string) (*types.Box, error) {
	var result *types.Box
	return result, c.store.With(ctx, func(idx *Index) error {
		id, err := ResolveRef(idx, ref)
		if err != nil {
			return err
		}
		b := *idx.Boxes[id] // value copy, detached from the DB record
		result = &b
		return nil
	})
}

// List returns every known Box record.
func (c *Controller) List(ctx context.Context) ([]*types.Box, error) {
	var result []*types.Box
	return result, c.store.With(ctx, func(idx *Index) error {
		for _, rec := range idx.Boxes {
			if rec == nil {
				continue
			}
			b := *rec
			result = append(result, &b)
		}
		return nil
	})
}

// resolveRefs batch-resolves user-supplied references to exact box IDs
// under a single lock, mirroring cloudhypervisor.resolveRefs.
func (c *Controller) resolveRefs(ctx context.Context, refs []string) ([]string, error) {
	var ids []string
	return ids, c.store.With(ctx, func(idx *Index) error {
		for _, ref := range refs {
			id, err := ResolveRef(idx, ref)
			if err != nil {
				return boxerr.Wrap(boxerr.NotFound, ref, fmt.Errorf("resolve %q: %w", ref, err))
			}
			ids = append(ids, id)
		}
		return nil
	})
}

// loadBox reads a single box record from the index under lock.
func (c *Controller) loadBox(ctx context.Context, id string) (types.Box, error) {
	var b types.Box
	return b, c.store.With(ctx, func(idx *Index) error {
		rec := idx.Boxes[id]
		if rec == nil {
			return boxerr.New(boxerr.NotFound, id, "box %q not found", id)
		}
		b = *rec
		return nil
	})
}

// updateStatus atomically transitions a box to a new status.
func (c *Controller) updateStatus(ctx context.Context, id string, status types.BoxStatus) error {
	now := time.Now()
	return c.store.Update(ctx, func(idx *Index) error {
		rec := idx.Boxes[id]
		if rec == nil {
			return boxerr.New(boxerr.NotFound, id, "box %q not found", id)
		}
		rec.State.Status = status
		rec.State.UpdatedAt = now
		switch status {
		case types.StatusRunning:
			rec.State.StartedAt = &now
		case types.StatusStopped:
			rec.State.StoppedAt = &now
		}
		return nil
	})
}

// engineFor resolves the registered VMM engine for a box's configured kind.
func engineFor(kind types.EngineKind) (engine.Engine, error) {
	return engine.Get(kind)
}
