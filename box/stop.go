package box

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/internal/boxlog"
	"github.com/boxlite/boxlite/types"
	"github.com/boxlite/boxlite/utils"
)

// terminateGracePeriod is the SIGTERM→SIGKILL window, mirroring
// cloudhypervisor's terminateGracePeriod constant.
const terminateGracePeriod = 5 * time.Second

// Stop requests a graceful shutdown of a running box's shim: the shim's own
// SIGTERM handler (C7) is responsible for asking the guest to shut down via
// RPC before re-raising SIGTERM on itself, so the host side only needs to
// signal once and wait — unlike cloudhypervisor.Stop, which must choose
// between ACPI and a direct vm.shutdown API call because it owns the VMM
// boundary directly.
func (c *Controller) Stop(ctx context.Context, ref string) (*types.Box, error) {
	id, err := c.resolveOne(ctx, ref)
	if err != nil {
		return nil, err
	}
	b, err := c.loadBox(ctx, id)
	if err != nil {
		return nil, err
	}

	if !utils.IsProcessAlive(b.State.ShimPID) {
		return c.finishStop(ctx, id)
	}

	if err := c.updateStatus(ctx, id, types.StatusStopping); err != nil {
		return nil, err
	}

	if err := utils.TerminateProcess(ctx, b.State.ShimPID, terminateGracePeriod); err != nil {
		boxlog.WithBox("box.Stop", id).Warnf(ctx, "terminate shim: %v", err)
	}

	return c.finishStop(ctx, id)
}

// finishStop reads the shim's exit file (if present), persists Stopped with
// the recovered ExitInfo, cleans up runtime files, and — per spec.md I6/P7
// — removes the box exactly once if it was configured with auto_remove.
func (c *Controller) finishStop(ctx context.Context, id string) (*types.Box, error) {
	exitInfo := readExitFile(c.conf.BoxExitFile(id))
	c.cleanupRuntimeFiles(id)

	now := time.Now()
	var autoRemove bool
	if err := c.store.Update(ctx, func(idx *Index) error {
		rec := idx.Boxes[id]
		if rec == nil {
			return boxerr.New(boxerr.NotFound, id, "box %q not found", id)
		}
		rec.State.Status = types.StatusStopped
		rec.State.UpdatedAt = now
		rec.State.StoppedAt = &now
		if exitInfo != nil {
			rec.State.LastExit = exitInfo
		}
		autoRemove = rec.Config.AutoRemove
		return nil
	}); err != nil {
		return nil, err
	}

	if autoRemove {
		if err := c.Remove(ctx, id, false); err != nil {
			boxlog.WithBox("box.Stop", id).Warnf(ctx, "auto-remove: %v", err)
		}
		return nil, nil
	}
	return c.loadBoxPtr(ctx, id)
}

// readExitFile best-effort reads the shim's terminal exit document. A
// missing or unparsable file (shim killed before it could write one) is not
// an error — the caller treats a nil result as "no exit info available".
func readExitFile(path string) *types.ExitInfo {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil
	}
	var info types.ExitInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

func (c *Controller) loadBoxPtr(ctx context.Context, id string) (*types.Box, error) {
	b, err := c.loadBox(ctx, id)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Remove deletes a box's record and home directory. A running box is
// rejected unless force is true, in which case it is stopped first —
// mirroring cloudhypervisor.Delete.
func (c *Controller) Remove(ctx context.Context, ref string, force bool) error {
	id, err := c.resolveOne(ctx, ref)
	if err != nil {
		return err
	}
	b, err := c.loadBox(ctx, id)
	if err != nil {
		return err
	}

	if utils.IsProcessAlive(b.State.ShimPID) {
		if !force {
			return boxerr.New(boxerr.InvalidState, id, "box is running (force required)")
		}
		if _, err := c.Stop(ctx, id); err != nil {
			return boxerr.Wrap(boxerr.Internal, id, err)
		}
	}

	if err := c.store.Update(ctx, func(idx *Index) error {
		rec := idx.Boxes[id]
		if rec == nil {
			return boxerr.New(boxerr.NotFound, id, "box %q not found", id)
		}
		idx.FreeLockSlot(rec.State.LockSlot)
		if rec.Config.Name != "" {
			delete(idx.Names, rec.Config.Name)
		}
		delete(idx.Boxes, id)
		return nil
	}); err != nil {
		return err
	}
	return os.RemoveAll(c.conf.BoxDir(id))
}
