package box

import (
	"context"

	"github.com/boxlite/boxlite/internal/boxlog"
	"github.com/boxlite/boxlite/types"
	"github.com/boxlite/boxlite/utils"
)

// Recover reconciles persisted state against reality at runtime startup
// (spec.md §7 "Propagation policy": "Crash recovery on startup reconciles
// persisted Running entries whose shim pid is no longer alive back to
// Stopped with the exit file's contents... Auto-remove is applied after
// reconciliation.") — generalized from cocoon's pattern of re-deriving live
// state from PID files on every Inspect/List call into an explicit one-shot
// startup pass, since a box's shim owning its own VMM means staleness can
// only be detected by checking the shim PID, not by querying a hypervisor
// API for VM state.
//
// Recover never fails the caller on a per-box reconciliation error; it logs
// and continues so one corrupt record cannot block the rest of the fleet
// from recovering.
func (c *Controller) Recover(ctx context.Context) error {
	logger := boxlog.WithFunc("box.Recover")

	boxes, err := c.List(ctx)
	if err != nil {
		return err
	}

	for _, b := range boxes {
		if b.State.Status != types.StatusRunning && b.State.Status != types.StatusStopping {
			continue
		}
		if b.State.ShimPID > 0 && utils.IsProcessAlive(b.State.ShimPID) {
			continue
		}
		logger.Warnf(ctx, "box %s was %s but shim pid %d is gone, reconciling to stopped", b.ID, b.State.Status, b.State.ShimPID)
		if _, err := c.finishStop(ctx, b.ID); err != nil {
			logger.Errorf(ctx, "reconcile box %s: %v", b.ID, err)
		}
	}
	return nil
}
