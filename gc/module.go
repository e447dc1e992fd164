package gc

import (
	"context"

	"github.com/boxlite/boxlite/lock"
)

// Module describes one GC participant with a typed snapshot S. Components
// build a Module[S] literal (Name, Locker, ReadDB, Resolve, Collect) and
// pass it to Register; the Orchestrator only ever sees it through the
// unexported runner interface, so heterogeneous modules can share one
// []runner slice despite each having a distinct S.
type Module[S any] struct {
	Name string

	// Locker coordinates with the module's own mutating operations; TryLock
	// returning false means "busy, retry next cycle".
	Locker lock.Locker

	// ReadDB reads the module's current index state under lock.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve analyses this module's typed snapshot plus every other
	// module's snapshot (as any) and returns the IDs to delete. Called with
	// no lock held.
	Resolve func(snap S, others map[string]any) []string

	// Collect removes the given resource IDs under lock. Called even when
	// ids is empty so a module can run unconditional housekeeping (stale
	// temp-file sweep).
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	typed, ok := snap.(S)
	if !ok {
		return nil
	}
	return m.Resolve(typed, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
