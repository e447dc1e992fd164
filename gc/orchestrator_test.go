package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// alwaysLocker is a no-op lock.Locker that never contends, used to exercise
// Orchestrator.Run without pulling in a real flock-backed locker.
type alwaysLocker struct {
	tryLockOK bool
}

func (l *alwaysLocker) Lock(context.Context) error { return nil }
func (l *alwaysLocker) Unlock(context.Context) error { return nil }
func (l *alwaysLocker) TryLock(context.Context) (bool, error) { return l.tryLockOK, nil }

func TestOrchestratorRunResolvesAcrossModules(t *testing.T) {
	o := New()

	var usedCollected []string
	Register(o, Module[[]string]{
		Name:   "used",
		Locker: &alwaysLocker{tryLockOK: true},
		ReadDB: func(context.Context) ([]string, error) {
			return []string{"ref-a"}, nil
		},
		Resolve: func([]string, map[string]any) []string { return nil },
		Collect: func(_ context.Context, ids []string) error {
			usedCollected = ids
			return nil
		},
	})

	var blobCollected []string
	Register(o, Module[[]string]{
		Name:   "blobs",
		Locker: &alwaysLocker{tryLockOK: true},
		ReadDB: func(context.Context) ([]string, error) {
			return []string{"ref-a", "ref-orphan"}, nil
		},
		Resolve: func(snap []string, others map[string]any) []string {
			used, _ := others["used"].([]string)
			referenced := make(map[string]bool, len(used))
			for _, id := range used {
				referenced[id] = true
			}
			var orphans []string
			for _, id := range snap {
				if !referenced[id] {
					orphans = append(orphans, id)
				}
			}
			return orphans
		},
		Collect: func(_ context.Context, ids []string) error {
			blobCollected = ids
			return nil
		},
	})

	require.NoError(t, o.Run(context.Background()))
	assert.Nil(t, usedCollected, "module with no resolved targets still runs Collect(nil)")
	assert.Equal(t, []string{"ref-orphan"}, blobCollected)
}

func TestOrchestratorRunSkipsBusyModules(t *testing.T) {
	o := New()

	collected := false
	Register(o, Module[[]string]{
		Name:   "busy",
		Locker: &alwaysLocker{tryLockOK: false},
		ReadDB: func(context.Context) ([]string, error) { return []string{"x"}, nil },
		Resolve: func([]string, map[string]any) []string { return []string{"x"} },
		Collect: func(context.Context, []string) error {
			collected = true
			return nil
		},
	})

	require.NoError(t, o.Run(context.Background()))
	assert.False(t, collected, "a module whose lock is busy must be skipped entirely")
}

func TestOrchestratorRunAggregatesCollectErrors(t *testing.T) {
	o := New()

	Register(o, Module[[]string]{
		Name:    "failing",
		Locker:  &alwaysLocker{tryLockOK: true},
		ReadDB:  func(context.Context) ([]string, error) { return []string{}, nil },
		Resolve: func([]string, map[string]any) []string { return nil },
		Collect: func(context.Context, []string) error {
			return assert.AnError
		},
	})

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")
}
