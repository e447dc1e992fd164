package flock

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTryLockExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	l := New(path)

	ok, err := l.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	// A second instance over the same path must see the lock as busy.
	other := New(path)
	ok, err = other.TryLock(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "a lock already held should refuse a second TryLock")

	require.NoError(t, l.Unlock(context.Background()))

	ok, err = other.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "releasing the first lock must let another acquire it")
	require.NoError(t, other.Unlock(context.Background()))
}

func TestLockRespectsContextCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	l := New(path)
	require.NoError(t, l.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	other := New(path)
	err := other.Lock(ctx)
	assert.Error(t, err, "Lock must respect context cancellation while waiting")

	require.NoError(t, l.Unlock(context.Background()))
}
