package json

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDB struct {
	Items map[string]string `json:"items"`
}

func (d *testDB) Init() {
	if d.Items == nil {
		d.Items = make(map[string]string)
	}
}

func newTestStore(t *testing.T) *Store[testDB] {
	t.Helper()
	dir := t.TempDir()
	return New[testDB](filepath.Join(dir, ".lock"), filepath.Join(dir, "db.json"))
}

func TestStoreWithInitsOnMissingFile(t *testing.T) {
	s := newTestStore(t)

	var seen map[string]string
	err := s.With(context.Background(), func(db *testDB) error {
		seen = db.Items
		return nil
	})
	require.NoError(t, err)
	assert.NotNil(t, seen, "Init() should run even when the file does not exist yet")
}

func TestStoreUpdatePersistsAcrossOpens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(db *testDB) error {
		db.Items["a"] = "1"
		return nil
	})
	require.NoError(t, err)

	err = s.With(ctx, func(db *testDB) error {
		assert.Equal(t, "1", db.Items["a"])
		return nil
	})
	require.NoError(t, err)
}

func TestStoreUpdateDoesNotPersistOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(db *testDB) error {
		db.Items["a"] = "1"
		return nil
	}))

	wantErr := assert.AnError
	err := s.Update(ctx, func(db *testDB) error {
		db.Items["a"] = "2"
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	err = s.With(ctx, func(db *testDB) error {
		assert.Equal(t, "1", db.Items["a"], "rejecting fn's error must not write the mutated value")
		return nil
	})
	require.NoError(t, err)
}
