package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxlite/boxlite/engine"
	"github.com/boxlite/boxlite/types"
)

func TestMockEngineRegistersItself(t *testing.T) {
	e, err := engine.Get(types.EngineMock)
	require.NoError(t, err)
	assert.Equal(t, types.EngineMock, e.Kind())
}

func TestMockEngineCreateRejectsEmptyEntrypoint(t *testing.T) {
	e, err := engine.Get(types.EngineMock)
	require.NoError(t, err)

	_, err = e.Create(context.Background(), &types.InstanceSpec{BoxID: "b1"})
	assert.Error(t, err)
}

func TestMockEngineRunsEntrypointToCompletion(t *testing.T) {
	e, err := engine.Get(types.EngineMock)
	require.NoError(t, err)

	spec := &types.InstanceSpec{
		BoxID:      "b1",
		HomeDir:    t.TempDir(),
		Entrypoint: []string{"/bin/sh", "-c", "exit 0"},
	}
	inst, err := e.Create(context.Background(), spec)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, inst.Enter(ctx))
}

func TestMockEngineSurfacesNonZeroExit(t *testing.T) {
	e, err := engine.Get(types.EngineMock)
	require.NoError(t, err)

	spec := &types.InstanceSpec{
		BoxID:      "b1",
		HomeDir:    t.TempDir(),
		Entrypoint: []string{"/bin/sh", "-c", "exit 7"},
	}
	inst, err := e.Create(context.Background(), spec)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = inst.Enter(ctx)
	assert.Error(t, err)
}
