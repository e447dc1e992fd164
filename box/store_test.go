package box

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxlite/boxlite/types"
)

func newIndex() *Index {
	idx := &Index{}
	idx.Init()
	return idx
}

func TestResolveRef(t *testing.T) {
	idx := newIndex()
	idx.Boxes["abc123def456"] = &types.Box{ID: "abc123def456"}
	idx.Boxes["abc999000111"] = &types.Box{ID: "abc999000111"}
	idx.Names["web"] = "abc123def456"

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{name: "exact id", ref: "abc123def456", want: "abc123def456"},
		{name: "name", ref: "web", want: "abc123def456"},
		{name: "unique prefix", ref: "abc123", want: "abc123def456"},
		{name: "ambiguous prefix", ref: "abc", wantErr: true},
		{name: "too short prefix not tried", ref: "ab", wantErr: true},
		{name: "unknown ref", ref: "nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveRef(idx, tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllocateAndFreeLockSlot(t *testing.T) {
	idx := newIndex()

	first := idx.AllocateLockSlot("box-a")
	second := idx.AllocateLockSlot("box-b")
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)

	idx.FreeLockSlot(first)
	third := idx.AllocateLockSlot("box-c")
	assert.Equal(t, 0, third, "freed slot should be reused before allocating a new one")
}

func TestCheckName(t *testing.T) {
	idx := newIndex()
	idx.Boxes["id-1"] = &types.Box{ID: "id-1"}
	idx.Names["taken"] = "id-1"

	assert.NoError(t, idx.CheckName(""))
	assert.NoError(t, idx.CheckName("free"))
	assert.Error(t, idx.CheckName("taken"))
}

func TestValidateConfig(t *testing.T) {
	base := types.BoxConfig{
		Name:       "ok",
		CPUs:       1,
		MemoryMiB:  512,
		Entrypoint: []string{"/bin/sh"},
		Rootfs:     types.RootfsSource{Image: "alpine:latest"},
	}

	t.Run("valid", func(t *testing.T) {
		cfg := base
		assert.NoError(t, ValidateConfig(&cfg))
	})

	t.Run("name with slash", func(t *testing.T) {
		cfg := base
		cfg.Name = "a/b"
		assert.Error(t, ValidateConfig(&cfg))
	})

	t.Run("zero cpus", func(t *testing.T) {
		cfg := base
		cfg.CPUs = 0
		assert.Error(t, ValidateConfig(&cfg))
	})

	t.Run("zero memory", func(t *testing.T) {
		cfg := base
		cfg.MemoryMiB = 0
		assert.Error(t, ValidateConfig(&cfg))
	})

	t.Run("no entrypoint or cmd", func(t *testing.T) {
		cfg := base
		cfg.Entrypoint = nil
		cfg.Cmd = nil
		assert.Error(t, ValidateConfig(&cfg))
	})

	t.Run("no rootfs source", func(t *testing.T) {
		cfg := base
		cfg.Rootfs = types.RootfsSource{}
		assert.Error(t, ValidateConfig(&cfg))
	})
}
