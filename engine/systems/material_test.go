package systems_test

import (
	"context"
	"testing"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/systems"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const materialFile = `
program = "lit"
diffuse_colour = [1.0, 0.5, 0.25, 1.0]
shininess = 32.0

[[shaders]]
stage = 0
name = "lit.vert"

[[shaders]]
stage = 2
name = "lit.frag"

[maps]
diffuse = "textures/wall.png"
`

func materialAssets(t *testing.T) map[string][]byte {
	return map[string][]byte{
		"m1.toml":           []byte(materialFile),
		"broken.toml":       []byte("program = [unterminated"),
		"lit.vert":          []byte("void main() { gl_Position = vec4(0); }"),
		"lit.frag":          []byte("void main() {}"),
		"textures/wall.png": encodePNG(t, 8, 2),
	}
}

func TestMaterialRefcount(t *testing.T) {
	ctx := context.Background()
	mm := newSystems(t, materialAssets(t)).Materials()

	h1, err := mm.LoadMaterial(ctx, "m1", systems.MaterialDefault)
	require.NoError(t, err)
	h2, err := mm.LoadMaterial(ctx, "m1", systems.MaterialDefault)
	require.NoError(t, err)
	assert.Same(t, h1.Get(), h2.Get())
	assert.Equal(t, uint32(2), h1.Get().ReferCount())

	require.NoError(t, mm.UnloadMaterial(ctx, h1))
	m, ok := mm.GetMaterial("m1")
	require.True(t, ok)
	assert.Equal(t, uint32(1), m.ReferCount())

	require.NoError(t, mm.UnloadMaterial(ctx, h2))
	_, ok = mm.GetMaterial("m1")
	assert.False(t, ok)
}

func TestMaterialProperties(t *testing.T) {
	ctx := context.Background()
	sm := newSystems(t, materialAssets(t))

	h, err := sm.Materials().LoadMaterial(ctx, "m1", systems.MaterialDefault)
	require.NoError(t, err)
	m := h.Get()

	assert.Equal(t, systems.MaterialDefault, m.MaterialType())
	assert.Equal(t, [4]float32{1, 0.5, 0.25, 1}, m.Properties.DiffuseColour)
	assert.Equal(t, float32(32), m.Properties.Shininess)

	program, ok := m.Program()
	require.True(t, ok)
	assert.Equal(t, "lit", program.Name())
	require.Len(t, program.Shaders(), 2)
	vert, ok := program.Shader(systems.ShaderStageVertex)
	require.True(t, ok)
	assert.Equal(t, "lit.vert", vert.Name())

	diffuse, ok := m.Map("diffuse")
	require.True(t, ok)
	assert.Equal(t, uint32(8), diffuse.Width)
	assert.Equal(t, uint32(2), diffuse.Height)

	require.NoError(t, h.Release(ctx))
	assert.Zero(t, sm.Programs().Len())
	assert.Zero(t, sm.Shaders().Len())
	assert.Zero(t, sm.Textures().Len())
}

func TestMaterialClone(t *testing.T) {
	ctx := context.Background()
	sm := newSystems(t, materialAssets(t))
	mm := sm.Materials()

	h, err := mm.LoadMaterial(ctx, "m1", systems.MaterialDefault)
	require.NoError(t, err)
	original := h.Get()

	clone, err := mm.CloneMaterial(ctx, original)
	require.NoError(t, err)
	c := clone.Get()
	assert.True(t, c.IsCloned())
	assert.NotEqual(t, core.InvalidID, c.CloneID())
	assert.Equal(t, original.ID(), c.ID())
	assert.Equal(t, uint32(1), original.ReferCount())

	c.Properties.Shininess = 1
	assert.Equal(t, float32(32), original.Properties.Shininess)

	program, ok := sm.Programs().GetGPUProgram("lit")
	require.True(t, ok)
	assert.Equal(t, uint32(2), program.ReferCount())

	got, ok := mm.GetClone("m1", c.CloneID())
	require.True(t, ok)
	assert.Same(t, c, got)

	require.NoError(t, clone.Release(ctx))
	assert.Equal(t, uint32(1), original.ReferCount())
	assert.Equal(t, uint32(1), program.ReferCount())
	_, ok = mm.GetClone("m1", c.CloneID())
	assert.False(t, ok)
}

func TestManualMaterial(t *testing.T) {
	ctx := context.Background()
	mm := newSystems(t, nil).Materials()

	h, err := mm.LoadMaterial(ctx, "runtime", systems.MaterialManual)
	require.NoError(t, err)
	assert.True(t, h.Get().IsLoaded())
	_, ok := h.Get().Program()
	assert.False(t, ok)

	_, err = mm.LoadMaterial(ctx, "odd", systems.MaterialType(42))
	assert.ErrorIs(t, err, core.ErrCreationFailed)
	assert.ErrorIs(t, err, core.ErrInvalidParameter)
}

func TestMaterialLoadFailures(t *testing.T) {
	ctx := context.Background()
	sm := newSystems(t, materialAssets(t))

	_, err := sm.Materials().LoadMaterial(ctx, "missing", systems.MaterialDefault)
	assert.ErrorIs(t, err, core.ErrLoadFailed)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = sm.Materials().LoadMaterial(ctx, "broken", systems.MaterialDefault)
	assert.ErrorIs(t, err, core.ErrLoadFailed)

	assert.Zero(t, sm.Materials().Len())
	assert.Zero(t, sm.Programs().Len())
}
