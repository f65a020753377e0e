package systems_test

import (
	"context"
	"testing"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/systems"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shaderAssets() map[string][]byte {
	return map[string][]byte{
		"a.vert":  []byte("void main() {}"),
		"b.vert":  []byte("void main() { }"),
		"a.frag":  []byte("void main() {}"),
		"empty.v": []byte("   \n"),
	}
}

func TestGPUProgramAddShader(t *testing.T) {
	ctx := context.Background()
	sm := newSystems(t, shaderAssets())

	ph, err := sm.Programs().LoadGPUProgram(ctx, "basic")
	require.NoError(t, err)
	program := ph.Get()
	assert.Empty(t, program.Shaders())

	vert, err := sm.Shaders().LoadShader(ctx, "a.vert", systems.ShaderStageVertex)
	require.NoError(t, err)
	require.NoError(t, program.AddShader(ctx, vert))

	frag, err := sm.Shaders().LoadShader(ctx, "a.frag", systems.ShaderStageFragment)
	require.NoError(t, err)
	require.NoError(t, program.AddShader(ctx, frag))

	other, err := sm.Shaders().LoadShader(ctx, "b.vert", systems.ShaderStageVertex)
	require.NoError(t, err)
	assert.ErrorIs(t, program.AddShader(ctx, other), core.ErrDuplicatedItem)
	_, ok := sm.Shaders().GetShader("b.vert")
	assert.False(t, ok)

	assert.ErrorIs(t, program.AddShader(ctx, nil), core.ErrInvalidParameter)

	shaders := program.Shaders()
	require.Len(t, shaders, 2)
	assert.Equal(t, systems.ShaderStageVertex, shaders[0].Stage)
	assert.Equal(t, systems.ShaderStageFragment, shaders[1].Stage)
	assert.Equal(t, "void main() {}", string(shaders[0].Source))

	require.NoError(t, sm.Programs().UnloadGPUProgram(ctx, ph))
	assert.Zero(t, sm.Shaders().Len())
}

func TestGPUProgramClone(t *testing.T) {
	ctx := context.Background()
	sm := newSystems(t, shaderAssets())

	ph, err := sm.Programs().LoadGPUProgramWith(ctx, "basic",
		systems.ShaderSource{Stage: systems.ShaderStageVertex, Name: "a.vert"},
		systems.ShaderSource{Stage: systems.ShaderStageFragment, Name: "a.frag"})
	require.NoError(t, err)

	clone, err := sm.Programs().Clone(ctx, ph.Get())
	require.NoError(t, err)
	require.Len(t, clone.Get().Shaders(), 2)

	vert, ok := sm.Shaders().GetShader("a.vert")
	require.True(t, ok)
	assert.Equal(t, uint32(2), vert.ReferCount())

	require.NoError(t, ph.Release(ctx))
	assert.Equal(t, uint32(1), vert.ReferCount())
	require.NoError(t, clone.Release(ctx))
	assert.Zero(t, sm.Shaders().Len())
}

func TestShaderLoadFailures(t *testing.T) {
	ctx := context.Background()
	sm := newSystems(t, shaderAssets())

	_, err := sm.Shaders().LoadShader(ctx, "empty.v", systems.ShaderStageVertex)
	assert.ErrorIs(t, err, core.ErrLoadFailed)

	_, err = sm.Shaders().LoadShader(ctx, "a.vert", systems.ShaderStage(99))
	assert.ErrorIs(t, err, core.ErrCreationFailed)

	_, err = sm.Programs().LoadGPUProgramWith(ctx, "broken",
		systems.ShaderSource{Stage: systems.ShaderStageVertex, Name: "a.vert"},
		systems.ShaderSource{Stage: systems.ShaderStageFragment, Name: "missing.frag"})
	assert.ErrorIs(t, err, core.ErrLoadFailed)
	assert.Zero(t, sm.Programs().Len())
	assert.Zero(t, sm.Shaders().Len())
}
