package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spaghettifunk/anima-resources/engine"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/systems"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configFile = `
name = "testbed"

[log]
level = "debug"

[jobs]
workers = 2

[archives]
io_timeout_ms = 2000

[[archives.mounts]]
name = "textures"

[[archives.mounts]]
name = "materials"
type = "FileSystem"
location = "content/materials"

[resources]
max_materials = 8
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParseConfigDefaults(t *testing.T) {
	c, err := engine.ParseConfig([]byte(configFile))
	require.NoError(t, err)

	assert.Equal(t, "testbed", c.Name)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, 2, c.Jobs.Workers)
	assert.Equal(t, int64(2000), c.Archives.IOTimeoutMS)
	assert.Equal(t, 4096, c.Archives.AccelerationCacheSize)
	require.Len(t, c.Archives.Mounts, 2)
	assert.Equal(t, engine.MountConfig{Name: "textures", Type: "FileSystem", Location: "textures"}, c.Archives.Mounts[0])
	assert.Equal(t, uint32(8), c.Resources.MaxMaterials)
	assert.Equal(t, uint32(1024), c.Resources.MaxTextures)
	assert.Equal(t, "plugins", c.Resources.PluginsPath)
	assert.Equal(t, uint32(systems.DefaultMaxTextureDimension), c.Resources.MaxTextureDimension)

	d := engine.DefaultConfig()
	assert.Equal(t, "anima", d.Name)
	assert.Empty(t, d.Archives.Mounts)
}

func TestParseConfigErrors(t *testing.T) {
	for name, data := range map[string]string{
		"syntax":     "name = ",
		"log level":  "[log]\nlevel = 'loud'",
		"workers":    "[jobs]\nworkers = -1",
		"no name":    "[[archives.mounts]]\ntype = 'Zip'",
		"duplicate":  "[[archives.mounts]]\nname = 'a'\n[[archives.mounts]]\nname = 'a'",
		"io timeout": "[archives]\nio_timeout_ms = -5",
	} {
		_, err := engine.ParseConfig([]byte(data))
		assert.ErrorIs(t, err, core.ErrInvalidParameter, name)
	}

	_, err := engine.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, core.ErrIO)
}

func TestEngineLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "anima.toml"), configFile)
	writeFile(t, filepath.Join(dir, "textures", "readme.txt"), "textures")
	writeFile(t, filepath.Join(dir, "content", "materials", "m1.toml"), "shininess = 4.0\n")

	config, err := engine.LoadConfig(filepath.Join(dir, "anima.toml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "content", "materials"), config.Archives.Mounts[1].Location)

	reg := prometheus.NewRegistry()
	e, err := engine.New(config, reg)
	require.NoError(t, err)
	require.NoError(t, e.Initialize(ctx))
	assert.Equal(t, engine.EngineStageInitialized, e.Stage())
	assert.ErrorIs(t, e.Initialize(ctx), core.ErrAlreadyInitialized)

	assert.Equal(t, []string{"materials", "textures"}, e.Archives().Mounts())

	data, err := e.Archives().Read(ctx, "readme.txt")
	require.NoError(t, err)
	assert.Equal(t, "textures", string(data))

	h, err := e.Systems().Materials().LoadMaterial(ctx, "m1", systems.MaterialDefault)
	require.NoError(t, err)
	assert.Equal(t, float32(4), h.Get().Properties.Shininess)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().Misses.WithLabelValues("materials")))

	require.NoError(t, e.Shutdown(ctx))
	assert.Equal(t, engine.EngineStageShutdown, e.Stage())
	assert.False(t, h.Get().IsLoaded())
	assert.Empty(t, e.Archives().Mounts())
	require.NoError(t, e.Shutdown(ctx))
}

func TestEngineInitializeUnknownArchiveType(t *testing.T) {
	ctx := context.Background()
	config := engine.DefaultConfig()
	config.Archives.Mounts = []engine.MountConfig{{Name: "packed", Type: "Tar", Location: t.TempDir()}}

	e, err := engine.New(config, nil)
	require.NoError(t, err)
	defer e.Shutdown(ctx)

	err = e.Initialize(ctx)
	assert.ErrorIs(t, err, core.ErrCreationFailed)
}
