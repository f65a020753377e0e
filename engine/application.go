package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/anima-resources/engine/archive"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/systems"
)

const (
	defaultApplicationName = "anima"
	defaultMaxCount        = 1024
	defaultMaxArchiveCount = 64
	defaultJobWorkers      = 4
	defaultJobQueueSize    = 256
)

type LogConfig struct {
	// One of debug, info, warn, error, fatal.
	Level string `toml:"level"`
}

type JobsConfig struct {
	Workers   int `toml:"workers"`
	QueueSize int `toml:"queue_size"`
	// Timeout of a job that does not set one. 0 disables it.
	TimeoutMS int64 `toml:"timeout_ms"`
}

type MountConfig struct {
	Name string `toml:"name"`
	Type string `toml:"type"`
	// Defaults to the mount name. Relative locations are resolved against
	// the directory of the configuration file.
	Location string `toml:"location"`
}

type ArchivesConfig struct {
	MaxCount              uint32        `toml:"max_count"`
	AccelerationCacheSize int           `toml:"acceleration_cache_size"`
	IOTimeoutMS           int64         `toml:"io_timeout_ms"`
	Watch                 bool          `toml:"watch"`
	Mounts                []MountConfig `toml:"mounts"`
}

type ResourcesConfig struct {
	MaxTextures         uint32 `toml:"max_textures"`
	MaxTextureDimension uint32 `toml:"max_texture_dimension"`
	MaxShaders          uint32 `toml:"max_shaders"`
	MaxPrograms         uint32 `toml:"max_programs"`
	MaxMaterials        uint32 `toml:"max_materials"`
	MaxConstBuffers     uint32 `toml:"max_const_buffers"`
	MaxModels           uint32 `toml:"max_models"`
	MaxDylibs           uint32 `toml:"max_dylibs"`
	PluginsPath         string `toml:"plugins_path"`
}

/** @brief Application configuration, usually read from a TOML file. */
type ApplicationConfig struct {
	// The application name used in logs.
	Name      string          `toml:"name"`
	Log       LogConfig       `toml:"log"`
	Jobs      JobsConfig      `toml:"jobs"`
	Archives  ArchivesConfig  `toml:"archives"`
	Resources ResourcesConfig `toml:"resources"`
}

// DefaultConfig returns a configuration without mounts.
func DefaultConfig() ApplicationConfig {
	var c ApplicationConfig
	c.applyDefaults()
	return c
}

// LoadConfig reads and validates the configuration file at path.
func LoadConfig(path string) (ApplicationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ApplicationConfig{}, fmt.Errorf("read config '%s': %w: %w", path, core.ErrIO, err)
	}
	c, err := ParseConfig(data)
	if err != nil {
		return ApplicationConfig{}, fmt.Errorf("config '%s': %w", path, err)
	}

	dir := filepath.Dir(path)
	for i := range c.Archives.Mounts {
		m := &c.Archives.Mounts[i]
		if !filepath.IsAbs(m.Location) {
			m.Location = filepath.Join(dir, m.Location)
		}
	}
	return c, nil
}

// ParseConfig decodes TOML data, fills in defaults and validates the result.
func ParseConfig(data []byte) (ApplicationConfig, error) {
	var c ApplicationConfig
	if err := toml.Unmarshal(data, &c); err != nil {
		return ApplicationConfig{}, fmt.Errorf("parse config: %w: %w", core.ErrInvalidParameter, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return ApplicationConfig{}, err
	}
	return c, nil
}

func (c *ApplicationConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = defaultApplicationName
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = defaultJobWorkers
	}
	if c.Jobs.QueueSize == 0 {
		c.Jobs.QueueSize = defaultJobQueueSize
	}
	if c.Archives.MaxCount == 0 {
		c.Archives.MaxCount = defaultMaxArchiveCount
	}
	if c.Archives.AccelerationCacheSize == 0 {
		c.Archives.AccelerationCacheSize = archive.DefaultAccelerationCacheSize
	}
	if c.Archives.IOTimeoutMS == 0 {
		c.Archives.IOTimeoutMS = archive.DefaultIOTimeout.Milliseconds()
	}
	for i := range c.Archives.Mounts {
		m := &c.Archives.Mounts[i]
		if m.Type == "" {
			m.Type = string(archive.TypeFileSystem)
		}
		if m.Location == "" {
			m.Location = m.Name
		}
	}

	r := &c.Resources
	for _, limit := range []*uint32{&r.MaxTextures, &r.MaxShaders, &r.MaxPrograms, &r.MaxMaterials, &r.MaxConstBuffers, &r.MaxModels, &r.MaxDylibs} {
		if *limit == 0 {
			*limit = defaultMaxCount
		}
	}
	if r.MaxTextureDimension == 0 {
		r.MaxTextureDimension = systems.DefaultMaxTextureDimension
	}
	if r.PluginsPath == "" {
		r.PluginsPath = "plugins"
	}
}

func (c *ApplicationConfig) Validate() error {
	if _, err := core.ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level '%s': %w", c.Log.Level, core.ErrInvalidParameter)
	}
	if c.Jobs.Workers < 0 || c.Jobs.QueueSize < 0 || c.Jobs.TimeoutMS < 0 {
		return fmt.Errorf("jobs: workers, queue_size and timeout_ms must not be negative: %w", core.ErrInvalidParameter)
	}
	if c.Archives.AccelerationCacheSize < 0 || c.Archives.IOTimeoutMS < 0 {
		return fmt.Errorf("archives: acceleration_cache_size and io_timeout_ms must not be negative: %w", core.ErrInvalidParameter)
	}

	seen := make(map[string]struct{}, len(c.Archives.Mounts))
	for i, m := range c.Archives.Mounts {
		if m.Name == "" {
			return fmt.Errorf("archives.mounts[%d]: missing name: %w", i, core.ErrInvalidParameter)
		}
		if _, ok := seen[m.Name]; ok {
			return fmt.Errorf("archives.mounts[%d]: mount '%s' declared twice: %w", i, m.Name, core.ErrInvalidParameter)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

func (c *ApplicationConfig) archiveManagerConfig(metrics *core.CacheMetrics) archive.ArchiveManagerConfig {
	return archive.ArchiveManagerConfig{
		MaxArchiveCount:       c.Archives.MaxCount,
		AccelerationCacheSize: c.Archives.AccelerationCacheSize,
		IOTimeout:             time.Duration(c.Archives.IOTimeoutMS) * time.Millisecond,
		Watch:                 c.Archives.Watch,
		Metrics:               metrics,
	}
}

func (c *ApplicationConfig) systemManagerConfig() systems.SystemManagerConfig {
	r := c.Resources
	return systems.SystemManagerConfig{
		Textures:     systems.TextureManagerConfig{MaxTextureCount: r.MaxTextures, MaxTextureDimension: r.MaxTextureDimension},
		Shaders:      systems.ShaderManagerConfig{MaxShaderCount: r.MaxShaders},
		Programs:     systems.GPUProgramManagerConfig{MaxProgramCount: r.MaxPrograms},
		Materials:    systems.MaterialManagerConfig{MaxMaterialCount: r.MaxMaterials},
		ConstBuffers: systems.GPUConstBufferManagerConfig{MaxBufferCount: r.MaxConstBuffers},
		Models:       systems.ModelManagerConfig{MaxModelCount: r.MaxModels},
		Dylibs:       systems.DylibManagerConfig{MaxDylibCount: r.MaxDylibs, PluginsPath: r.PluginsPath},
	}
}
