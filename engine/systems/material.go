package systems

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/anima-resources/engine/archive"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
)

/** @brief The name of the default material. */
const DefaultMaterialName string = "default"

/** @brief Extension appended to material names without one. */
const MaterialFileExtension = ".toml"

type MaterialType int

const (
	/** @brief Properties come from a material file in the archives. */
	MaterialDefault MaterialType = iota
	/** @brief Properties are filled in by the caller, nothing is read. */
	MaterialManual
)

func (t MaterialType) String() string {
	switch t {
	case MaterialDefault:
		return "default"
	case MaterialManual:
		return "manual"
	default:
		return fmt.Sprintf("MaterialType(%d)", int(t))
	}
}

/** @brief The on-disk description of a material. */
type MaterialConfig struct {
	/** @brief Name of the GPU program used to render the material. */
	Program string `toml:"program"`
	/** @brief Shaders attached to the program when it is loaded here first. */
	Shaders       []ShaderSource `toml:"shaders"`
	DiffuseColour [4]float32     `toml:"diffuse_colour"`
	Shininess     float32        `toml:"shininess"`
	/** @brief Texture maps keyed by their use (diffuse, specular, normal...). */
	Maps map[string]string `toml:"maps"`
}

type Material struct {
	*resources.Base
	manager      *MaterialManager
	materialType MaterialType

	mu         sync.Mutex
	Properties MaterialConfig
	program    *resources.Handle[*GPUProgram]
	maps       map[string]*resources.Handle[*Texture]
}

func (m *Material) Type() resources.Type { return resources.TypeMaterial }

func (m *Material) MaterialType() MaterialType { return m.materialType }

func (m *Material) Load(ctx context.Context) error {
	if m.materialType == MaterialManual {
		return nil
	}

	file := m.Name()
	if path.Ext(file) == "" {
		file += MaterialFileExtension
	}
	data, err := m.manager.archives.Read(ctx, file)
	if err != nil {
		return err
	}

	var props MaterialConfig
	if err := toml.Unmarshal(data, &props); err != nil {
		return fmt.Errorf("material '%s': parse '%s': %w", m.Name(), file, err)
	}
	m.SetSize(uint64(len(data)))
	if err := m.acquire(ctx, props); err != nil {
		return multierr.Append(err, m.Unload(ctx))
	}
	return nil
}

// acquire stores props and takes a reference to every program and texture
// they name.
func (m *Material) acquire(ctx context.Context, props MaterialConfig) error {
	m.mu.Lock()
	m.Properties = props
	m.mu.Unlock()

	if props.Program != "" {
		h, err := m.manager.programs.LoadGPUProgramWith(ctx, props.Program, props.Shaders...)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.program = h
		m.mu.Unlock()
	}

	for _, use := range sortedKeys(props.Maps) {
		if m.manager.textures == nil {
			return fmt.Errorf("material '%s' uses textures but no texture manager is set: %w", m.Name(), core.ErrLoadFailed)
		}
		h, err := m.manager.textures.LoadTexture(ctx, props.Maps[use], TextureParams{Usage: TextureUsageFile})
		if err != nil {
			return err
		}
		m.mu.Lock()
		if m.maps == nil {
			m.maps = make(map[string]*resources.Handle[*Texture])
		}
		m.maps[use] = h
		m.mu.Unlock()
	}
	return nil
}

func (m *Material) Unload(ctx context.Context) error {
	m.mu.Lock()
	program, maps := m.program, m.maps
	m.program, m.maps = nil, nil
	m.mu.Unlock()

	var errs error
	if program != nil {
		errs = multierr.Append(errs, program.Release(ctx))
	}
	for _, use := range sortedKeys(maps) {
		errs = multierr.Append(errs, maps[use].Release(ctx))
	}
	return errs
}

// Clone copies the properties and takes its own program and texture references.
func (m *Material) Clone(ctx context.Context) (*Material, error) {
	clone := &Material{
		Base:         resources.NewBase(m.Name()),
		manager:      m.manager,
		materialType: m.materialType,
	}
	clone.SetSize(m.Size())

	m.mu.Lock()
	props := m.Properties
	props.Maps = cloneMap(m.Properties.Maps)
	props.Shaders = slices.Clone(m.Properties.Shaders)
	m.mu.Unlock()

	if err := clone.acquire(ctx, props); err != nil {
		return nil, multierr.Append(err, clone.Unload(ctx))
	}
	return clone, nil
}

// Program returns the GPU program of the material, if any.
func (m *Material) Program() (*GPUProgram, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.program == nil {
		return nil, false
	}
	return m.program.Get(), true
}

// Map returns the texture bound to the given use.
func (m *Material) Map(use string) (*Texture, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.maps[use]
	if !ok {
		return nil, false
	}
	return h.Get(), true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

/** @brief The configuration for the material manager. */
type MaterialManagerConfig struct {
	/** @brief The maximum number of loaded materials. */
	MaxMaterialCount uint32
}

type MaterialManager struct {
	*resources.Manager[*Material, MaterialType]
	config   MaterialManagerConfig
	archives *archive.ArchiveManager
	programs *GPUProgramManager
	textures *TextureManager
}

// NewMaterialManager creates the manager. tm may be nil when no material
// uses texture maps.
func NewMaterialManager(config MaterialManagerConfig, am *archive.ArchiveManager, pm *GPUProgramManager, tm *TextureManager, metrics *core.CacheMetrics) (*MaterialManager, error) {
	if config.MaxMaterialCount == 0 {
		err := fmt.Errorf("func NewMaterialManager - config.MaxMaterialCount must be > 0: %w", core.ErrInvalidParameter)
		core.LogError(err.Error())
		return nil, err
	}
	if am == nil || pm == nil {
		return nil, fmt.Errorf("func NewMaterialManager - archive and program managers are required: %w", core.ErrInvalidParameter)
	}

	mm := &MaterialManager{
		config:   config,
		archives: am,
		programs: pm,
		textures: tm,
	}
	mm.Manager = resources.NewManager[*Material, MaterialType](resources.ManagerConfig{
		Name:     "materials",
		MaxCount: config.MaxMaterialCount,
		Metrics:  metrics,
	}, resources.FactoryFunc[*Material, MaterialType](mm.create))
	return mm, nil
}

func (mm *MaterialManager) create(name string, materialType MaterialType) (*Material, error) {
	if materialType != MaterialDefault && materialType != MaterialManual {
		return nil, fmt.Errorf("material '%s': unknown type %s: %w", name, materialType, core.ErrInvalidParameter)
	}
	return &Material{
		Base:         resources.NewBase(name),
		manager:      mm,
		materialType: materialType,
	}, nil
}

func (mm *MaterialManager) LoadMaterial(ctx context.Context, name string, materialType MaterialType) (*resources.Handle[*Material], error) {
	return mm.Load(ctx, name, materialType)
}

func (mm *MaterialManager) UnloadMaterial(ctx context.Context, h *resources.Handle[*Material]) error {
	return mm.Unload(ctx, h)
}

func (mm *MaterialManager) CloneMaterial(ctx context.Context, src *Material) (*resources.Handle[*Material], error) {
	return mm.Clone(ctx, src)
}

func (mm *MaterialManager) GetMaterial(name string) (*Material, bool) {
	return mm.Get(name)
}

func (mm *MaterialManager) Shutdown(ctx context.Context) error {
	return mm.UnloadAllResources(ctx)
}
