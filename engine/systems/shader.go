package systems

import (
	"bytes"
	"context"
	"fmt"

	"github.com/spaghettifunk/anima-resources/engine/archive"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
)

/** @brief Shader stages available in the system. */
type ShaderStage int

const (
	ShaderStageVertex ShaderStage = iota
	ShaderStageGeometry
	ShaderStageFragment
	ShaderStageCompute
)

func (s ShaderStage) String() string {
	switch s {
	case ShaderStageVertex:
		return "vertex"
	case ShaderStageGeometry:
		return "geometry"
	case ShaderStageFragment:
		return "fragment"
	case ShaderStageCompute:
		return "compute"
	default:
		return fmt.Sprintf("ShaderStage(%d)", int(s))
	}
}

type ShaderParams struct {
	Stage ShaderStage
	/** @brief Archive path of the source. Defaults to the shader name. */
	Path string
}

/** @brief A single shader stage and its source code. */
type Shader struct {
	*resources.Base
	archives *archive.ArchiveManager
	path     string

	Stage  ShaderStage
	Source []byte
}

func (s *Shader) Type() resources.Type { return resources.TypeShader }

func (s *Shader) Load(ctx context.Context) error {
	source, err := s.archives.Read(ctx, s.path)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(source)) == 0 {
		return fmt.Errorf("shader '%s': '%s' is empty: %w", s.Name(), s.path, core.ErrLoadFailed)
	}
	s.Source = source
	s.SetSize(uint64(len(source)))
	return nil
}

func (s *Shader) Unload(ctx context.Context) error {
	s.Source = nil
	return nil
}

func (s *Shader) Clone(ctx context.Context) (*Shader, error) {
	clone := &Shader{
		Base:     resources.NewBase(s.Name()),
		archives: s.archives,
		path:     s.path,
		Stage:    s.Stage,
		Source:   bytes.Clone(s.Source),
	}
	clone.SetSize(s.Size())
	return clone, nil
}

/** @brief Configuration for the shader manager. */
type ShaderManagerConfig struct {
	/** @brief The maximum number of shaders held in the system. */
	MaxShaderCount uint32
}

type ShaderManager struct {
	*resources.Manager[*Shader, ShaderParams]
	config   ShaderManagerConfig
	archives *archive.ArchiveManager
}

func NewShaderManager(config ShaderManagerConfig, am *archive.ArchiveManager, metrics *core.CacheMetrics) (*ShaderManager, error) {
	if config.MaxShaderCount == 0 {
		err := fmt.Errorf("NewShaderManager - config.MaxShaderCount must be greater than 0: %w", core.ErrInvalidParameter)
		core.LogError(err.Error())
		return nil, err
	}
	if am == nil {
		return nil, fmt.Errorf("NewShaderManager - archive manager is required: %w", core.ErrInvalidParameter)
	}

	sm := &ShaderManager{config: config, archives: am}
	sm.Manager = resources.NewManager[*Shader, ShaderParams](resources.ManagerConfig{
		Name:     "shaders",
		MaxCount: config.MaxShaderCount,
		Metrics:  metrics,
	}, resources.FactoryFunc[*Shader, ShaderParams](sm.create))
	return sm, nil
}

func (sm *ShaderManager) create(name string, params ShaderParams) (*Shader, error) {
	if params.Stage < ShaderStageVertex || params.Stage > ShaderStageCompute {
		return nil, fmt.Errorf("shader '%s': unknown stage %d: %w", name, params.Stage, core.ErrInvalidParameter)
	}
	path := params.Path
	if path == "" {
		path = name
	}
	return &Shader{
		Base:     resources.NewBase(name),
		archives: sm.archives,
		path:     path,
		Stage:    params.Stage,
	}, nil
}

func (sm *ShaderManager) LoadShader(ctx context.Context, name string, stage ShaderStage) (*resources.Handle[*Shader], error) {
	return sm.Load(ctx, name, ShaderParams{Stage: stage})
}

func (sm *ShaderManager) UnloadShader(ctx context.Context, h *resources.Handle[*Shader]) error {
	return sm.Unload(ctx, h)
}

func (sm *ShaderManager) GetShader(name string) (*Shader, bool) {
	return sm.Get(name)
}

func (sm *ShaderManager) Shutdown(ctx context.Context) error {
	return sm.UnloadAllResources(ctx)
}
