package systems

import (
	"context"
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
)

/** @brief One stage of a program, as listed in a material or program description. */
type ShaderSource struct {
	Stage ShaderStage `toml:"stage"`
	Name  string      `toml:"name"`
}

type GPUProgramParams struct {
	/** @brief Shaders loaded and attached when the program loads. May be empty. */
	Shaders []ShaderSource
}

/**
 * @brief A set of shaders, at most one per stage. The program holds a
 * reference to each attached shader until it is unloaded.
 */
type GPUProgram struct {
	*resources.Base
	shaders *ShaderManager
	params  GPUProgramParams

	mu       sync.Mutex
	attached map[ShaderStage]*resources.Handle[*Shader]
}

func (p *GPUProgram) Type() resources.Type { return resources.TypeGPUProgram }

func (p *GPUProgram) Load(ctx context.Context) error {
	for _, src := range p.params.Shaders {
		h, err := p.shaders.LoadShader(ctx, src.Name, src.Stage)
		if err == nil {
			err = p.AddShader(ctx, h)
		}
		if err != nil {
			return multierr.Append(err, p.Unload(ctx))
		}
	}
	return nil
}

func (p *GPUProgram) Unload(ctx context.Context) error {
	p.mu.Lock()
	attached := p.attached
	p.attached = nil
	p.mu.Unlock()

	var errs error
	for _, stage := range sortedStages(attached) {
		errs = multierr.Append(errs, attached[stage].Release(ctx))
	}
	return errs
}

// Clone attaches the same shaders to the copy, each with its own reference.
func (p *GPUProgram) Clone(ctx context.Context) (*GPUProgram, error) {
	clone := &GPUProgram{
		Base:    resources.NewBase(p.Name()),
		shaders: p.shaders,
		params:  p.params,
	}
	for _, s := range p.Shaders() {
		h, err := p.shaders.LoadShader(ctx, s.Name(), s.Stage)
		if err == nil {
			err = clone.AddShader(ctx, h)
		}
		if err != nil {
			return nil, multierr.Append(err, clone.Unload(ctx))
		}
	}
	return clone, nil
}

/**
 * @brief Attaches the shader held by h. The program takes over the handle.
 * A second shader for the same stage is rejected and h is released.
 */
func (p *GPUProgram) AddShader(ctx context.Context, h *resources.Handle[*Shader]) error {
	if h == nil || h.Released() {
		return fmt.Errorf("program '%s': AddShader - invalid shader handle: %w", p.Name(), core.ErrInvalidParameter)
	}

	p.mu.Lock()
	stage := h.Get().Stage
	if _, ok := p.attached[stage]; ok {
		p.mu.Unlock()
		err := fmt.Errorf("program '%s' already has a %s shader: %w", p.Name(), stage, core.ErrDuplicatedItem)
		core.LogError(err.Error())
		return multierr.Append(err, h.Release(ctx))
	}
	if p.attached == nil {
		p.attached = make(map[ShaderStage]*resources.Handle[*Shader])
	}
	p.attached[stage] = h
	p.mu.Unlock()

	p.SetSize(p.Size() + h.Get().Size())
	return nil
}

// Shader returns the shader attached for stage.
func (p *GPUProgram) Shader(stage ShaderStage) (*Shader, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.attached[stage]
	if !ok {
		return nil, false
	}
	return h.Get(), true
}

// Shaders returns the attached shaders ordered by stage.
func (p *GPUProgram) Shaders() []*Shader {
	p.mu.Lock()
	defer p.mu.Unlock()

	shaders := make([]*Shader, 0, len(p.attached))
	for _, stage := range sortedStages(p.attached) {
		shaders = append(shaders, p.attached[stage].Get())
	}
	return shaders
}

func sortedStages(attached map[ShaderStage]*resources.Handle[*Shader]) []ShaderStage {
	stages := make([]ShaderStage, 0, len(attached))
	for stage := range attached {
		stages = append(stages, stage)
	}
	slices.Sort(stages)
	return stages
}

type GPUProgramManagerConfig struct {
	MaxProgramCount uint32
}

type GPUProgramManager struct {
	*resources.Manager[*GPUProgram, GPUProgramParams]
	config  GPUProgramManagerConfig
	shaders *ShaderManager
}

func NewGPUProgramManager(config GPUProgramManagerConfig, sm *ShaderManager, metrics *core.CacheMetrics) (*GPUProgramManager, error) {
	if config.MaxProgramCount == 0 {
		err := fmt.Errorf("NewGPUProgramManager - config.MaxProgramCount must be greater than 0: %w", core.ErrInvalidParameter)
		core.LogError(err.Error())
		return nil, err
	}
	if sm == nil {
		return nil, fmt.Errorf("NewGPUProgramManager - shader manager is required: %w", core.ErrInvalidParameter)
	}

	pm := &GPUProgramManager{config: config, shaders: sm}
	pm.Manager = resources.NewManager[*GPUProgram, GPUProgramParams](resources.ManagerConfig{
		Name:     "programs",
		MaxCount: config.MaxProgramCount,
		Metrics:  metrics,
	}, resources.FactoryFunc[*GPUProgram, GPUProgramParams](func(name string, params GPUProgramParams) (*GPUProgram, error) {
		return &GPUProgram{
			Base:    resources.NewBase(name),
			shaders: pm.shaders,
			params:  params,
		}, nil
	}))
	return pm, nil
}

// LoadGPUProgram loads an empty program. Shaders are attached with AddShader.
func (pm *GPUProgramManager) LoadGPUProgram(ctx context.Context, name string) (*resources.Handle[*GPUProgram], error) {
	return pm.Load(ctx, name, GPUProgramParams{})
}

// LoadGPUProgramWith loads a program and attaches the listed shaders.
func (pm *GPUProgramManager) LoadGPUProgramWith(ctx context.Context, name string, shaders ...ShaderSource) (*resources.Handle[*GPUProgram], error) {
	return pm.Load(ctx, name, GPUProgramParams{Shaders: shaders})
}

func (pm *GPUProgramManager) UnloadGPUProgram(ctx context.Context, h *resources.Handle[*GPUProgram]) error {
	return pm.Unload(ctx, h)
}

func (pm *GPUProgramManager) GetGPUProgram(name string) (*GPUProgram, bool) {
	return pm.Get(name)
}

func (pm *GPUProgramManager) Shutdown(ctx context.Context) error {
	return pm.UnloadAllResources(ctx)
}
