package systems

import (
	"context"
	"fmt"

	"github.com/spaghettifunk/anima-resources/engine/archive"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/jobs"
	"go.uber.org/multierr"
)

type SystemManagerConfig struct {
	Textures     TextureManagerConfig
	Shaders      ShaderManagerConfig
	Programs     GPUProgramManagerConfig
	Materials    MaterialManagerConfig
	ConstBuffers GPUConstBufferManagerConfig
	Models       ModelManagerConfig
	Dylibs       DylibManagerConfig
}

/**
 * @brief Owns one manager per resource kind. Every manager receives its
 * collaborators explicitly, nothing is reachable through globals.
 */
type SystemManager struct {
	textureManager     *TextureManager
	shaderManager      *ShaderManager
	programManager     *GPUProgramManager
	materialManager    *MaterialManager
	constBufferManager *GPUConstBufferManager
	modelManager       *ModelManager
	dylibManager       *DylibManager
}

// NewSystemManager builds every manager. js and metrics may be nil.
func NewSystemManager(config SystemManagerConfig, am *archive.ArchiveManager, js *jobs.JobSystem, metrics *core.CacheMetrics) (*SystemManager, error) {
	if am == nil {
		return nil, fmt.Errorf("NewSystemManager - archive manager is required: %w", core.ErrInvalidParameter)
	}

	ts, err := NewTextureManager(config.Textures, am, js, metrics)
	if err != nil {
		return nil, err
	}
	ss, err := NewShaderManager(config.Shaders, am, metrics)
	if err != nil {
		return nil, err
	}
	ps, err := NewGPUProgramManager(config.Programs, ss, metrics)
	if err != nil {
		return nil, err
	}
	ms, err := NewMaterialManager(config.Materials, am, ps, ts, metrics)
	if err != nil {
		return nil, err
	}
	bs, err := NewGPUConstBufferManager(config.ConstBuffers, metrics)
	if err != nil {
		return nil, err
	}
	mls, err := NewModelManager(config.Models, am, metrics)
	if err != nil {
		return nil, err
	}
	ds, err := NewDylibManager(config.Dylibs, metrics)
	if err != nil {
		return nil, err
	}

	return &SystemManager{
		textureManager:     ts,
		shaderManager:      ss,
		programManager:     ps,
		materialManager:    ms,
		constBufferManager: bs,
		modelManager:       mls,
		dylibManager:       ds,
	}, nil
}

func (sm *SystemManager) Textures() *TextureManager            { return sm.textureManager }
func (sm *SystemManager) Shaders() *ShaderManager              { return sm.shaderManager }
func (sm *SystemManager) Programs() *GPUProgramManager         { return sm.programManager }
func (sm *SystemManager) Materials() *MaterialManager          { return sm.materialManager }
func (sm *SystemManager) ConstBuffers() *GPUConstBufferManager { return sm.constBufferManager }
func (sm *SystemManager) Models() *ModelManager                { return sm.modelManager }
func (sm *SystemManager) Dylibs() *DylibManager                { return sm.dylibManager }

/**
 * @brief Unloads every manager, dependents first: materials hold programs
 * and textures, programs hold shaders.
 */
func (sm *SystemManager) Shutdown(ctx context.Context) error {
	var errs error
	errs = multierr.Append(errs, sm.materialManager.Shutdown(ctx))
	errs = multierr.Append(errs, sm.programManager.Shutdown(ctx))
	errs = multierr.Append(errs, sm.shaderManager.Shutdown(ctx))
	errs = multierr.Append(errs, sm.textureManager.Shutdown(ctx))
	errs = multierr.Append(errs, sm.modelManager.Shutdown(ctx))
	errs = multierr.Append(errs, sm.constBufferManager.Shutdown(ctx))
	errs = multierr.Append(errs, sm.dylibManager.Shutdown(ctx))
	if errs != nil {
		core.LogError("System manager shutdown: %s", errs)
	}
	return errs
}
