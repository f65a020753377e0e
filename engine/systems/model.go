package systems

import (
	"bytes"
	"context"
	"fmt"

	"github.com/spaghettifunk/anima-resources/engine/archive"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
)

type ModelParams struct {
	/** @brief Archive path of the model. Defaults to the model name. */
	Path string
}

/** @brief Raw model data, parsed by the renderer. */
type Model struct {
	*resources.Base
	archives *archive.ArchiveManager
	path     string

	Data []byte
}

func (m *Model) Type() resources.Type { return resources.TypeModel }

func (m *Model) Load(ctx context.Context) error {
	data, err := m.archives.Read(ctx, m.path)
	if err != nil {
		return err
	}
	m.Data = data
	m.SetSize(uint64(len(data)))
	return nil
}

func (m *Model) Unload(ctx context.Context) error {
	m.Data = nil
	return nil
}

func (m *Model) Clone(ctx context.Context) (*Model, error) {
	clone := &Model{
		Base:     resources.NewBase(m.Name()),
		archives: m.archives,
		path:     m.path,
		Data:     bytes.Clone(m.Data),
	}
	clone.SetSize(m.Size())
	return clone, nil
}

type ModelManagerConfig struct {
	MaxModelCount uint32
}

type ModelManager struct {
	*resources.Manager[*Model, ModelParams]
	config ModelManagerConfig
}

func NewModelManager(config ModelManagerConfig, am *archive.ArchiveManager, metrics *core.CacheMetrics) (*ModelManager, error) {
	if config.MaxModelCount == 0 {
		err := fmt.Errorf("NewModelManager - config.MaxModelCount must be greater than 0: %w", core.ErrInvalidParameter)
		core.LogError(err.Error())
		return nil, err
	}
	if am == nil {
		return nil, fmt.Errorf("NewModelManager - archive manager is required: %w", core.ErrInvalidParameter)
	}

	mm := &ModelManager{config: config}
	mm.Manager = resources.NewManager[*Model, ModelParams](resources.ManagerConfig{
		Name:     "models",
		MaxCount: config.MaxModelCount,
		Metrics:  metrics,
	}, resources.FactoryFunc[*Model, ModelParams](func(name string, params ModelParams) (*Model, error) {
		p := params.Path
		if p == "" {
			p = name
		}
		return &Model{Base: resources.NewBase(name), archives: am, path: p}, nil
	}))
	return mm, nil
}

func (mm *ModelManager) LoadModel(ctx context.Context, name string) (*resources.Handle[*Model], error) {
	return mm.Load(ctx, name, ModelParams{})
}

func (mm *ModelManager) UnloadModel(ctx context.Context, h *resources.Handle[*Model]) error {
	return mm.Unload(ctx, h)
}

func (mm *ModelManager) Shutdown(ctx context.Context) error {
	return mm.UnloadAllResources(ctx)
}
