package systems

import (
	"context"
	"fmt"
	"path/filepath"
	"plugin"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
)

/**
 * @brief A Go plugin. Plugins stay mapped for the lifetime of the process,
 * unloading only forgets the symbol table.
 */
type Dylib struct {
	*resources.Base
	path string

	plugin *plugin.Plugin
}

func (d *Dylib) Type() resources.Type { return resources.TypeDylib }

func (d *Dylib) Path() string { return d.path }

func (d *Dylib) Load(ctx context.Context) error {
	p, err := plugin.Open(d.path)
	if err != nil {
		return fmt.Errorf("dylib '%s': open '%s': %w: %w", d.Name(), d.path, core.ErrIO, err)
	}
	d.plugin = p
	return nil
}

func (d *Dylib) Unload(ctx context.Context) error {
	d.plugin = nil
	return nil
}

func (d *Dylib) Clone(ctx context.Context) (*Dylib, error) {
	return &Dylib{Base: resources.NewBase(d.Name()), path: d.path, plugin: d.plugin}, nil
}

// Symbol looks up an exported variable or function of the plugin.
func (d *Dylib) Symbol(name string) (plugin.Symbol, error) {
	if d.plugin == nil {
		return nil, fmt.Errorf("dylib '%s' is not loaded: %w", d.Name(), core.ErrNotFound)
	}
	sym, err := d.plugin.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("dylib '%s': symbol '%s': %w: %w", d.Name(), name, core.ErrNotFound, err)
	}
	return sym, nil
}

type DylibManagerConfig struct {
	MaxDylibCount uint32
	/** @brief Directory holding lib<name>.so files. */
	PluginsPath string
}

type DylibManager struct {
	*resources.Manager[*Dylib, struct{}]
	config DylibManagerConfig
}

func NewDylibManager(config DylibManagerConfig, metrics *core.CacheMetrics) (*DylibManager, error) {
	if config.MaxDylibCount == 0 {
		err := fmt.Errorf("NewDylibManager - config.MaxDylibCount must be greater than 0: %w", core.ErrInvalidParameter)
		core.LogError(err.Error())
		return nil, err
	}

	dm := &DylibManager{config: config}
	dm.Manager = resources.NewManager[*Dylib, struct{}](resources.ManagerConfig{
		Name:     "dylibs",
		MaxCount: config.MaxDylibCount,
		Metrics:  metrics,
	}, resources.FactoryFunc[*Dylib, struct{}](func(name string, _ struct{}) (*Dylib, error) {
		return &Dylib{Base: resources.NewBase(name), path: dm.LibraryPath(name)}, nil
	}))
	return dm, nil
}

// LibraryPath returns the file a dylib of the given name is loaded from.
func (dm *DylibManager) LibraryPath(name string) string {
	return filepath.Join(dm.config.PluginsPath, "lib"+name+".so")
}

func (dm *DylibManager) LoadDylib(ctx context.Context, name string) (*resources.Handle[*Dylib], error) {
	return dm.Load(ctx, name, struct{}{})
}

func (dm *DylibManager) UnloadDylib(ctx context.Context, h *resources.Handle[*Dylib]) error {
	return dm.Unload(ctx, h)
}

func (dm *DylibManager) Shutdown(ctx context.Context) error {
	return dm.UnloadAllResources(ctx)
}
