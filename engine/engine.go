package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spaghettifunk/anima-resources/engine/archive"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/jobs"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/systems"
	"go.uber.org/multierr"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Engine released everything it owned
	EngineStageShutdown
)

/**
 * @brief Owns the job system, the archive manager and one manager per
 * resource kind, and tears them down in reverse order.
 */
type Engine struct {
	currentStage   Stage
	config         ApplicationConfig
	metrics        *core.CacheMetrics
	jobSystem      *jobs.JobSystem
	archiveManager *archive.ArchiveManager
	systemManager  *systems.SystemManager
	mounts         []*resources.Handle[archive.Archive]
}

// New builds the engine. reg may be nil, in which case no metrics are
// registered.
func New(config ApplicationConfig, reg prometheus.Registerer) (*Engine, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := core.SetLogLevel(config.Log.Level); err != nil {
		return nil, fmt.Errorf("log level: %w: %w", core.ErrInvalidParameter, err)
	}

	metrics := core.NewCacheMetrics(reg)

	js, err := jobs.NewJobSystem(jobs.JobSystemConfig{
		NumWorkers:     config.Jobs.Workers,
		ChannelSize:    config.Jobs.QueueSize,
		DefaultTimeout: time.Duration(config.Jobs.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	am, err := archive.NewArchiveManager(config.archiveManagerConfig(metrics), js)
	if err != nil {
		core.LogError(err.Error())
		return nil, multierr.Append(err, js.Shutdown())
	}

	sm, err := systems.NewSystemManager(config.systemManagerConfig(), am, js, metrics)
	if err != nil {
		core.LogError(err.Error())
		return nil, multierr.Combine(err, am.Shutdown(context.Background()), js.Shutdown())
	}

	return &Engine{
		currentStage:   EngineStageUninitialized,
		config:         config,
		metrics:        metrics,
		jobSystem:      js,
		archiveManager: am,
		systemManager:  sm,
	}, nil
}

// Initialize registers the built-in archive creators and mounts the
// configured archives, in order.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.currentStage != EngineStageUninitialized {
		return fmt.Errorf("engine '%s': %w", e.config.Name, core.ErrAlreadyInitialized)
	}
	e.currentStage = EngineStageInitializing

	for _, c := range archive.DefaultCreators() {
		if err := e.archiveManager.AddArchiveCreator(c); err != nil {
			return err
		}
	}

	for _, m := range e.config.Archives.Mounts {
		h, err := e.archiveManager.LoadArchive(ctx, m.Name, archive.ArchiveParams{
			Type:     archive.ArchiveType(m.Type),
			Location: m.Location,
		})
		if err != nil {
			return fmt.Errorf("mount '%s': %w", m.Name, err)
		}
		e.mounts = append(e.mounts, h)
	}

	e.currentStage = EngineStageInitialized
	core.LogInfo("Engine '%s' initialized with %d archive(s).", e.config.Name, len(e.mounts))
	return nil
}

func (e *Engine) Stage() Stage                      { return e.currentStage }
func (e *Engine) Config() ApplicationConfig         { return e.config }
func (e *Engine) Metrics() *core.CacheMetrics       { return e.metrics }
func (e *Engine) Jobs() *jobs.JobSystem             { return e.jobSystem }
func (e *Engine) Archives() *archive.ArchiveManager { return e.archiveManager }
func (e *Engine) Systems() *systems.SystemManager   { return e.systemManager }

// Shutdown unloads every resource, then the archives, then stops the job
// system. It is safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.currentStage == EngineStageShutdown || e.currentStage == EngineStageShuttingDown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown

	var errs error
	errs = multierr.Append(errs, e.systemManager.Shutdown(ctx))
	for i := len(e.mounts) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, e.archiveManager.UnloadArchive(ctx, e.mounts[i]))
	}
	e.mounts = nil
	errs = multierr.Append(errs, e.archiveManager.Shutdown(ctx))
	errs = multierr.Append(errs, e.jobSystem.Shutdown())

	e.currentStage = EngineStageShutdown
	core.LogInfo("Engine '%s' shut down.", e.config.Name)
	return errs
}
