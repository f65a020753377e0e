package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/jobs"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultAccelerationCacheSize = 4096
	DefaultIOTimeout             = 10 * time.Second
)

/** @brief The configuration of the archive manager. */
type ArchiveManagerConfig struct {
	/** @brief The maximum number of archives that can be mounted at once. 0 means unbounded. */
	MaxArchiveCount uint32
	/** @brief Number of resolved paths remembered by the acceleration cache. */
	AccelerationCacheSize int
	/** @brief Upper bound for a single archive read or write. */
	IOTimeout time.Duration
	/** @brief Watch file system archives and forget paths removed on disk. */
	Watch bool
	Metrics *core.CacheMetrics
}

// cachedArchive is an acceleration cache entry. The generation pins the
// exact archive instance the path was resolved against.
type cachedArchive struct {
	archive    Archive
	generation uint64
}

// ReadResult is delivered by ReadAsync.
type ReadResult struct {
	Path string
	Data []byte
	Err  error
}

/**
 * @brief Owns every mounted archive and resolves asset paths to the archive
 * that contains them.
 *
 * Lock order: the embedded resource manager lock, then stateMu, then the
 * lock of an individual archive. Nothing holding stateMu calls back into the
 * resource manager.
 */
type ArchiveManager struct {
	config   ArchiveManagerConfig
	archives *resources.Manager[Archive, ArchiveParams]
	jobs     *jobs.JobSystem
	watcher  *Watcher
	flight   singleflight.Group

	stateMu  sync.Mutex
	creators map[ArchiveType]ArchiveCreator
	mounts   map[string]Archive
	order    []string
	accel    *lru.Cache[string, cachedArchive]
}

// NewArchiveManager creates an empty manager. js may be nil, in which case
// ReadAsync runs on its own goroutine.
func NewArchiveManager(config ArchiveManagerConfig, js *jobs.JobSystem) (*ArchiveManager, error) {
	if config.AccelerationCacheSize <= 0 {
		config.AccelerationCacheSize = DefaultAccelerationCacheSize
	}
	if config.IOTimeout <= 0 {
		config.IOTimeout = DefaultIOTimeout
	}

	accel, err := lru.New[string, cachedArchive](config.AccelerationCacheSize)
	if err != nil {
		return nil, fmt.Errorf("archive manager: acceleration cache: %w: %w", core.ErrInvalidParameter, err)
	}

	m := &ArchiveManager{
		config:   config,
		jobs:     js,
		creators: make(map[ArchiveType]ArchiveCreator),
		mounts:   make(map[string]Archive),
		accel:    accel,
	}
	m.archives = resources.NewManager[Archive, ArchiveParams](resources.ManagerConfig{
		Name:     "archives",
		MaxCount: config.MaxArchiveCount,
		Metrics:  config.Metrics,
	}, resources.FactoryFunc[Archive, ArchiveParams](m.create))
	m.archives.SetHooks(resources.Hooks[Archive]{OnDestroy: m.onDestroy})

	if config.Watch {
		w, err := NewWatcher(m.forget)
		if err != nil {
			return nil, fmt.Errorf("archive manager: watcher: %w: %w", core.ErrIO, err)
		}
		m.watcher = w
	}
	return m, nil
}

func (m *ArchiveManager) Config() ArchiveManagerConfig {
	return m.config
}

/**
 * @brief Registers creator under its own archive type.
 * Fails with core.ErrDuplicatedItem when the type is already taken.
 */
func (m *ArchiveManager) AddArchiveCreator(creator ArchiveCreator) error {
	if creator == nil {
		return fmt.Errorf("AddArchiveCreator - nil creator: %w", core.ErrInvalidParameter)
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	t := creator.Type()
	if _, ok := m.creators[t]; ok {
		return fmt.Errorf("archive creator '%s' already registered: %w", t, core.ErrDuplicatedItem)
	}
	m.creators[t] = creator
	core.LogDebug("Archive creator '%s' registered.", t)
	return nil
}

// RemoveArchiveCreator unregisters the creator of t. Mounted archives are
// not affected.
func (m *ArchiveManager) RemoveArchiveCreator(t ArchiveType) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if _, ok := m.creators[t]; !ok {
		return fmt.Errorf("archive creator '%s': %w", t, core.ErrNotFound)
	}
	delete(m.creators, t)
	return nil
}

// ArchiveTypes lists the registered creator types, sorted.
func (m *ArchiveManager) ArchiveTypes() []ArchiveType {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	types := make([]ArchiveType, 0, len(m.creators))
	for t := range m.creators {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

/**
 * @brief Mounts an archive under mountName, creating it with the creator
 * registered for params.Type. Loading an already mounted name returns a new
 * handle to the same archive, provided type and location agree.
 */
func (m *ArchiveManager) LoadArchive(ctx context.Context, mountName string, params ArchiveParams) (*resources.Handle[Archive], error) {
	if params.Location == "" {
		params.Location = mountName
	}

	h, err := m.archives.Load(ctx, mountName, params)
	if err != nil {
		return nil, err
	}

	a := h.Get()
	if a.ArchiveType() != params.Type || a.Location() != params.Location {
		err := fmt.Errorf("mount '%s' already holds %s archive '%s': %w", mountName, a.ArchiveType(), a.Location(), core.ErrDuplicatedItem)
		core.LogError(err.Error())
		return nil, multierr.Append(err, h.Release(ctx))
	}

	m.stateMu.Lock()
	if _, ok := m.mounts[mountName]; !ok {
		m.mounts[mountName] = a
		m.order = append(m.order, mountName)
		core.LogInfo("Archive '%s' mounted (%s, %s).", mountName, a.ArchiveType(), a.Location())
	}
	m.stateMu.Unlock()

	if m.watcher != nil {
		if fsa, ok := a.(*FileSystemArchive); ok {
			if root, ok := fsa.watchRoot(); ok {
				if err := m.watcher.Watch(root, a); err != nil {
					core.LogWarn("Archive '%s': cannot watch '%s': %s", mountName, root, err)
				}
			}
		}
	}
	return h, nil
}

/**
 * @brief Releases h. Every acceleration cache entry pointing at the archive
 * is dropped first, whether or not this was the last reference.
 */
func (m *ArchiveManager) UnloadArchive(ctx context.Context, h *resources.Handle[Archive]) error {
	if h == nil {
		return fmt.Errorf("UnloadArchive - nil handle: %w", core.ErrInvalidParameter)
	}
	if !h.Released() {
		m.stateMu.Lock()
		m.purge(h.Get())
		m.stateMu.Unlock()
	}
	return h.Release(ctx)
}

// Clone creates an unmounted copy of src.
func (m *ArchiveManager) Clone(ctx context.Context, src Archive) (*resources.Handle[Archive], error) {
	return m.archives.Clone(ctx, src)
}

// Mount returns the archive mounted under name.
func (m *ArchiveManager) Mount(name string) (Archive, bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	a, ok := m.mounts[name]
	return a, ok
}

// Mounts returns the mount names, sorted.
func (m *ArchiveManager) Mounts() []string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	names := slices.Clone(m.order)
	slices.Sort(names)
	return names
}

// Len returns the number of archives owned by the manager, clones included.
func (m *ArchiveManager) Len() int {
	return m.archives.Len()
}

/**
 * @brief Resolves relPath inside the named mount. A hit warms the
 * acceleration cache unless the path is already cached.
 */
func (m *ArchiveManager) GetArchiveFrom(mountName, relPath string) (Archive, error) {
	p, err := cleanPath(relPath)
	if err != nil {
		return nil, err
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	a, ok := m.mounts[mountName]
	if !ok {
		err := fmt.Errorf("archive mount '%s': %w", mountName, core.ErrNotFound)
		core.LogWarn(err.Error())
		return nil, err
	}
	if !a.Exists(p) {
		err := fmt.Errorf("'%s' not found in archive '%s': %w", p, mountName, core.ErrNotFound)
		core.LogWarn(err.Error())
		return nil, err
	}
	if _, ok := m.lookup(p); !ok {
		m.remember(p, a)
	}
	return a, nil
}

/**
 * @brief Resolves an asset path to the mounted archive holding it. Cached
 * paths never probe the archives again; on a miss the mounts are probed in
 * mount order.
 */
func (m *ArchiveManager) GetArchive(assetPath string) (Archive, error) {
	p, err := cleanPath(assetPath)
	if err != nil {
		return nil, err
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if a, ok := m.lookup(p); ok {
		if m.config.Metrics != nil {
			m.config.Metrics.ResolveHits.Inc()
		}
		return a, nil
	}
	if m.config.Metrics != nil {
		m.config.Metrics.ResolveMisses.Inc()
	}

	for _, name := range m.order {
		a := m.mounts[name]
		if a.Exists(p) {
			m.remember(p, a)
			return a, nil
		}
	}

	err = fmt.Errorf("'%s' not found in any archive: %w", p, core.ErrNotFound)
	core.LogWarn(err.Error())
	return nil, err
}

// Read resolves assetPath and reads it, bounded by the configured I/O timeout.
func (m *ArchiveManager) Read(ctx context.Context, assetPath string) ([]byte, error) {
	a, err := m.GetArchive(assetPath)
	if err != nil {
		return nil, err
	}
	return m.read(ctx, a, assetPath)
}

// ReadFrom reads relPath from the named mount.
func (m *ArchiveManager) ReadFrom(ctx context.Context, mountName, relPath string) ([]byte, error) {
	a, err := m.GetArchiveFrom(mountName, relPath)
	if err != nil {
		return nil, err
	}
	return m.read(ctx, a, relPath)
}

func (m *ArchiveManager) read(ctx context.Context, a Archive, relPath string) ([]byte, error) {
	var data []byte
	err := m.bounded(ctx, func(ctx context.Context) (err error) {
		data, err = a.Read(ctx, relPath)
		return err
	})
	if err != nil {
		err = fmt.Errorf("read '%s' from archive '%s': %w", relPath, a.Name(), err)
		core.LogError(err.Error())
		return nil, err
	}
	return data, nil
}

// bounded runs op on its own goroutine and gives up once ctx or the I/O
// timeout expires. A backing store that ignores ctx keeps its goroutine
// until the syscall returns, but never the caller.
func (m *ArchiveManager) bounded(ctx context.Context, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.IOTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

/**
 * @brief Reads assetPath off the caller's goroutine. Concurrent requests for
 * the same path share one read, which only the I/O timeout can cut short:
 * a caller giving up never fails the others. The channel receives exactly
 * one result.
 */
func (m *ArchiveManager) ReadAsync(ctx context.Context, assetPath string) <-chan ReadResult {
	out := make(chan ReadResult, 1)

	key, err := cleanPath(assetPath)
	if err != nil {
		out <- readResult(assetPath, nil, err)
		return out
	}

	start := func(ctx context.Context) (interface{}, error) {
		shared := context.WithoutCancel(ctx)
		ch := m.flight.DoChan(key, func() (interface{}, error) {
			return m.Read(shared, key)
		})

		select {
		case r := <-ch:
			if r.Err != nil {
				return nil, r.Err
			}
			data := r.Val.([]byte)
			if r.Shared {
				data = slices.Clone(data)
			}
			return data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.jobs == nil {
		go func() {
			data, err := start(ctx)
			out <- readResult(assetPath, data, err)
		}()
		return out
	}

	err = m.jobs.Submit(ctx, jobs.JobTask{
		JobType:  jobs.JobTypeResourceLoad,
		Priority: jobs.JobPriorityNormal,
		Timeout:  m.config.IOTimeout,
		OnStart:  start,
		OnComplete: func(result interface{}) {
			out <- readResult(assetPath, result, nil)
		},
		OnFailure: func(err error) {
			out <- readResult(assetPath, nil, err)
		},
	})
	if err != nil {
		out <- readResult(assetPath, nil, err)
	}
	return out
}

func readResult(p string, v interface{}, err error) ReadResult {
	data, _ := v.([]byte)
	return ReadResult{Path: p, Data: data, Err: err}
}

// ReadAll reads every path concurrently. The first failure cancels the rest.
func (m *ArchiveManager) ReadAll(ctx context.Context, assetPaths ...string) ([][]byte, error) {
	results := make([][]byte, len(assetPaths))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range assetPaths {
		i, p := i, p
		g.Go(func() error {
			data, err := m.Read(gctx, p)
			if err != nil {
				return fmt.Errorf("read '%s': %w", p, err)
			}
			results[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Write stores data in the named mount. Writes are never routed through
// path resolution.
func (m *ArchiveManager) Write(ctx context.Context, mountName, relPath string, data []byte) error {
	a, ok := m.Mount(mountName)
	if !ok {
		return fmt.Errorf("archive mount '%s': %w", mountName, core.ErrNotFound)
	}

	err := m.bounded(ctx, func(ctx context.Context) error {
		return a.Write(ctx, relPath, data)
	})
	if err != nil {
		core.LogError("Writing '%s' to archive '%s' failed: %s", relPath, mountName, err)
		return err
	}
	return nil
}

/**
 * @brief Unmounts and unloads every archive regardless of outstanding
 * handles. Registered creators are kept.
 */
func (m *ArchiveManager) UnloadAllResources(ctx context.Context) error {
	err := m.archives.UnloadAllResources(ctx)

	m.stateMu.Lock()
	m.accel.Purge()
	clear(m.mounts)
	m.order = nil
	m.stateMu.Unlock()
	return err
}

// UnloadUnused forwards to the resource manager sweep.
func (m *ArchiveManager) UnloadUnused(ctx context.Context) error {
	return m.archives.UnloadUnused(ctx)
}

func (m *ArchiveManager) Shutdown(ctx context.Context) error {
	var errs error
	if m.watcher != nil {
		errs = multierr.Append(errs, m.watcher.Close())
	}
	errs = multierr.Append(errs, m.UnloadAllResources(ctx))
	core.LogInfo("Archive manager shut down.")
	return errs
}

// create runs under the resource manager lock.
func (m *ArchiveManager) create(name string, params ArchiveParams) (Archive, error) {
	m.stateMu.Lock()
	creator, ok := m.creators[params.Type]
	m.stateMu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no archive creator registered for type '%s': %w", params.Type, core.ErrNotFound)
	}
	return creator.CreateObject(name, params)
}

// onDestroy runs under the resource manager lock, before the archive unloads.
func (m *ArchiveManager) onDestroy(a Archive) {
	m.stateMu.Lock()
	m.purge(a)
	if mounted, ok := m.mounts[a.Name()]; ok && mounted == a {
		delete(m.mounts, a.Name())
		if i := slices.Index(m.order, a.Name()); i >= 0 {
			m.order = slices.Delete(m.order, i, i+1)
		}
		core.LogInfo("Archive '%s' unmounted.", a.Name())
	}
	m.stateMu.Unlock()

	if m.watcher != nil {
		m.watcher.Unwatch(a)
	}
}

// lookup returns the cached archive for p. Entries whose archive was
// unmounted, reloaded or unloaded are dropped. Must hold stateMu.
func (m *ArchiveManager) lookup(p string) (Archive, bool) {
	entry, ok := m.accel.Get(p)
	if !ok {
		return nil, false
	}
	a := entry.archive
	if mounted, ok := m.mounts[a.Name()]; ok && mounted == a && a.Generation() == entry.generation && a.IsLoaded() {
		return a, true
	}
	m.accel.Remove(p)
	if m.config.Metrics != nil {
		m.config.Metrics.ResolvePurges.Inc()
	}
	return nil, false
}

// Must hold stateMu.
func (m *ArchiveManager) remember(p string, a Archive) {
	m.accel.Add(p, cachedArchive{archive: a, generation: a.Generation()})
}

// purge drops every acceleration cache entry resolving to a. Must hold stateMu.
func (m *ArchiveManager) purge(a Archive) {
	for _, p := range m.accel.Keys() {
		if entry, ok := m.accel.Peek(p); ok && entry.archive == a {
			m.accel.Remove(p)
			if m.config.Metrics != nil {
				m.config.Metrics.ResolvePurges.Inc()
			}
		}
	}
}

// forget drops p from the acceleration cache if it resolves to a.
func (m *ArchiveManager) forget(a Archive, p string) {
	p, err := cleanPath(p)
	if err != nil {
		return
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if entry, ok := m.accel.Peek(p); ok && entry.archive == a {
		m.accel.Remove(p)
		core.LogDebug("Archive '%s': '%s' removed on disk, forgotten.", a.Name(), p)
	}
}
