package resources

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
)

// Key addresses one cache entry. Non-cloned resources use core.InvalidID as
// clone id, so at most one of them exists per name.
type Key struct {
	ID      core.ID
	CloneID core.ID
}

// Factory builds a new, not yet loaded resource for the given name. P is the
// creation parameter type of the resource kind.
type Factory[R Resource, P any] interface {
	Create(name string, params P) (R, error)
}

type FactoryFunc[R Resource, P any] func(name string, params P) (R, error)

func (f FactoryFunc[R, P]) Create(name string, params P) (R, error) {
	return f(name, params)
}

/** @brief The configuration of a resource manager. */
type ManagerConfig struct {
	/** @brief Name used in logs and metric labels. */
	Name string
	/** @brief The maximum number of cached entries. 0 means unbounded. */
	MaxCount uint32
	/** @brief Keep entries whose refcount dropped to zero until UnloadUnused runs. */
	RetainUnused bool
	/** @brief Optional collectors. */
	Metrics *core.CacheMetrics
}

// Hooks lets a specialized manager observe the lifecycle of its entries.
type Hooks[R Resource] struct {
	// OnDestroy runs with the manager lock held, right before R.Unload.
	OnDestroy func(res R)
}

/**
 * @brief Generic cache and factory dispatcher for one resource kind.
 * All operations are serialized by a single mutex.
 */
type Manager[R Cloner[R], P any] struct {
	config  ManagerConfig
	factory Factory[R, P]
	hooks   Hooks[R]

	mu          sync.Mutex
	cache       map[Key]R
	nextCloneID uint32
	generation  uint64
}

// NewManager creates a manager around factory. A nil factory is a programming
// error and panics.
func NewManager[R Cloner[R], P any](config ManagerConfig, factory Factory[R, P]) *Manager[R, P] {
	if factory == nil || isNil(factory) {
		panic(fmt.Sprintf("resources.NewManager(%s): nil factory", config.Name))
	}
	if config.Name == "" {
		config.Name = "resources"
	}
	return &Manager[R, P]{
		config:  config,
		factory: factory,
		cache:   make(map[Key]R),
	}
}

// SetHooks installs lifecycle hooks. It must be called before the manager is shared.
func (m *Manager[R, P]) SetHooks(hooks Hooks[R]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = hooks
}

func (m *Manager[R, P]) Config() ManagerConfig {
	return m.config
}

/**
 * @brief Returns a handle to the resource with the given name, creating and
 * loading it on a cache miss. A hit only increments the refcount. A failed
 * load is never cached.
 */
func (m *Manager[R, P]) Load(ctx context.Context, name string, params P) (*Handle[R], error) {
	if name == "" {
		return nil, fmt.Errorf("%s: Load - empty name: %w", m.config.Name, core.ErrInvalidParameter)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key{ID: core.ToID(name), CloneID: core.InvalidID}
	if res, ok := m.cache[key]; ok {
		res.base().refs.Add(1)
		m.observeHit()
		core.LogDebug("%s: resource '%s' already cached, ref count is now %d.", m.config.Name, name, res.ReferCount())
		return m.newHandle(res), nil
	}
	m.observeMiss()
	clock := core.NewClock()

	if m.config.MaxCount > 0 && uint32(len(m.cache)) >= m.config.MaxCount {
		m.observeFailure()
		err := fmt.Errorf("%s: cannot hold more than %d resources, '%s' not created: %w", m.config.Name, m.config.MaxCount, name, core.ErrCreationFailed)
		core.LogError(err.Error())
		return nil, err
	}

	res, err := m.factory.Create(name, params)
	if err == nil && isNil(res) {
		err = errors.New("factory returned nil")
	}
	if err != nil {
		m.observeFailure()
		if !errors.Is(err, core.ErrCreationFailed) {
			err = fmt.Errorf("%w: %w", core.ErrCreationFailed, err)
		}
		err = fmt.Errorf("%s: create resource '%s': %w", m.config.Name, name, err)
		core.LogError(err.Error())
		return nil, err
	}

	b := res.base()
	b.id = key.ID
	b.cloneID = core.InvalidID

	if err := res.Load(ctx); err != nil {
		m.observeFailure()
		if !errors.Is(err, core.ErrLoadFailed) {
			err = fmt.Errorf("%w: %w", core.ErrLoadFailed, err)
		}
		err = fmt.Errorf("%s: load resource '%s': %w", m.config.Name, name, err)
		core.LogError(err.Error())
		return nil, err
	}

	m.insert(key, res)
	clock.Stop()
	m.observeLoad(clock.Elapsed())
	core.LogDebug("%s: resource '%s' created and loaded in %s (id=%d).", m.config.Name, name, clock.Elapsed(), key.ID)
	return m.newHandle(res), nil
}

// Unload releases the reference held by h. When the last reference goes
// away the resource is unloaded and removed from the cache, unless the
// manager retains unused entries.
func (m *Manager[R, P]) Unload(ctx context.Context, h *Handle[R]) error {
	if h == nil {
		return fmt.Errorf("%s: Unload - nil handle: %w", m.config.Name, core.ErrInvalidParameter)
	}
	if !h.released.CompareAndSwap(false, true) {
		err := fmt.Errorf("%s: resource '%s' handle already released: %w", m.config.Name, h.res.Name(), core.ErrNotFound)
		core.LogWarn(err.Error())
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.release(ctx, h.res)
}

func (m *Manager[R, P]) release(ctx context.Context, res R) error {
	key := res.base().key()
	cached, ok := m.cache[key]
	if !ok || cached.base() != res.base() || res.ReferCount() == 0 {
		err := fmt.Errorf("%s: couldn't find resource '%s' in the cache: %w", m.config.Name, res.Name(), core.ErrNotFound)
		core.LogWarn(err.Error())
		return err
	}

	refs := res.base().refs.Add(^uint32(0))
	if refs > 0 {
		core.LogDebug("%s: released resource '%s', ref count is now %d.", m.config.Name, res.Name(), refs)
		return nil
	}
	if m.config.RetainUnused {
		core.LogDebug("%s: resource '%s' unused, kept until the next sweep.", m.config.Name, res.Name())
		return nil
	}
	return m.destroy(ctx, key, res)
}

/**
 * @brief Unloads and removes every cached entry regardless of its refcount.
 * Only meant for shutdown: no handle obtained before may be used afterwards.
 */
func (m *Manager[R, P]) UnloadAllResources(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for _, key := range m.sortedKeys() {
		res := m.cache[key]
		res.base().refs.Store(0)
		errs = multierr.Append(errs, m.destroy(ctx, key, res))
	}
	// destroy removes entries one by one, this only guards against a hook
	// that re-inserted something
	clear(m.cache)
	m.observeCached()
	return errs
}

// UnloadUnused destroys the entries whose refcount is currently zero.
func (m *Manager[R, P]) UnloadUnused(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for _, key := range m.sortedKeys() {
		res := m.cache[key]
		if res.ReferCount() == 0 {
			errs = multierr.Append(errs, m.destroy(ctx, key, res))
		}
	}
	return errs
}

/**
 * @brief Creates an independent copy of src with its own clone id and a
 * refcount of 1. The refcount of src is untouched.
 */
func (m *Manager[R, P]) Clone(ctx context.Context, src R) (*Handle[R], error) {
	if isNil(src) {
		return nil, fmt.Errorf("%s: Clone - invalid source object: %w", m.config.Name, core.ErrCloneFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !src.IsLoaded() {
		err := fmt.Errorf("%s: cannot clone resource '%s', it is not loaded: %w", m.config.Name, src.Name(), core.ErrCloneFailed)
		core.LogError(err.Error())
		return nil, err
	}
	if cached, ok := m.cache[src.base().key()]; !ok || cached.base() != src.base() {
		err := fmt.Errorf("%s: cannot clone resource '%s', it is not owned by this manager: %w", m.config.Name, src.Name(), core.ErrCloneFailed)
		core.LogError(err.Error())
		return nil, err
	}

	res, err := src.Clone(ctx)
	if err == nil && isNil(res) {
		err = errors.New("clone returned nil")
	}
	if err != nil {
		if !errors.Is(err, core.ErrCloneFailed) {
			err = fmt.Errorf("%w: %w", core.ErrCloneFailed, err)
		}
		err = fmt.Errorf("%s: clone resource '%s': %w", m.config.Name, src.Name(), err)
		core.LogError(err.Error())
		return nil, err
	}

	key := Key{ID: src.ID(), CloneID: m.nextClone(src.Name())}
	b := res.base()
	b.id = key.ID
	b.cloneID = key.CloneID

	m.insert(key, res)
	core.LogDebug("%s: resource '%s' cloned (clone id=%d).", m.config.Name, src.Name(), key.CloneID)
	return m.newHandle(res), nil
}

// Get looks up the non-cloned resource with the given name. It never loads.
func (m *Manager[R, P]) Get(name string) (R, bool) {
	return m.GetClone(name, core.InvalidID)
}

// GetClone looks up a clone of name. With core.InvalidID it behaves like Get.
func (m *Manager[R, P]) GetClone(name string, cloneID core.ID) (R, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.cache[Key{ID: core.ToID(name), CloneID: cloneID}]
	return res, ok
}

// Len returns the number of cached entries, clones included.
func (m *Manager[R, P]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// Names returns the sorted, de-duplicated names of every cached entry.
func (m *Manager[R, P]) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.cache))
	for _, res := range m.cache {
		names = append(names, res.Name())
	}
	slices.Sort(names)
	return slices.Compact(names)
}

func (m *Manager[R, P]) insert(key Key, res R) {
	m.generation++
	b := res.base()
	b.generation = m.generation
	b.refs.Store(1)
	b.loaded.Store(true)
	m.cache[key] = res
	m.observeCached()
}

func (m *Manager[R, P]) destroy(ctx context.Context, key Key, res R) error {
	if m.hooks.OnDestroy != nil {
		m.hooks.OnDestroy(res)
	}

	var err error
	if res.IsLoaded() {
		if err = res.Unload(ctx); err != nil {
			err = fmt.Errorf("%s: unload resource '%s': %w", m.config.Name, res.Name(), err)
			core.LogError(err.Error())
		}
		res.base().loaded.Store(false)
	}
	delete(m.cache, key)

	if m.config.Metrics != nil {
		m.config.Metrics.Evictions.WithLabelValues(m.config.Name).Inc()
	}
	m.observeCached()
	core.LogDebug("%s: resource '%s' destroyed.", m.config.Name, res.Name())
	return err
}

func (m *Manager[R, P]) nextClone(name string) core.ID {
	for {
		id := core.ToCloneID(name, m.nextCloneID)
		m.nextCloneID++
		if _, taken := m.cache[Key{ID: core.ToID(name), CloneID: id}]; !taken {
			return id
		}
	}
}

func (m *Manager[R, P]) sortedKeys() []Key {
	keys := make([]Key, 0, len(m.cache))
	for key := range m.cache {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if a.ID != b.ID {
			return compareID(a.ID, b.ID)
		}
		return compareID(a.CloneID, b.CloneID)
	})
	return keys
}

func compareID(a, b core.ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (m *Manager[R, P]) newHandle(res R) *Handle[R] {
	return &Handle[R]{
		res: res,
		release: func(ctx context.Context, h *Handle[R]) error {
			return m.Unload(ctx, h)
		},
	}
}

func (m *Manager[R, P]) observeHit() {
	if m.config.Metrics != nil {
		m.config.Metrics.Hits.WithLabelValues(m.config.Name).Inc()
	}
}

func (m *Manager[R, P]) observeMiss() {
	if m.config.Metrics != nil {
		m.config.Metrics.Misses.WithLabelValues(m.config.Name).Inc()
	}
}

func (m *Manager[R, P]) observeLoad(d time.Duration) {
	if m.config.Metrics != nil {
		m.config.Metrics.LoadSeconds.WithLabelValues(m.config.Name).Observe(d.Seconds())
	}
}

func (m *Manager[R, P]) observeFailure() {
	if m.config.Metrics != nil {
		m.config.Metrics.LoadFailures.WithLabelValues(m.config.Name).Inc()
	}
}

func (m *Manager[R, P]) observeCached() {
	if m.config.Metrics != nil {
		m.config.Metrics.Cached.WithLabelValues(m.config.Name).Set(float64(len(m.cache)))
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
