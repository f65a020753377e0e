package resources_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counters struct {
	created  int
	loads    int
	unloads  int
	clones   int
	failLoad bool
}

type blob struct {
	*resources.Base
	data []byte
	c    *counters
}

func (b *blob) Type() resources.Type { return resources.TypeModel }

func (b *blob) Load(ctx context.Context) error {
	b.c.loads++
	if b.c.failLoad {
		return errors.New("malformed content")
	}
	b.data = []byte("content of " + b.Name())
	b.SetSize(uint64(len(b.data)))
	return nil
}

func (b *blob) Unload(ctx context.Context) error {
	if !b.IsLoaded() {
		return nil
	}
	b.c.unloads++
	b.data = nil
	return nil
}

func (b *blob) Clone(ctx context.Context) (*blob, error) {
	b.c.clones++
	data := make([]byte, len(b.data))
	copy(data, b.data)
	clone := &blob{Base: resources.NewBase(b.Name()), data: data, c: b.c}
	clone.SetSize(uint64(len(data)))
	return clone, nil
}

type blobParams struct {
	failCreate bool
}

func newBlobManager(config resources.ManagerConfig) (*resources.Manager[*blob, blobParams], *counters) {
	c := &counters{}
	factory := resources.FactoryFunc[*blob, blobParams](func(name string, params blobParams) (*blob, error) {
		if params.failCreate {
			return nil, errors.New("no such kind")
		}
		c.created++
		return &blob{Base: resources.NewBase(name), c: c}, nil
	})
	return resources.NewManager[*blob, blobParams](config, factory), c
}

func TestLoadDedupesByName(t *testing.T) {
	ctx := context.Background()
	m, c := newBlobManager(resources.ManagerConfig{Name: "blobs"})

	h1, err := m.Load(ctx, "m1", blobParams{})
	require.NoError(t, err)
	h2, err := m.Load(ctx, "m1", blobParams{})
	require.NoError(t, err)

	assert.Same(t, h1.Get(), h2.Get())
	assert.Equal(t, uint32(2), h1.Get().ReferCount())
	assert.Equal(t, 1, c.created)
	assert.Equal(t, 1, c.loads)
	assert.True(t, h1.Get().IsLoaded())
	assert.False(t, h1.Get().IsCloned())
	assert.Equal(t, core.ToID("m1"), h1.Get().ID())
	assert.Equal(t, uint64(len("content of m1")), h1.Get().Size())
}

func TestRefcountArithmetic(t *testing.T) {
	ctx := context.Background()
	m, c := newBlobManager(resources.ManagerConfig{Name: "blobs"})

	const n = 5
	handles := make([]*resources.Handle[*blob], 0, n)
	for i := 0; i < n; i++ {
		h, err := m.Load(ctx, "shared", blobParams{})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	res := handles[0].Get()

	for i := 1; i < n; i++ {
		require.NoError(t, handles[i-1].Release(ctx))
		assert.Equal(t, uint32(n-i), res.ReferCount())
		assert.Equal(t, 0, c.unloads)
	}

	require.NoError(t, handles[n-1].Release(ctx))
	assert.Equal(t, uint32(0), res.ReferCount())
	assert.Equal(t, 1, c.unloads)
	assert.False(t, res.IsLoaded())

	_, ok := m.Get("shared")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestDoubleReleaseIsNotFound(t *testing.T) {
	ctx := context.Background()
	m, _ := newBlobManager(resources.ManagerConfig{Name: "blobs"})

	h1, err := m.Load(ctx, "a", blobParams{})
	require.NoError(t, err)
	h2, err := m.Load(ctx, "a", blobParams{})
	require.NoError(t, err)

	require.NoError(t, m.Unload(ctx, h1))
	err = m.Unload(ctx, h1)
	assert.ErrorIs(t, err, core.ErrNotFound)
	// the second holder keeps its reference
	assert.Equal(t, uint32(1), h2.Get().ReferCount())

	require.NoError(t, h2.Release(ctx))
	assert.ErrorIs(t, h2.Release(ctx), core.ErrNotFound)
	assert.True(t, h2.Released())

	assert.ErrorIs(t, m.Unload(ctx, nil), core.ErrInvalidParameter)
}

func TestFailedLoadIsNotCached(t *testing.T) {
	ctx := context.Background()
	m, c := newBlobManager(resources.ManagerConfig{Name: "blobs"})

	c.failLoad = true
	_, err := m.Load(ctx, "broken", blobParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrLoadFailed)
	assert.Equal(t, 0, m.Len())

	c.failLoad = false
	h, err := m.Load(ctx, "broken", blobParams{})
	require.NoError(t, err)
	assert.Equal(t, 2, c.loads)
	assert.Equal(t, uint32(1), h.Get().ReferCount())
}

func TestCreateFailure(t *testing.T) {
	ctx := context.Background()
	m, _ := newBlobManager(resources.ManagerConfig{Name: "blobs"})

	_, err := m.Load(ctx, "x", blobParams{failCreate: true})
	assert.ErrorIs(t, err, core.ErrCreationFailed)
	assert.Equal(t, 0, m.Len())

	_, err = m.Load(ctx, "", blobParams{})
	assert.ErrorIs(t, err, core.ErrInvalidParameter)
}

func TestMaxCount(t *testing.T) {
	ctx := context.Background()
	m, _ := newBlobManager(resources.ManagerConfig{Name: "blobs", MaxCount: 2})

	_, err := m.Load(ctx, "a", blobParams{})
	require.NoError(t, err)
	_, err = m.Load(ctx, "b", blobParams{})
	require.NoError(t, err)
	_, err = m.Load(ctx, "c", blobParams{})
	assert.ErrorIs(t, err, core.ErrCreationFailed)

	// hits never count against the limit
	_, err = m.Load(ctx, "a", blobParams{})
	assert.NoError(t, err)
}

func TestCloneIndependence(t *testing.T) {
	ctx := context.Background()
	m, c := newBlobManager(resources.ManagerConfig{Name: "blobs"})

	src, err := m.Load(ctx, "mat", blobParams{})
	require.NoError(t, err)

	c1, err := m.Clone(ctx, src.Get())
	require.NoError(t, err)
	c2, err := m.Clone(ctx, src.Get())
	require.NoError(t, err)

	assert.Equal(t, 2, c.clones)
	assert.True(t, c1.Get().IsCloned())
	assert.True(t, c2.Get().IsCloned())
	assert.True(t, c1.Get().CloneID().IsValid())
	assert.NotEqual(t, c1.Get().CloneID(), c2.Get().CloneID())
	assert.Equal(t, src.Get().ID(), c1.Get().ID())
	assert.Equal(t, uint32(1), src.Get().ReferCount())
	assert.Equal(t, uint32(1), c1.Get().ReferCount())
	assert.Equal(t, src.Get().data, c1.Get().data)
	assert.Equal(t, 3, m.Len())

	found, ok := m.GetClone("mat", c2.Get().CloneID())
	require.True(t, ok)
	assert.Same(t, c2.Get(), found)

	require.NoError(t, c1.Release(ctx))
	assert.Equal(t, uint32(1), src.Get().ReferCount())
	assert.Equal(t, uint32(1), c2.Get().ReferCount())
	assert.True(t, src.Get().IsLoaded())
	assert.True(t, c2.Get().IsLoaded())

	_, ok = m.GetClone("mat", c1.Get().CloneID())
	assert.False(t, ok)
	_, ok = m.Get("mat")
	assert.True(t, ok)
}

func TestCloneFailures(t *testing.T) {
	ctx := context.Background()
	m, _ := newBlobManager(resources.ManagerConfig{Name: "blobs"})
	other, _ := newBlobManager(resources.ManagerConfig{Name: "others"})

	_, err := m.Clone(ctx, nil)
	assert.ErrorIs(t, err, core.ErrCloneFailed)

	foreign, err := other.Load(ctx, "foreign", blobParams{})
	require.NoError(t, err)
	_, err = m.Clone(ctx, foreign.Get())
	assert.ErrorIs(t, err, core.ErrCloneFailed)

	h, err := m.Load(ctx, "gone", blobParams{})
	require.NoError(t, err)
	res := h.Get()
	require.NoError(t, h.Release(ctx))
	_, err = m.Clone(ctx, res)
	assert.ErrorIs(t, err, core.ErrCloneFailed)
}

func TestUnloadAllResources(t *testing.T) {
	ctx := context.Background()
	m, c := newBlobManager(resources.ManagerConfig{Name: "blobs"})

	for _, name := range []string{"a", "b", "c"} {
		_, err := m.Load(ctx, name, blobParams{})
		require.NoError(t, err)
		_, err = m.Load(ctx, name, blobParams{})
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.Len())

	require.NoError(t, m.UnloadAllResources(ctx))
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 3, c.unloads)
	for _, name := range []string{"a", "b", "c"} {
		_, ok := m.Get(name)
		assert.False(t, ok)
	}
}

func TestUnloadUnusedSweepsOnlyZeroRefs(t *testing.T) {
	ctx := context.Background()
	m, c := newBlobManager(resources.ManagerConfig{Name: "blobs", RetainUnused: true})

	keep, err := m.Load(ctx, "keep", blobParams{})
	require.NoError(t, err)
	drop, err := m.Load(ctx, "drop", blobParams{})
	require.NoError(t, err)

	require.NoError(t, drop.Release(ctx))
	// retained with no references
	res, ok := m.Get("drop")
	require.True(t, ok)
	assert.Equal(t, uint32(0), res.ReferCount())
	assert.True(t, res.IsLoaded())

	require.NoError(t, m.UnloadUnused(ctx))
	_, ok = m.Get("drop")
	assert.False(t, ok)
	_, ok = m.Get("keep")
	assert.True(t, ok)
	assert.Equal(t, uint32(1), keep.Get().ReferCount())
	assert.Equal(t, 1, c.unloads)
}

func TestRetainedEntryIsRevivedByLoad(t *testing.T) {
	ctx := context.Background()
	m, c := newBlobManager(resources.ManagerConfig{Name: "blobs", RetainUnused: true})

	h, err := m.Load(ctx, "a", blobParams{})
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))

	h2, err := m.Load(ctx, "a", blobParams{})
	require.NoError(t, err)
	assert.Same(t, h.Get(), h2.Get())
	assert.Equal(t, uint32(1), h2.Get().ReferCount())
	assert.Equal(t, 1, c.loads)
}

func TestHooksRunBeforeUnload(t *testing.T) {
	ctx := context.Background()
	m, _ := newBlobManager(resources.ManagerConfig{Name: "blobs"})

	var destroyed []string
	m.SetHooks(resources.Hooks[*blob]{
		OnDestroy: func(res *blob) {
			assert.True(t, res.IsLoaded())
			destroyed = append(destroyed, res.Name())
		},
	})

	h, err := m.Load(ctx, "a", blobParams{})
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
	assert.Equal(t, []string{"a"}, destroyed)
}

func TestNamesAndGeneration(t *testing.T) {
	ctx := context.Background()
	m, _ := newBlobManager(resources.ManagerConfig{Name: "blobs"})

	a, err := m.Load(ctx, "b", blobParams{})
	require.NoError(t, err)
	b, err := m.Load(ctx, "a", blobParams{})
	require.NoError(t, err)
	_, err = m.Clone(ctx, a.Get())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, m.Names())
	assert.Less(t, a.Get().Generation(), b.Get().Generation())
}

func TestNilFactoryPanics(t *testing.T) {
	assert.Panics(t, func() {
		resources.NewManager[*blob, blobParams](resources.ManagerConfig{}, nil)
	})
	var fn resources.FactoryFunc[*blob, blobParams]
	assert.Panics(t, func() {
		resources.NewManager[*blob, blobParams](resources.ManagerConfig{}, fn)
	})
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := core.NewCacheMetrics(reg)
	m, c := newBlobManager(resources.ManagerConfig{Name: "blobs", Metrics: metrics})

	h, err := m.Load(ctx, "a", blobParams{})
	require.NoError(t, err)
	_, err = m.Load(ctx, "a", blobParams{})
	require.NoError(t, err)
	c.failLoad = true
	_, err = m.Load(ctx, "b", blobParams{})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Hits.WithLabelValues("blobs")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Misses.WithLabelValues("blobs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LoadFailures.WithLabelValues("blobs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Cached.WithLabelValues("blobs")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.LoadSeconds, "anima_resources_load_duration_seconds"))

	require.NoError(t, m.UnloadAllResources(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Evictions.WithLabelValues("blobs")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Cached.WithLabelValues("blobs")))
	assert.Equal(t, uint32(0), h.Get().ReferCount())
}
