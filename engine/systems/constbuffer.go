package systems

import (
	"context"
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
)

/**
 * @brief A block of shader constants. The contents live in host memory until
 * a renderer uploads them.
 */
type GPUConstBuffer struct {
	*resources.Base
	bufferSize uint64

	mu   sync.RWMutex
	data []byte
}

func (b *GPUConstBuffer) Type() resources.Type { return resources.TypeGPUConstBuffer }

func (b *GPUConstBuffer) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make([]byte, b.bufferSize)
	b.SetSize(b.bufferSize)
	return nil
}

func (b *GPUConstBuffer) Unload(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	return nil
}

func (b *GPUConstBuffer) Clone(ctx context.Context) (*GPUConstBuffer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	clone := &GPUConstBuffer{
		Base:       resources.NewBase(b.Name()),
		bufferSize: b.bufferSize,
		data:       append([]byte(nil), b.data...),
	}
	clone.SetSize(b.bufferSize)
	return clone, nil
}

// Write copies data into the buffer at offset.
func (b *GPUConstBuffer) Write(offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return fmt.Errorf("const buffer '%s' is not loaded: %w", b.Name(), core.ErrInvalidParameter)
	}
	if offset > uint64(len(b.data)) || uint64(len(data)) > uint64(len(b.data))-offset {
		return fmt.Errorf("const buffer '%s': writing %d bytes at %d overflows %d bytes: %w",
			b.Name(), len(data), offset, len(b.data), core.ErrInvalidParameter)
	}
	copy(b.data[offset:], data)
	return nil
}

// Bytes returns a copy of the buffer contents.
func (b *GPUConstBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.data...)
}

type GPUConstBufferManagerConfig struct {
	MaxBufferCount uint32
}

type GPUConstBufferManager struct {
	*resources.Manager[*GPUConstBuffer, uint64]
	config GPUConstBufferManagerConfig
}

func NewGPUConstBufferManager(config GPUConstBufferManagerConfig, metrics *core.CacheMetrics) (*GPUConstBufferManager, error) {
	if config.MaxBufferCount == 0 {
		err := fmt.Errorf("NewGPUConstBufferManager - config.MaxBufferCount must be greater than 0: %w", core.ErrInvalidParameter)
		core.LogError(err.Error())
		return nil, err
	}

	bm := &GPUConstBufferManager{config: config}
	bm.Manager = resources.NewManager[*GPUConstBuffer, uint64](resources.ManagerConfig{
		Name:     "constbuffers",
		MaxCount: config.MaxBufferCount,
		Metrics:  metrics,
	}, resources.FactoryFunc[*GPUConstBuffer, uint64](func(name string, size uint64) (*GPUConstBuffer, error) {
		if size == 0 {
			return nil, fmt.Errorf("const buffer '%s' needs a size: %w", name, core.ErrInvalidParameter)
		}
		return &GPUConstBuffer{Base: resources.NewBase(name), bufferSize: size}, nil
	}))
	return bm, nil
}

// LoadBuffer allocates a zeroed buffer of size bytes. The size of an already
// loaded buffer is not changed.
func (bm *GPUConstBufferManager) LoadBuffer(ctx context.Context, name string, size uint64) (*resources.Handle[*GPUConstBuffer], error) {
	return bm.Load(ctx, name, size)
}

func (bm *GPUConstBufferManager) UnloadBuffer(ctx context.Context, h *resources.Handle[*GPUConstBuffer]) error {
	return bm.Unload(ctx, h)
}

func (bm *GPUConstBufferManager) Shutdown(ctx context.Context) error {
	return bm.UnloadAllResources(ctx)
}
