package resources

import (
	"context"
	"sync/atomic"

	"github.com/spaghettifunk/anima-resources/engine/core"
)

type Type int

/** @brief Pre-defined resource types. */
const (
	TypeUnknown Type = iota
	/** @brief Dynamic library (Go plugin). */
	TypeDylib
	/** @brief Backing content container (directory tree, zip file). */
	TypeArchive
	TypeMaterial
	TypeTexture
	TypeShader
	TypeGPUProgram
	TypeGPUConstBuffer
	TypeModel
)

func (t Type) String() string {
	switch t {
	case TypeDylib:
		return "Dylib"
	case TypeArchive:
		return "Archive"
	case TypeMaterial:
		return "Material"
	case TypeTexture:
		return "Texture"
	case TypeShader:
		return "Shader"
	case TypeGPUProgram:
		return "GPUProgram"
	case TypeGPUConstBuffer:
		return "GPUConstBuffer"
	case TypeModel:
		return "Model"
	default:
		return "Unknown"
	}
}

/**
 * @brief One named, loadable unit of content. Every asset kind embeds *Base
 * and is created, loaded, cloned and destroyed exclusively by a Manager.
 */
type Resource interface {
	Name() string
	ID() core.ID
	CloneID() core.ID
	IsCloned() bool
	Size() uint64
	IsLoaded() bool
	ReferCount() uint32
	Generation() uint64
	Type() Type

	// Load populates the content. Calling it again on a loaded resource is
	// up to the concrete type.
	Load(ctx context.Context) error
	// Unload releases the content. It must be a no-op on an unloaded resource.
	Unload(ctx context.Context) error

	base() *Base
}

// Cloner is a Resource able to deep-copy itself into a new, unloaded-identity
// instance of its own type.
type Cloner[R any] interface {
	Resource
	Clone(ctx context.Context) (R, error)
}

/**
 * @brief Identity and lifecycle state shared by all resources. The owning
 * manager is the only writer of id, clone id, load state and refcount.
 */
type Base struct {
	name       string
	id         core.ID
	cloneID    core.ID
	generation uint64

	size   atomic.Uint64
	loaded atomic.Bool
	refs   atomic.Uint32
}

func NewBase(name string) *Base {
	return &Base{
		name:    name,
		id:      core.ToID(name),
		cloneID: core.InvalidID,
	}
}

func (b *Base) base() *Base { return b }

func (b *Base) Name() string        { return b.name }
func (b *Base) ID() core.ID         { return b.id }
func (b *Base) CloneID() core.ID    { return b.cloneID }
func (b *Base) IsCloned() bool      { return b.cloneID != core.InvalidID }
func (b *Base) Size() uint64        { return b.size.Load() }
func (b *Base) IsLoaded() bool      { return b.loaded.Load() }
func (b *Base) ReferCount() uint32  { return b.refs.Load() }
func (b *Base) Generation() uint64  { return b.generation }
func (b *Base) SetSize(size uint64) { b.size.Store(size) }

func (b *Base) key() Key {
	return Key{ID: b.id, CloneID: b.cloneID}
}
