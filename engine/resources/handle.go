package resources

import (
	"context"
	"sync/atomic"
)

/**
 * @brief A reference-counted share of a cached resource. Every successful
 * Load or Clone returns a new handle holding exactly one reference; releasing
 * the last handle destroys the resource.
 */
type Handle[R Resource] struct {
	res      R
	release  func(ctx context.Context, h *Handle[R]) error
	released atomic.Bool
}

// Get returns the underlying resource. It stays valid until the last handle
// to it is released.
func (h *Handle[R]) Get() R {
	return h.res
}

// Released reports whether this handle already gave its reference back.
func (h *Handle[R]) Released() bool {
	return h.released.Load()
}

// Release gives the reference back to the owning manager. Releasing the same
// handle twice yields core.ErrNotFound.
func (h *Handle[R]) Release(ctx context.Context) error {
	return h.release(ctx, h)
}
