package buildat

import (
	"context"
	"sync"
)

// containerKey is the context key under which AccessModule/dispatch mark a
// Container's mutex as already held by the current call chain.
type containerKey struct{ c *Container }

// Container owns one Module plus the mutex that serializes every call into
// it. The spec calls for a recursive (re-entrant) mutex so that a handler
// running under module A's lock may call AccessModule(A, ...) again without
// deadlocking itself, while two different modules calling into each other
// still take two real locks (and are responsible for avoiding cyclic
// acquisition, per spec.md §5).
//
// Go's sync.Mutex has no notion of the owning goroutine, so a literal
// recursive mutex would need an unidiomatic goroutine-id hack. Instead,
// re-entrancy is tracked explicitly through the context: whoever is already
// holding this Container's lock carries a marker in ctx, and lock() becomes
// a no-op when that marker is present. This keeps the "who holds what" fact
// visible at call sites instead of hidden inside a lock implementation.
type Container struct {
	mu     sync.Mutex
	module Module
	path   string
}

func newContainer(m Module, path string) *Container {
	return &Container{module: m, path: path}
}

// withLock runs fn with the container's mutex held, unless ctx already
// marks it held (re-entrant call from within a handler already running
// under this same container), in which case fn runs immediately.
func (c *Container) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(containerKey{c}) != nil {
		return fn(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(context.WithValue(ctx, containerKey{c}, true))
}
