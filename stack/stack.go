// Package stack provides the fiber runtime's stack allocator.
//
// A real stackful coroutine in a systems language owns a raw memory
// region it switches onto. Go's runtime already grows and shrinks a
// goroutine's stack for us, so there is nothing to mmap here; what
// this package actually owns is the *size hint* a fiber is created
// with, and a pool that lets repeated fiber Acquire/Release cycles
// avoid reallocating the bookkeeping (not the stack memory itself,
// which Go manages) that backs a fiber shell.
package stack

import "sync"

// DefaultSize is the default coroutine stack size hint, 1 MiB. It is
// a var rather than a const so a runtime can tune it once at startup
// (see fiber.SetDefaultStackSize); nothing in this package mutates it
// after startup, so it is read without synchronization.
var DefaultSize = 1 << 20

// Allocator hands out stack-size classes and pools reusable shells of
// type T, keyed by size class, so that fibers created and torn down
// repeatedly at the same size do not pay allocation cost per cycle.
type Allocator[T any] struct {
	newFn func(size int) *T

	mu    sync.Mutex
	pools map[int]*sync.Pool
}

// NewAllocator creates an Allocator whose pooled values are produced
// by newFn when the pool for a given size class is empty.
func NewAllocator[T any](newFn func(size int) *T) *Allocator[T] {
	return &Allocator[T]{
		newFn: newFn,
		pools: make(map[int]*sync.Pool),
	}
}

// Resolve maps a caller-requested size to the size class actually
// used: zero means "use the default", anything else is used as-is.
func Resolve(size int) int {
	if size == 0 {
		return DefaultSize
	}
	return size
}

// Get returns a pooled value for the given size class, allocating a
// new one via newFn if the pool is empty. Allocation failure (newFn
// returning nil) is the caller's responsibility to treat as fatal;
// this package never panics or retries silently.
func (a *Allocator[T]) Get(size int) *T {
	size = Resolve(size)

	a.mu.Lock()
	pool, ok := a.pools[size]
	if !ok {
		sz := size
		pool = &sync.Pool{New: func() any { return a.newFn(sz) }}
		a.pools[size] = pool
	}
	a.mu.Unlock()

	v, _ := pool.Get().(*T)
	return v
}

// Put returns a value to its size class's pool for reuse. The caller
// must have already reset v to a state safe for reuse.
func (a *Allocator[T]) Put(size int, v *T) {
	size = Resolve(size)

	a.mu.Lock()
	pool, ok := a.pools[size]
	a.mu.Unlock()
	if !ok || v == nil {
		return
	}
	pool.Put(v)
}
