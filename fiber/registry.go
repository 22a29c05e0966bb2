package fiber

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineID extracts the numeric ID of the calling goroutine from its
// own stack trace header ("goroutine 123 [running]: ...").
//
// Go deliberately has no public, portable thread-local-storage
// primitive. This is the standard workaround used by
// goroutine-local-storage libraries in the ecosystem. It is not cheap:
// it runs on every call to Current, HookEnabled and SetHookEnabled,
// which includes every yield and every hook I/O operation.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

// registry maps a goroutine ID to the Fiber currently executing on it,
// a per-thread registry of {current coroutine, thread's main coroutine,
// hook-enabled flag}. Each worker goroutine is pinned for its
// lifetime (see scheduler.Worker), so one goroutine ID maps to exactly
// one registry slot for as long as the worker lives.
type registry struct {
	mu   sync.RWMutex
	slot map[int64]*slotState
}

type slotState struct {
	current *Fiber
	main    *Fiber
	hooked  bool
}

var globalRegistry = &registry{slot: make(map[int64]*slotState)}

func (r *registry) get(gid int64) *slotState {
	r.mu.RLock()
	s, ok := r.slot[gid]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.slot[gid]; ok {
		return s
	}
	s = &slotState{}
	r.slot[gid] = s
	return s
}

func (r *registry) delete(gid int64) {
	r.mu.Lock()
	delete(r.slot, gid)
	r.mu.Unlock()
}

// setCurrent records f as the fiber executing on the calling goroutine.
func setCurrent(f *Fiber) {
	globalRegistry.get(goroutineID()).current = f
}

// HookEnabled reports whether the syscall hook layer has opted this
// goroutine in (set once by the scheduler worker on first descent into
// its dispatch loop).
func HookEnabled() bool {
	return globalRegistry.get(goroutineID()).hooked
}

// SetHookEnabled opts the calling goroutine in or out of the hook
// layer. A scheduler worker calls it when it starts, and each fiber's
// goroutine calls it at startup to inherit its resumer's flag.
func SetHookEnabled(enabled bool) {
	globalRegistry.get(goroutineID()).hooked = enabled
}

// Current returns the Fiber executing on the calling goroutine,
// lazily creating a "main fiber" shell (a degenerate Fiber with no
// owned goroutine of its own, representing the thread's original
// entry context) if none is registered yet.
func Current() *Fiber {
	gid := goroutineID()
	s := globalRegistry.get(gid)
	if s.current != nil {
		return s.current
	}
	if s.main == nil {
		s.main = &Fiber{id: nextID(), isMain: true}
		s.main.state.Store(int32(StateExec))
	}
	s.current = s.main
	return s.main
}

// teardown clears the registry slot for the calling goroutine,
// mirroring "destroyed with the thread" for the main fiber.
func teardown() {
	globalRegistry.delete(goroutineID())
}

// ReleaseGoroutine clears the registry slot for the calling goroutine.
// A worker goroutine that is about to exit permanently (as opposed to
// a fiber's own goroutine, which already does this via spawn's
// deferred teardown) should call this so its dead goroutine ID doesn't
// linger in the registry.
func ReleaseGoroutine() {
	teardown()
}
