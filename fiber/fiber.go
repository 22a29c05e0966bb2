// Package fiber implements the runtime's coroutine primitive: a
// stackful, cooperatively-scheduled unit of execution with its own
// saved machine context, symmetrically switched in and out of
// execution.
//
// Go's runtime already multiplexes growable-stack goroutines M:N onto
// OS threads, so a fiber is backed by exactly one goroutine, blocked
// on an unbuffered channel except while it holds the turn. Resume and
// yield are a synchronous channel handshake rather than a
// swapcontext/ucontext_t pair, which gets the same symmetric transfer
// of control without needing raw stack-pointer manipulation.
package fiber

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-fiberloop/rtlog"
	"github.com/joeycumines/go-fiberloop/stack"
)

// State is the fiber's lifecycle state, held in an atomic rather than
// guarded by a mutex.
type State int32

const (
	StateInit State = iota
	StateReady
	StateExec
	StateHold
	StateTerm
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

var idCounter atomic.Uint64

func nextID() uint64 { return idCounter.Add(1) }

// Fiber is a single coroutine: an identifier, a state, a stack-size
// hint, a saved "machine context" (here: a parked goroutine blocked on
// a channel receive), and the callable it runs.
type Fiber struct {
	id        uint64
	state     atomic.Int32
	stackSize int
	isMain    bool

	mu sync.Mutex
	fn func()

	resume chan struct{} // resumer -> fiber goroutine: you have the turn
	yield  chan struct{} // fiber goroutine -> resumer: turn is back with you

	panicVal  any
	backtrace string
}

// Option configures a Fiber at construction.
type Option func(*Fiber)

// WithStackHint selects the stack-size class backing this fiber. Zero
// (the default if omitted) means "use the configured default".
func WithStackHint(size int) Option {
	return func(f *Fiber) { f.stackSize = size }
}

// DefaultStackSize returns the stack-size hint new fibers use when
// created with a zero size hint.
func DefaultStackSize() int { return stack.DefaultSize }

// SetDefaultStackSize overrides the default stack-size hint applied
// when a fiber is created with WithStackHint(0) or no hint at all.
// Intended to be called once during runtime setup, typically wired to
// a configuration source's "coroutine.stack_size" key (see
// hook.Hooks.WireConfig). Values <= 0 are ignored.
func SetDefaultStackSize(n int) {
	if n <= 0 {
		return
	}
	stack.DefaultSize = n
}

func newShell(size int) *Fiber {
	return &Fiber{
		stackSize: size,
		resume:    make(chan struct{}),
		yield:     make(chan struct{}),
	}
}

var shellPool = stack.NewAllocator(newShell)

// New creates a coroutine in StateInit with fn as its body. fn
// receives no arguments; it calls YieldToHold/YieldToReady (package
// functions, acting on "whatever fiber is executing on this
// goroutine") to suspend itself.
func New(fn func(), opts ...Option) *Fiber {
	f := &Fiber{
		id:     nextID(),
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.fn = fn
	f.state.Store(int32(StateInit))
	return f
}

// Acquire returns a pooled Fiber shell sized per stack.Resolve(sizeHint)
// with fn as its body, reusing a previously Release-d shell's channels
// when available. This backs the scheduler's reusable per-worker
// "callback coroutine", avoiding a fresh pair of channels on every
// callback dispatch.
func Acquire(sizeHint int, fn func()) *Fiber {
	f := shellPool.Get(sizeHint)
	f.id = nextID()
	f.fn = fn
	f.state.Store(int32(StateInit))
	f.panicVal = nil
	f.backtrace = ""
	return f
}

// Release returns f's shell to the pool for reuse by a future Acquire
// call with the same size hint. f must be in StateInit (never resumed)
// or have finished running (StateTerm or StateExcept), and must not be
// referenced again by the caller afterward: a fiber parked in
// StateHold/StateReady still has a live goroutine blocked on its resume
// channel, and releasing it would let a subsequent Acquire hand the
// same channel pair to a second, unrelated goroutine.
func Release(f *Fiber) {
	if f == nil || f.isMain {
		return
	}
	switch State(f.state.Load()) {
	case StateInit, StateTerm, StateExcept:
	default:
		rtlog.Global().Log(rtlog.LevelError, "fiber", "release refused: fiber has not finished running",
			rtlog.F("fiber_id", f.id), rtlog.F("state", f.State()))
		return
	}
	shellPool.Put(f.stackSize, f)
}

// ID returns the fiber's monotonically increasing identifier.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// PanicValue returns the value recovered from the fiber body's panic,
// if its state is StateExcept; nil otherwise.
func (f *Fiber) PanicValue() any { return f.panicVal }

// Backtrace returns the captured stack trace for a StateExcept fiber,
// or "" otherwise.
func (f *Fiber) Backtrace() string { return f.backtrace }

// Resume switches from the calling goroutine's current fiber (its
// "main coroutine" if none) to f; the caller's context is preserved
// as the resume target for f's next yield. f must be in StateInit,
// StateHold, or StateReady. It returns whether f is still alive
// (i.e. not StateTerm/StateExcept) after this resume-to-yield round
// trip completes.
//
// Calling Resume on a fiber in StateTerm/StateExcept/StateExec is a
// programmer error. Rather than asserting and aborting the process,
// this refuses the resume and logs it, leaving the caller free to
// decide how a misused fiber should be handled.
func (f *Fiber) Resume() bool {
	switch State(f.state.Load()) {
	case StateInit:
		f.spawn()
	case StateHold, StateReady:
		// existing goroutine already parked on f.resume
	default:
		rtlog.Global().Log(rtlog.LevelError, "fiber", "resume refused: invalid state",
			rtlog.F("fiber_id", f.id), rtlog.F("state", f.State()))
		return false
	}

	f.state.Store(int32(StateExec))

	f.resume <- struct{}{}
	<-f.yield

	st := State(f.state.Load())
	return st != StateTerm && st != StateExcept
}

// spawn starts the goroutine backing f's first run. It parks
// immediately on f.resume; Resume's subsequent send unblocks it.
//
// The hook-enabled flag lives in the per-goroutine registry (see
// registry.go), so it does not automatically carry over from the
// resuming goroutine to f's own freshly spawned one the way it would
// if both shared a single OS thread's TLS. spawn captures it from
// whichever goroutine is resuming f and re-applies it on f's goroutine
// once, at startup, rather than re-checking on every hook call.
func (f *Fiber) spawn() {
	inheritedHook := HookEnabled()
	go func() {
		defer teardown()
		<-f.resume
		setCurrent(f)
		SetHookEnabled(inheritedHook)

		func() {
			defer func() {
				if r := recover(); r != nil {
					f.panicVal = r
					f.backtrace = string(debug.Stack())
					f.state.Store(int32(StateExcept))
					rtlog.Global().Log(rtlog.LevelError, "fiber", "panic in fiber body",
						rtlog.F("fiber_id", f.id), rtlog.F("panic", r))
				}
			}()
			f.mu.Lock()
			fn := f.fn
			f.mu.Unlock()
			fn()
			if State(f.state.Load()) == StateExec {
				f.state.Store(int32(StateTerm))
			}
		}()

		f.yield <- struct{}{}
	}()
}

// Reset reinitializes f to run fn on its next Resume, reusing the
// same identity and (once pooled via Acquire) the same channel pair.
// Only valid from StateTerm, StateInit, or StateExcept; returns false
// otherwise. Go has no "reuse this goroutine's stack" primitive, so
// reuse here means the *Fiber shell and its channels, not a literal
// goroutine stack: the next Resume spawns a fresh goroutine.
func (f *Fiber) Reset(fn func()) bool {
	switch State(f.state.Load()) {
	case StateTerm, StateInit, StateExcept:
	default:
		rtlog.Global().Log(rtlog.LevelError, "fiber", "reset refused: invalid state",
			rtlog.F("fiber_id", f.id), rtlog.F("state", f.State()))
		return false
	}
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	f.panicVal = nil
	f.backtrace = ""
	f.state.Store(int32(StateInit))
	return true
}

// YieldToHold suspends the fiber currently executing on the calling
// goroutine, marking it StateHold, and resumes the goroutine that last
// called Resume on it. Calling this outside a fiber body (i.e. on a
// main fiber) is a programmer error and panics.
func YieldToHold() { yieldTo(StateHold) }

// YieldToReady suspends the fiber currently executing on the calling
// goroutine, marking it StateReady so the scheduler re-enqueues it,
// and resumes the goroutine that last called Resume on it.
func YieldToReady() { yieldTo(StateReady) }

func yieldTo(target State) {
	f := Current()
	if f.isMain {
		panic("fiber: yield called outside a fiber body")
	}
	f.state.Store(int32(target))
	f.yield <- struct{}{}
	<-f.resume
	f.state.Store(int32(StateExec))
}
