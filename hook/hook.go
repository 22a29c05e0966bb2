// Package hook implements the runtime's syscall interception layer.
// True dynamic-linker symbol interposition (dlsym'ing the libc
// original and rebinding read/write/accept/connect/close) has no
// portable Go equivalent without cgo, so this is an explicit wrapper
// API: fiber bodies call the Read/Accept/Connect/... methods of a Hooks
// value instead of the raw syscall, and these wrappers implement the same
// would-block -> cooperative-wait -> retry flow that transparent
// interposition would apply automatically.
package hook

import (
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-fiberloop/fdcache"
	"github.com/joeycumines/go-fiberloop/fiber"
	"github.com/joeycumines/go-fiberloop/ioreactor"
	"github.com/joeycumines/go-fiberloop/scheduler"
	"github.com/joeycumines/go-fiberloop/timer"
)

// Hooks bundles the I/O reactor and fd cache a set of hook functions
// operate against. Constructed explicitly (rather than assembled from
// package-level globals) so tests and multiple independent runtimes in
// the same process don't share state; SetGlobal/Global provide the
// process-wide convenience instance most programs actually want.
type Hooks struct {
	IO  *ioreactor.Manager
	Fds *fdcache.Cache

	connectTimeout atomic.Int64 // nanoseconds; see ConnectTimeout/WireConfig
}

// New bundles an already-constructed reactor and fd cache.
func New(io *ioreactor.Manager, fds *fdcache.Cache) *Hooks {
	return &Hooks{IO: io, Fds: fds}
}

var (
	globalMu    sync.RWMutex
	globalHooks *Hooks
)

// SetGlobal installs h as the process-wide hook instance returned by
// Global.
func SetGlobal(h *Hooks) {
	globalMu.Lock()
	globalHooks = h
	globalMu.Unlock()
}

// Global returns the process-wide hook instance, or nil if SetGlobal
// was never called.
func Global() *Hooks {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHooks
}

// Socket creates a socket and forces it non-blocking at the system
// level (hook.Read/Write/Accept/Connect rely on this to actually
// observe EAGAIN instead of blocking the OS thread).
func (h *Hooks) Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	h.Fds.GetOrCreate(fd, true).SetSysNonblock(true)
	return fd, nil
}

// Read cooperatively waits for fd to become readable (bounded by its
// configured recv timeout, if any) and retries until data is available
// or a real error/timeout occurs.
func (h *Hooks) Read(fd int, p []byte) (int, error) {
	return h.doIO(fd, ioreactor.EventRead, fdcache.Recv, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Write cooperatively waits for fd to become writable and retries
// until the write succeeds or a real error/timeout occurs.
func (h *Hooks) Write(fd int, p []byte) (int, error) {
	return h.doIO(fd, ioreactor.EventWrite, fdcache.Send, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Recv is Read under BSD-socket naming.
func (h *Hooks) Recv(fd int, p []byte) (int, error) { return h.Read(fd, p) }

// Send is Write under BSD-socket naming.
func (h *Hooks) Send(fd int, p []byte) (int, error) { return h.Write(fd, p) }

// Accept cooperatively waits for a pending connection and returns the
// accepted fd, forced non-blocking like Socket.
func (h *Hooks) Accept(fd int) (int, error) {
	n, err := h.doIO(fd, ioreactor.EventRead, fdcache.Recv, func() (int, error) {
		nfd, _, acceptErr := unix.Accept(fd)
		return nfd, acceptErr
	})
	if err == nil {
		if setErr := unix.SetNonblock(n, true); setErr != nil {
			_ = unix.Close(n)
			return -1, setErr
		}
		h.Fds.GetOrCreate(n, true).SetSysNonblock(true)
	}
	return n, err
}

// Connect starts a non-blocking connect and cooperatively waits for it
// to complete, bounded by timeout (zero means wait indefinitely).
func (h *Hooks) Connect(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	if !fiber.HookEnabled() {
		return unix.Connect(fd, sa)
	}
	if err := unix.Connect(fd, sa); err != unix.EINPROGRESS {
		return err
	}

	f := fiber.Current()
	var tm *timer.Timer
	timedOut := false
	if timeout > 0 {
		tm = h.armTimeout(fd, ioreactor.EventWrite, f, timeout, &timedOut)
	}
	if err := h.IO.AddFiberEvent(fd, ioreactor.EventWrite, f, scheduler.AnyThread); err != nil {
		if tm != nil {
			tm.Cancel()
		}
		return err
	}
	fiber.YieldToHold()
	if tm != nil {
		tm.Cancel()
	}
	if timedOut {
		return unix.ETIMEDOUT
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// ConnectTimeout returns the default timeout ConnectDefault applies.
// Zero means wait indefinitely. Defaults to zero until SetConnectTimeout
// or WireConfig sets it.
func (h *Hooks) ConnectTimeout() time.Duration {
	return time.Duration(h.connectTimeout.Load())
}

// SetConnectTimeout overrides the default ConnectDefault applies.
func (h *Hooks) SetConnectTimeout(d time.Duration) {
	h.connectTimeout.Store(int64(d))
}

// ConnectDefault is Connect using h's configured default timeout (see
// SetConnectTimeout/WireConfig) instead of a caller-supplied one —
// what an external TCP-server or -client layer would call after
// wiring h to a loaded configuration.
func (h *Hooks) ConnectDefault(fd int, sa unix.Sockaddr) error {
	return h.Connect(fd, sa, h.ConnectTimeout())
}

// Close cancels any pending watch on fd, drops its cached metadata,
// and closes the underlying descriptor.
func (h *Hooks) Close(fd int) error {
	if ctx := h.Fds.Get(fd); ctx != nil {
		ctx.SetClosed(true)
		h.IO.CancelAll(fd)
		h.Fds.Delete(fd)
	}
	return unix.Close(fd)
}

// Sleep cooperatively suspends the current fiber for d, letting the
// worker it was running on serve other tasks in the meantime. Calling
// this outside a fiber body degrades to a real, thread-blocking sleep.
func (h *Hooks) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if !fiber.HookEnabled() {
		time.Sleep(d)
		return
	}
	f := fiber.Current()
	wf := weak.Make(f)
	timer.AddConditionTimer(h.IO.Timers, d, wf, func() {
		h.IO.Schedule(scheduler.FromFiber(f, scheduler.AnyThread))
	}, false)
	fiber.YieldToHold()
}

// SetNonblock records the caller's requested non-blocking mode for fd.
// The fd remains non-blocking at the system level regardless (see
// Socket); this flag only changes whether hook functions wait or
// return EAGAIN immediately.
func (h *Hooks) SetNonblock(fd int, nonblocking bool) {
	h.Fds.GetOrCreate(fd, true).SetUserNonblock(nonblocking)
}

// Nonblock reports fd's caller-requested non-blocking flag.
func (h *Hooks) Nonblock(fd int) bool {
	if ctx := h.Fds.Get(fd); ctx != nil {
		return ctx.UserNonblock()
	}
	return false
}

// SetRecvTimeout configures fd's SO_RCVTIMEO-equivalent timeout.
func (h *Hooks) SetRecvTimeout(fd int, d time.Duration) {
	h.Fds.GetOrCreate(fd, true).SetTimeout(fdcache.Recv, d)
}

// SetSendTimeout configures fd's SO_SNDTIMEO-equivalent timeout.
func (h *Hooks) SetSendTimeout(fd int, d time.Duration) {
	h.Fds.GetOrCreate(fd, true).SetTimeout(fdcache.Send, d)
}

// RecvTimeout returns fd's configured recv timeout, or fdcache.NoTimeout.
func (h *Hooks) RecvTimeout(fd int) time.Duration {
	if ctx := h.Fds.Get(fd); ctx != nil {
		return ctx.Timeout(fdcache.Recv)
	}
	return fdcache.NoTimeout
}

// SendTimeout returns fd's configured send timeout, or fdcache.NoTimeout.
func (h *Hooks) SendTimeout(fd int) time.Duration {
	if ctx := h.Fds.Get(fd); ctx != nil {
		return ctx.Timeout(fdcache.Send)
	}
	return fdcache.NoTimeout
}

// doIO is the generic would-block/cooperative-wait/retry flow shared
// by Read/Write/Accept: attempt the raw syscall; on EAGAIN, if hooks
// are enabled for this goroutine and the caller hasn't opted into
// non-blocking semantics, register a readiness watch (bounded by the
// fd's configured timeout for dir) and yield until woken, then retry.
func (h *Hooks) doIO(fd int, dir ioreactor.Direction, timeoutDir fdcache.Direction, attempt func() (int, error)) (int, error) {
	if !fiber.HookEnabled() {
		return attempt()
	}
	ctx := h.Fds.GetOrCreate(fd, true)
	if ctx.Closed() {
		return -1, unix.EBADF
	}
	if ctx.UserNonblock() {
		return attempt()
	}

	for {
		n, err := attempt()
		if err != unix.EAGAIN {
			return n, err
		}

		f := fiber.Current()
		timeout := ctx.Timeout(timeoutDir)
		var tm *timer.Timer
		timedOut := false
		if timeout > 0 {
			tm = h.armTimeout(fd, dir, f, timeout, &timedOut)
		}

		if err := h.IO.AddFiberEvent(fd, dir, f, scheduler.AnyThread); err != nil {
			if tm != nil {
				tm.Cancel()
			}
			return -1, err
		}

		fiber.YieldToHold()

		if tm != nil {
			tm.Cancel()
		}
		if timedOut {
			return -1, unix.ETIMEDOUT
		}
	}
}

// armTimeout schedules a condition timer that, if it fires before the
// awaited fd becomes ready, cancels the pending watch and flags
// timedOut. Guarded by a weak pointer to the waiting fiber so a timer
// outliving its fiber (already collected some other way) is a no-op.
func (h *Hooks) armTimeout(fd int, dir ioreactor.Direction, f *fiber.Fiber, d time.Duration, timedOut *bool) *timer.Timer {
	wf := weak.Make(f)
	return timer.AddConditionTimer(h.IO.Timers, d, wf, func() {
		// CancelEvent reports false if the awaited direction already fired
		// (e.g. data arrived the same idle pass the deadline elapsed in);
		// only flag a timeout when it actually disarmed something, or a
		// race-won readiness gets misreported as a timeout.
		if h.IO.CancelEvent(fd, dir) {
			*timedOut = true
		}
	}, false)
}
