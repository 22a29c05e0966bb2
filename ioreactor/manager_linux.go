//go:build linux

// Package ioreactor implements the runtime's I/O manager: a Scheduler
// extended with epoll-based readiness watching and a timer set, so a
// worker with no runnable task blocks in epoll_wait instead of
// busy-polling.
//
// It uses epoll_create1 with edge-triggered (EPOLLET) registrations and
// an eventfd, instead of a self-pipe, to break a blocked epoll_wait.
// Each registration carries the fd number in epoll_data; the fd's
// context is looked up in the Manager's fd map when an event fires.
package ioreactor

import (
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-fiberloop/fiber"
	"github.com/joeycumines/go-fiberloop/rtlog"
	"github.com/joeycumines/go-fiberloop/scheduler"
	"github.com/joeycumines/go-fiberloop/timer"
)

// Direction is a watched epoll readiness direction.
type Direction int

const (
	EventRead Direction = iota
	EventWrite
)

// eventContext is a tagged union of {fiber reference, raw callable}
// plus thread affinity, tracking which side of an fd's read/write pair
// is currently armed. Mirrors scheduler.Task's shape; kept distinct
// because scheduler.Task's fields are unexported and a zero Task is
// not distinguishable from "nothing registered".
type eventContext struct {
	active   bool
	fib      *fiber.Fiber
	fn       func()
	threadID int64
}

// FdContext is the per-fd registration record: at most one armed
// eventContext per direction. It carries no back-pointer to the
// Manager — callers reach FdContexts only through Manager methods, so
// the cycle the original design note warns about (fd context ->
// scheduler) never needs to exist here; the Manager already owns both.
type FdContext struct {
	fd        int
	read      eventContext
	write     eventContext
	epollMask uint32
}

// Manager is the I/O reactor: a Scheduler whose idle coroutine blocks
// in epoll_wait, with an embedded timer set consulted to bound how
// long that wait may last.
type Manager struct {
	*scheduler.Scheduler
	Timers *timer.Set

	epfd   int
	wakeFd int

	mu  sync.Mutex
	fds map[int]*FdContext

	closed bool
}

// New constructs an epoll-backed I/O reactor with the given worker pool
// size. It does not launch the workers; call Start for that.
func New(name string, threads int, useCaller bool) (*Manager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, err
	}

	m := &Manager{
		Timers: timer.NewSet(),
		epfd:   epfd,
		wakeFd: wakeFd,
		fds:    make(map[int]*FdContext),
	}
	m.Scheduler = scheduler.New(name, threads, useCaller,
		scheduler.WithIdleFunc(m.idle),
		scheduler.WithTickleFunc(m.tickle),
	)
	m.Timers.OnInsertedAtFront = m.tickle
	return m, nil
}

// Start starts the reactor's worker pool.
func (m *Manager) Start() { m.Scheduler.Start() }

// Close stops the reactor (if not already stopped) and releases the
// epoll and eventfd descriptors. Safe to call once.
func (m *Manager) Close() error {
	m.Scheduler.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	unix.Close(m.wakeFd)
	return unix.Close(m.epfd)
}

// AddEvent arms fd's dir direction to run cb (scheduled as a raw-
// callable Task, pinned to threadID — pass scheduler.AnyThread for no
// affinity) the next time dir becomes ready. Returns ErrAlreadyArmed
// if dir is already armed; the caller must CancelEvent or DelEvent it
// first.
func (m *Manager) AddEvent(fd int, dir Direction, threadID int64, cb func()) error {
	return m.register(fd, eventContext{active: true, fn: cb, threadID: threadID}, dir)
}

// AddFiberEvent arms fd's dir direction to resume f the next time dir
// becomes ready. Returns ErrAlreadyArmed if dir is already armed.
func (m *Manager) AddFiberEvent(fd int, dir Direction, f *fiber.Fiber, threadID int64) error {
	return m.register(fd, eventContext{active: true, fib: f, threadID: threadID}, dir)
}

func (m *Manager) register(fd int, ec eventContext, dir Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	fc, ok := m.fds[fd]
	if !ok {
		fc = &FdContext{fd: fd}
		m.fds[fd] = fc
	}
	switch dir {
	case EventRead:
		if fc.read.active {
			return ErrAlreadyArmed
		}
		fc.read = ec
	case EventWrite:
		if fc.write.active {
			return ErrAlreadyArmed
		}
		fc.write = ec
	}
	return m.applyMask(fc)
}

// applyMask must be called with m.mu held. It issues the epoll_ctl
// call needed to bring the kernel's registration in sync with fc's
// armed directions, adding/modifying/deleting as appropriate, and
// drops fc from the map once neither direction is armed.
func (m *Manager) applyMask(fc *FdContext) error {
	var mask uint32
	if fc.read.active {
		mask |= unix.EPOLLIN
	}
	if fc.write.active {
		mask |= unix.EPOLLOUT
	}

	if mask == 0 {
		if fc.epollMask != 0 {
			_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fc.fd, nil)
		}
		delete(m.fds, fc.fd)
		return nil
	}

	ev := unix.EpollEvent{Events: mask | unix.EPOLLET, Fd: int32(fc.fd)}
	op := unix.EPOLL_CTL_MOD
	if fc.epollMask == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(m.epfd, op, fc.fd, &ev); err != nil {
		return err
	}
	fc.epollMask = mask
	return nil
}

// CancelEvent disarms fd's dir direction, immediately scheduling
// whatever was armed as if it had fired, so a coroutine blocked
// waiting on it is not left parked forever (e.g. fd got closed from
// elsewhere). Returns false if nothing was armed.
func (m *Manager) CancelEvent(fd int, dir Direction) bool {
	m.mu.Lock()
	fc, ok := m.fds[fd]
	if !ok {
		m.mu.Unlock()
		return false
	}
	var ec *eventContext
	switch dir {
	case EventRead:
		ec = &fc.read
	case EventWrite:
		ec = &fc.write
	}
	if !ec.active {
		m.mu.Unlock()
		return false
	}
	triggered := *ec
	*ec = eventContext{}
	_ = m.applyMask(fc)
	m.mu.Unlock()

	m.dispatch(triggered)
	return true
}

// CancelAll disarms both directions on fd and returns how many were
// armed.
func (m *Manager) CancelAll(fd int) int {
	n := 0
	if m.CancelEvent(fd, EventRead) {
		n++
	}
	if m.CancelEvent(fd, EventWrite) {
		n++
	}
	return n
}

// DelEvent disarms fd's dir direction without firing whatever was
// armed, leaving the fd in the same observable state as before it was
// armed. Returns false if nothing was armed for dir.
func (m *Manager) DelEvent(fd int, dir Direction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	fc, ok := m.fds[fd]
	if !ok {
		return false
	}
	var ec *eventContext
	switch dir {
	case EventRead:
		ec = &fc.read
	case EventWrite:
		ec = &fc.write
	}
	if !ec.active {
		return false
	}
	*ec = eventContext{}
	_ = m.applyMask(fc)
	return true
}

func (m *Manager) dispatch(ec eventContext) {
	if !ec.active {
		return
	}
	if ec.fib != nil {
		m.Schedule(scheduler.FromFiber(ec.fib, ec.threadID))
		return
	}
	if ec.fn != nil {
		m.Schedule(scheduler.FromFunc(ec.fn, ec.threadID))
	}
}

// tickle wakes any worker blocked in epoll_wait by writing to the
// eventfd. Coalesces naturally: eventfd semantics add the written
// value to an internal counter, so redundant writes before the reader
// drains it are harmless.
func (m *Manager) tickle() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(m.wakeFd, buf[:])
}

func (m *Manager) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(m.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// pendingCount returns the number of armed (fd, direction) pairs,
// consulted by idle's stopping condition.
func (m *Manager) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, fc := range m.fds {
		if fc.read.active {
			n++
		}
		if fc.write.active {
			n++
		}
	}
	return n
}

func (m *Manager) waitTimeoutMillis() int {
	const cap = 3 * time.Second
	d := cap
	if nd, ok := m.Timers.NextTimeout(); ok && nd < d {
		d = nd
	}
	ms := int(d / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return ms
}

// idle is the reactor's idle coroutine body, overriding the base
// Scheduler's busy-wait default: it blocks in epoll_wait bounded by the
// nearer of the next timer deadline or a 3-second cap, drains the wake
// eventfd, dispatches fired directions, schedules due timer callbacks
// as ordinary tasks (never runs them inline — a timer callback gets
// the same panic recovery and visibility to BusyWorkers/QueueEmpty as
// any other task), then yields to hold so the dispatch loop re-scans
// the task FIFO before coming back here.
//
// The stopping condition is: stopping, plus no pending task, no
// pending fd registration, no pending timer, and no other busy worker.
func (m *Manager) idle(s *scheduler.Scheduler) {
	events := make([]unix.EpollEvent, 64)
	for {
		if s.Stopping() && s.QueueEmpty() && m.pendingCount() == 0 && m.Timers.Len() == 0 && s.BusyWorkers() == 0 {
			return
		}

		n, err := unix.EpollWait(m.epfd, events, m.waitTimeoutMillis())
		if err != nil && err != unix.EINTR {
			rtlog.Global().Log(rtlog.LevelError, "ioreactor", "epoll_wait failed", rtlog.F("err", err.Error()))
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == m.wakeFd {
				m.drainWake()
				continue
			}
			m.dispatchEvent(ev)
		}

		for _, cb := range m.Timers.ListExpired(time.Now()) {
			m.Schedule(scheduler.FromFunc(cb, scheduler.AnyThread))
		}

		fiber.YieldToHold()
	}
}

func (m *Manager) dispatchEvent(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	m.mu.Lock()
	fc, ok := m.fds[fd]
	if !ok {
		m.mu.Unlock()
		return
	}
	var toRun []eventContext
	if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 && fc.read.active {
		toRun = append(toRun, fc.read)
		fc.read = eventContext{}
	}
	if ev.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 && fc.write.active {
		toRun = append(toRun, fc.write)
		fc.write = eventContext{}
	}
	_ = m.applyMask(fc)
	m.mu.Unlock()

	for _, ec := range toRun {
		m.dispatch(ec)
	}
}
