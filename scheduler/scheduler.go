// Package scheduler implements the runtime's M:N task scheduler:
// a FIFO of Tasks dispatched across a fixed pool of
// worker goroutines, each pinned to its OS thread for the worker's
// lifetime via runtime.LockOSThread.
//
// A plain Scheduler's idle behavior is a bounded-wait busy check and
// its Tickle is a no-op — both deliberately weak defaults, overridden
// by packages that embed a Scheduler and need a real wakeup source
// (see ioreactor, which replaces both with epoll_wait and an eventfd
// write). That split is expressed here as two injectable functions
// rather than an interface-embedding "subclass", since Go favors
// composition with explicit strategy hooks over inheritance.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-fiberloop/fiber"
	"github.com/joeycumines/go-fiberloop/rtlog"
)

// Option configures a Scheduler at construction, per the functional
// options style used throughout this tree.
type Option func(*Scheduler)

// WithIdleFunc overrides the coroutine body run when a worker finds no
// runnable Task. The default loops waiting a bounded interval (or until
// stopping with an empty queue, at which point it returns and the
// worker exits) and yields to hold.
func WithIdleFunc(fn func(*Scheduler)) Option {
	return func(s *Scheduler) { s.idleFn = fn }
}

// WithTickleFunc overrides the wakeup signal raised after Schedule and
// Stop. The default is a no-op.
func WithTickleFunc(fn func()) Option {
	return func(s *Scheduler) { s.tickleFn = fn }
}

// Scheduler is a task FIFO plus a fixed pool of worker goroutines that
// dispatch it.
type Scheduler struct {
	name        string
	threadCount int
	useCaller   bool

	mu    sync.Mutex
	queue []Task

	stopping atomic.Bool
	started  atomic.Bool
	busy     atomic.Int64 // workers currently not parked in their idle coroutine

	idleFn   func(*Scheduler)
	tickleFn func()

	wgWorkers sync.WaitGroup
}

// New constructs a Scheduler with the given pool size. If useCaller is
// true, one fewer background goroutine is spawned by Start, and the
// caller must drive the remaining worker slot itself via RunCaller.
func New(name string, threads int, useCaller bool, opts ...Option) *Scheduler {
	if threads < 1 {
		threads = 1
	}
	s := &Scheduler{
		name:        name,
		threadCount: threads,
		useCaller:   useCaller,
		idleFn:      defaultIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

// Start spawns the scheduler's background worker goroutines. Safe to
// call at most once; subsequent calls are no-ops.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	n := s.threadCount
	if s.useCaller {
		n--
	}
	for i := 0; i < n; i++ {
		w := &Worker{id: i}
		s.wgWorkers.Add(1)
		go func() {
			defer s.wgWorkers.Done()
			s.runWorker(w)
		}()
	}
}

// RunCaller runs the final worker slot directly on the calling
// goroutine, blocking until the scheduler stops or ctx is cancelled.
// Valid only when the scheduler was constructed with useCaller true.
func (s *Scheduler) RunCaller(ctx context.Context) {
	if !s.useCaller {
		rtlog.Global().Log(rtlog.LevelError, "scheduler", "RunCaller invoked without use_caller",
			rtlog.F("scheduler", s.name))
		return
	}
	s.started.Store(true)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopWatch:
		}
	}()

	w := &Worker{id: -1, isCaller: true}
	s.runWorker(w)
}

// Schedule appends t to the FIFO and raises a tickle.
func (s *Scheduler) Schedule(t Task) {
	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	s.Tickle()
}

// ScheduleBatch appends every task in ts to the FIFO with a single
// tickle, avoiding N redundant wakeups for a burst of N tasks.
func (s *Scheduler) ScheduleBatch(ts []Task) {
	if len(ts) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, ts...)
	s.mu.Unlock()
	s.Tickle()
}

// Tickle raises the scheduler's wakeup signal. A no-op unless a
// WithTickleFunc option overrode it.
func (s *Scheduler) Tickle() {
	if s.tickleFn != nil {
		s.tickleFn()
	}
}

// Stop marks the scheduler stopping and blocks until every
// Start-spawned background worker has exited. It does not wait on a
// RunCaller-driven slot; the caller of RunCaller observes its own
// return instead.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	s.Tickle()
	s.wgWorkers.Wait()
}

// Stopping reports whether Stop has been called.
func (s *Scheduler) Stopping() bool { return s.stopping.Load() }

// QueueEmpty reports whether the FIFO currently holds no tasks.
func (s *Scheduler) QueueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// PendingCount returns the number of tasks currently queued.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// BusyWorkers returns the number of workers not currently parked in
// their idle coroutine. Subclassing packages (ioreactor) use this,
// combined with QueueEmpty, Stopping, and their own pending-event and
// timer counts, to decide when their idle loop may finally terminate.
func (s *Scheduler) BusyWorkers() int64 { return s.busy.Load() }

// runWorker is the dispatch loop: pop the next eligible task, run it,
// and fall back to the idle coroutine when none is ready. It executes
// on one pinned OS thread for the worker's entire lifetime.
func (s *Scheduler) runWorker(w *Worker) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	w.tid = gettid()
	fiber.SetHookEnabled(true)
	defer fiber.ReleaseGoroutine()
	s.busy.Add(1)
	defer s.busy.Add(-1)

	idleFib := fiber.New(func() { s.idleFn(s) })

	for {
		task, skippedForeign, ok := s.pop(w.tid)
		if skippedForeign {
			s.Tickle()
		}
		if !ok {
			s.busy.Add(-1)
			alive := idleFib.Resume()
			s.busy.Add(1)
			if !alive {
				return
			}
			continue
		}
		s.runTask(w, task)
	}
}

// pop removes and returns the first Task in FIFO order eligible to run
// on tid: not pinned to a different worker, and (for fiber-backed
// tasks) not already mid-resume elsewhere. skippedForeign reports
// whether a foreign-pinned task was skipped, so the caller can tickle
// other workers that may be waiting for it.
func (s *Scheduler) pop(tid int64) (t Task, skippedForeign bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cand := range s.queue {
		if cand.threadID != AnyThread && cand.threadID != tid {
			skippedForeign = true
			continue
		}
		if cand.isFiber() && cand.fib.State() == fiber.StateExec {
			continue
		}
		s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
		return cand, skippedForeign, true
	}
	return Task{}, skippedForeign, false
}

// runTask resumes t's fiber (acquiring the worker's reusable callback
// fiber first, for a raw-callable Task), then applies the post-resume
// disposition: alive-and-READY tasks are re-enqueued, alive-and-HOLD
// tasks are left for whatever external event will re-schedule them,
// and terminated/excepted tasks are dropped.
func (s *Scheduler) runTask(w *Worker, t Task) {
	var fib *fiber.Fiber
	if t.isFiber() {
		fib = t.fib
	} else {
		fib = w.callbackFiber(t.fn)
	}

	alive := fib.Resume()

	if !t.isFiber() {
		return
	}
	if alive && fib.State() == fiber.StateReady {
		s.Schedule(FromFiber(fib, t.threadID))
	}
}

// defaultIdle is the base Scheduler's idle coroutine body: it waits a
// bounded interval (there being nothing better to block on without an
// I/O reactor), yields to hold so the dispatch loop re-scans the FIFO,
// and returns only once stopping and the FIFO is empty, which
// terminates it and lets the worker exit.
func defaultIdle(s *Scheduler) {
	for {
		if s.Stopping() && s.QueueEmpty() {
			return
		}
		time.Sleep(10 * time.Millisecond)
		fiber.YieldToHold()
	}
}
