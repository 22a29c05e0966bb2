package scheduler

import "github.com/joeycumines/go-fiberloop/fiber"

// Worker is one of a Scheduler's N pinned worker threads: a goroutine
// locked to its OS thread for its entire lifetime (so its kernel
// thread id is stable, making thread-affinity dispatch meaningful) plus
// a single reusable "callback coroutine" fiber it re-seeds via
// fiber.Reset instead of allocating fresh on every raw-callable Task.
type Worker struct {
	id       int
	tid      int64
	isCaller bool
	callback *fiber.Fiber
}

// callbackFiber returns this worker's reusable callback fiber, seeded
// (or reset) to run fn. The callback fiber always runs to completion in
// a single Resume; it never itself yields to hold.
func (w *Worker) callbackFiber(fn func()) *fiber.Fiber {
	if w.callback == nil {
		w.callback = fiber.Acquire(0, fn)
		return w.callback
	}
	w.callback.Reset(fn)
	return w.callback
}
