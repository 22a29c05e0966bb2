package scheduler

import "github.com/joeycumines/go-fiberloop/fiber"

// taskKind discriminates which side of a Task's sum type is populated.
type taskKind int

const (
	kindFiber taskKind = iota
	kindFunc
)

// AnyThread is the thread-affinity value meaning "any worker may run
// this task".
const AnyThread int64 = -1

// Task is a tagged union of {fiber reference, raw callable} with an
// optional thread-affinity key. Using a discriminant plus two fields
// (rather than two independently-nullable fields) makes "exactly one
// is set" representable instead of merely conventional.
type Task struct {
	kind     taskKind
	fib      *fiber.Fiber
	fn       func()
	threadID int64
}

// FromFiber wraps an existing fiber as a Task, optionally pinned to
// the worker whose kernel thread id equals threadID.
func FromFiber(f *fiber.Fiber, threadID int64) Task {
	return Task{kind: kindFiber, fib: f, threadID: threadID}
}

// FromFunc wraps a plain callable as a Task, optionally pinned.
func FromFunc(fn func(), threadID int64) Task {
	return Task{kind: kindFunc, fn: fn, threadID: threadID}
}

func (t Task) isFiber() bool { return t.kind == kindFiber }
