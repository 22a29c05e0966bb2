// Package timer implements the runtime's timer set: a container/heap
// min-heap of deadlines, queried by the I/O reactor's
// idle loop to bound how long it may block in epoll_wait.
package timer

import (
	"container/heap"
	"sync"
	"time"
	"weak"
)

// Timer is a single scheduled callback, owned by the Set that created
// it. Cancel/Refresh/Reset are safe to call concurrently with the
// owning Set's ListExpired.
type Timer struct {
	id        uint64
	ms        time.Duration
	recurring bool
	cb        func()
	next      time.Time
	cancelled bool
	index     int
	set       *Set
}

// ID returns the timer's identifier, unique within its Set.
func (t *Timer) ID() uint64 { return t.id }

// Cancel removes t from its Set. A no-op if t already fired (one-shot)
// or was already cancelled.
func (t *Timer) Cancel() {
	t.set.mu.Lock()
	defer t.set.mu.Unlock()
	if t.index < 0 {
		return
	}
	heap.Remove(&t.set.heap, t.index)
	t.cancelled = true
}

// Refresh resets t's deadline to now+interval, keeping its callback
// and recurring flag. Returns false if t is no longer pending.
func (t *Timer) Refresh() bool {
	t.set.mu.Lock()
	defer t.set.mu.Unlock()
	if t.index < 0 {
		return false
	}
	t.next = time.Now().Add(t.ms)
	heap.Fix(&t.set.heap, t.index)
	return true
}

// Reset changes t's interval to ms. If fromNow, the new deadline is
// now+ms; otherwise the timer's original anchor point is preserved and
// only the interval changes (anchor+ms). Returns false if t is no
// longer pending.
func (t *Timer) Reset(ms time.Duration, fromNow bool) bool {
	t.set.mu.Lock()
	defer t.set.mu.Unlock()
	if t.index < 0 {
		return false
	}
	if fromNow {
		t.next = time.Now().Add(ms)
	} else {
		anchor := t.next.Add(-t.ms)
		t.next = anchor.Add(ms)
	}
	t.ms = ms
	heap.Fix(&t.set.heap, t.index)
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].next.Before(h[j].next) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Set is a single runtime's collection of pending timers. The zero
// value is not usable; construct with NewSet.
type Set struct {
	mu        sync.Mutex
	heap      timerHeap
	idSeq     uint64
	lastCheck time.Time

	// OnInsertedAtFront, if set, is invoked (outside the Set's lock)
	// whenever an AddTimer/AddConditionTimer call makes its new timer
	// the new earliest deadline. The I/O reactor uses this to tickle
	// itself, so a blocked epoll_wait with a now-stale (too long)
	// timeout wakes up and recomputes it.
	OnInsertedAtFront func()
}

// NewSet constructs an empty timer set.
func NewSet() *Set {
	return &Set{lastCheck: time.Now()}
}

// AddTimer schedules cb to run after ms, optionally recurring every ms
// thereafter.
func (s *Set) AddTimer(ms time.Duration, cb func(), recurring bool) *Timer {
	return s.addTimer(ms, cb, recurring)
}

// AddConditionTimer schedules cb to run after ms, but only invokes it
// if cond's referent is still reachable at fire time — standing in for
// the weak_ptr-guarded condition timers used to avoid resurrecting a
// callback whose owning object has already been destroyed. Because Go
// methods cannot carry their own type parameters, this is a free
// function taking the Set explicitly.
func AddConditionTimer[T any](s *Set, ms time.Duration, cond weak.Pointer[T], cb func(), recurring bool) *Timer {
	guarded := func() {
		if cond.Value() == nil {
			return
		}
		cb()
	}
	return s.addTimer(ms, guarded, recurring)
}

func (s *Set) addTimer(ms time.Duration, cb func(), recurring bool) *Timer {
	s.mu.Lock()
	s.idSeq++
	t := &Timer{
		id:        s.idSeq,
		ms:        ms,
		recurring: recurring,
		cb:        cb,
		next:      time.Now().Add(ms),
		set:       s,
	}
	heap.Push(&s.heap, t)
	atFront := t.index == 0
	s.mu.Unlock()

	if atFront && s.OnInsertedAtFront != nil {
		s.OnInsertedAtFront()
	}
	return t
}

// NextTimeout returns how long until the earliest pending timer fires
// (clamped to zero if already due), and false if the set is empty.
func (s *Set) NextTimeout() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return 0, false
	}
	d := time.Until(s.heap[0].next)
	if d < 0 {
		d = 0
	}
	return d, true
}

// ListExpired pops every timer due at or before now and returns their
// callbacks (already detached from the heap; recurring timers are
// re-pushed with a fresh deadline before this returns). Cancelled
// timers are silently dropped.
//
// If now appears to be more than an hour behind the last time
// ListExpired was called, the system clock is assumed to have been
// stepped backward, and every pending timer is treated as expired
// immediately rather than left to wait out a now-meaningless deadline.
func (s *Set) ListExpired(now time.Time) []func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	rollback := now.Before(s.lastCheck.Add(-time.Hour))
	s.lastCheck = now

	var cbs []func()
	var requeue []*Timer
	for len(s.heap) > 0 {
		top := s.heap[0]
		if !rollback && top.next.After(now) {
			break
		}
		heap.Pop(&s.heap)
		if top.cancelled {
			continue
		}
		cbs = append(cbs, top.cb)
		if top.recurring {
			top.next = now.Add(top.ms)
			top.cancelled = false
			requeue = append(requeue, top)
		}
	}
	for _, t := range requeue {
		heap.Push(&s.heap, t)
	}
	return cbs
}

// Len returns the number of timers currently pending.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}
