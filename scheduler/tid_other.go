//go:build !linux

package scheduler

import "sync/atomic"

// gettid has no portable equivalent outside Linux; this rendition
// mints a process-unique surrogate id per worker instead. Thread
// affinity still works (each worker's surrogate id is stable and
// distinct), it just doesn't correspond to a real kernel thread id.
var surrogateTid atomic.Int64

func gettid() int64 { return surrogateTid.Add(1) }
