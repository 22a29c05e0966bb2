//go:build linux

package scheduler

import "golang.org/x/sys/unix"

// gettid returns the kernel thread id of the calling OS thread. Valid
// only once the calling goroutine has called runtime.LockOSThread and
// will never unlock/exit onto a different thread, which is exactly how
// workers are started (see Scheduler.runWorker).
func gettid() int64 { return int64(unix.Gettid()) }
