//go:build linux

package ioreactor

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-fiberloop/fiber"
	"github.com/joeycumines/go-fiberloop/scheduler"
)

func TestManagerReadEventFiresOnReadable(t *testing.T) {
	m, err := New("t1", 1, false)
	require.NoError(t, err)
	m.Start()
	defer m.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := make(chan struct{})
	require.NoError(t, m.AddEvent(int(r.Fd()), EventRead, -1, func() { close(fired) }))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("read event never fired")
	}
}

func TestCancelEventTriggersPendingCallback(t *testing.T) {
	m, err := New("t2", 1, false)
	require.NoError(t, err)
	m.Start()
	defer m.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := make(chan struct{})
	require.NoError(t, m.AddEvent(int(r.Fd()), EventRead, -1, func() { close(fired) }))
	require.True(t, m.CancelEvent(int(r.Fd()), EventRead))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("cancelled event's callback never ran")
	}
}

func TestManagerStopsPromptlyWhenIdle(t *testing.T) {
	m, err := New("t3", 2, false)
	require.NoError(t, err)
	m.Start()

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestDelEventRoundTripLeavesFdInSamePendingState(t *testing.T) {
	m, err := New("t4", 1, false)
	require.NoError(t, err)
	m.Start()
	defer m.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(r.Fd())

	require.Equal(t, 0, m.pendingCount())

	delFired := make(chan struct{})
	require.NoError(t, m.AddEvent(fd, EventRead, -1, func() { close(delFired) }))
	require.Equal(t, 1, m.pendingCount())

	require.True(t, m.DelEvent(fd, EventRead))
	require.Equal(t, 0, m.pendingCount())

	// The direction is free again, exactly as before the first
	// AddEvent: a fresh registration must succeed rather than refuse
	// with ErrAlreadyArmed, and the deleted callback must never fire.
	fired := make(chan struct{})
	require.NoError(t, m.AddEvent(fd, EventRead, -1, func() { close(fired) }))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("post-DelEvent registration never fired")
	}
	select {
	case <-delFired:
		t.Fatal("deleted event's callback fired")
	default:
	}

	require.False(t, m.DelEvent(fd, EventRead), "DelEvent on an unarmed direction must return false")
}

func TestAddEventRefusesDuplicateArmingOfSameDirection(t *testing.T) {
	m, err := New("t5", 1, false)
	require.NoError(t, err)
	m.Start()
	defer m.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(r.Fd())

	require.NoError(t, m.AddEvent(fd, EventRead, -1, func() {}))
	err = m.AddEvent(fd, EventRead, -1, func() {})
	require.ErrorIs(t, err, ErrAlreadyArmed)

	// The write direction is independent and still free.
	require.NoError(t, m.AddEvent(fd, EventWrite, -1, func() {}))

	m.CancelAll(fd)
}

func TestRecurringTimerFiresExpectedCountOverInterval(t *testing.T) {
	m, err := New("t6", 1, false)
	require.NoError(t, err)
	m.Start()
	defer m.Close()

	var count atomic.Int64
	m.Timers.AddTimer(50*time.Millisecond, func() { count.Add(1) }, true)

	time.Sleep(525 * time.Millisecond)

	n := count.Load()
	require.GreaterOrEqual(t, n, int64(9))
	require.LessOrEqual(t, n, int64(11))
}

func TestCancelAllOnCloseResumesBothParkedFibersWithBadFd(t *testing.T) {
	m, err := New("t7", 2, false)
	require.NoError(t, err)
	m.Start()
	defer m.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	a, b := fds[0], fds[1]
	require.NoError(t, unix.SetNonblock(a, true))
	require.NoError(t, unix.SetNonblock(b, true))
	defer unix.Close(b)

	// Saturate a's send buffer so a WRITE registration on it genuinely
	// parks instead of firing immediately.
	fillBuf := make([]byte, 4096)
	for {
		if _, werr := unix.Write(a, fillBuf); werr != nil {
			break
		}
	}

	readErr := make(chan error, 1)
	rf := fiber.New(func() {
		f := fiber.Current()
		require.NoError(t, m.AddFiberEvent(a, EventRead, f, scheduler.AnyThread))
		fiber.YieldToHold()
		buf := make([]byte, 16)
		_, err := unix.Read(a, buf)
		readErr <- err
	})
	m.Schedule(scheduler.FromFiber(rf, scheduler.AnyThread))

	writeErr := make(chan error, 1)
	wf := fiber.New(func() {
		f := fiber.Current()
		require.NoError(t, m.AddFiberEvent(a, EventWrite, f, scheduler.AnyThread))
		fiber.YieldToHold()
		_, err := unix.Write(a, []byte("x"))
		writeErr <- err
	})
	m.Schedule(scheduler.FromFiber(wf, scheduler.AnyThread))

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, m.pendingCount())

	require.NoError(t, unix.Close(a))
	require.Equal(t, 2, m.CancelAll(a))
	require.Equal(t, 0, m.pendingCount())

	for _, ch := range []chan error{readErr, writeErr} {
		select {
		case err := <-ch:
			require.ErrorIs(t, err, unix.EBADF)
		case <-time.After(time.Second):
			t.Fatal("parked fiber never resumed after cancel-all")
		}
	}
}
