//go:build linux

package hook

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-fiberloop/fdcache"
	"github.com/joeycumines/go-fiberloop/fiber"
	"github.com/joeycumines/go-fiberloop/ioreactor"
	"github.com/joeycumines/go-fiberloop/scheduler"
)

func newTestHooks(t *testing.T) *Hooks {
	return newTestHooksWithWorkers(t, 2)
}

func newTestHooksWithWorkers(t *testing.T, workers int) *Hooks {
	m, err := ioreactor.New("hooktest", workers, false)
	require.NoError(t, err)
	m.Start()
	t.Cleanup(func() { _ = m.Close() })
	return New(m, fdcache.New())
}

func socketpair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return fds[0], fds[1]
}

func TestReadTimesOutWhenNoDataArrives(t *testing.T) {
	h := newTestHooks(t)
	a, b := socketpair(t)
	defer unix.Close(b)

	h.SetRecvTimeout(a, 20*time.Millisecond)

	done := make(chan error, 1)
	start := time.Now()
	f := fiber.New(func() {
		buf := make([]byte, 16)
		_, err := h.Read(a, buf)
		done <- err
	})
	h.IO.Schedule(scheduler.FromFiber(f, scheduler.AnyThread))

	select {
	case err := <-done:
		require.ErrorIs(t, err, unix.ETIMEDOUT)
		require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("read never returned")
	}
	h.Close(a)
}

func TestReadReturnsDataOnceWritten(t *testing.T) {
	h := newTestHooks(t)
	a, b := socketpair(t)
	defer unix.Close(b)

	got := make(chan string, 1)
	f := fiber.New(func() {
		buf := make([]byte, 16)
		n, err := h.Read(a, buf)
		require.NoError(t, err)
		got <- string(buf[:n])
	})
	h.IO.Schedule(scheduler.FromFiber(f, scheduler.AnyThread))

	time.Sleep(10 * time.Millisecond)
	_, err := unix.Write(b, []byte("hi"))
	require.NoError(t, err)

	select {
	case s := <-got:
		require.Equal(t, "hi", s)
	case <-time.After(time.Second):
		t.Fatal("read never completed")
	}
	h.Close(a)
}

func TestSleepYieldsForApproximatelyRequestedDuration(t *testing.T) {
	h := newTestHooks(t)
	start := time.Now()
	done := make(chan struct{})
	f := fiber.New(func() {
		h.Sleep(20 * time.Millisecond)
		close(done)
	})
	h.IO.Schedule(scheduler.FromFiber(f, scheduler.AnyThread))

	select {
	case <-done:
		require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("sleep never resumed")
	}
}

func TestThreeSleepingFibersOnOneWorkerOverlapInsteadOfSerializing(t *testing.T) {
	h := newTestHooksWithWorkers(t, 1)

	const n = 3
	const d = 150 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(n)
	start := time.Now()
	for i := 0; i < n; i++ {
		f := fiber.New(func() {
			h.Sleep(d)
			wg.Done()
		})
		h.IO.Schedule(scheduler.FromFiber(f, scheduler.AnyThread))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		elapsed := time.Since(start)
		require.GreaterOrEqual(t, elapsed, d)
		require.Less(t, elapsed, d*2, "sleeps serialized instead of overlapping")
	case <-time.After(2 * time.Second):
		t.Fatal("sleeping fibers never completed")
	}
}

func TestAcceptAndConnectOverTCPLoopback(t *testing.T) {
	h := newTestHooks(t)

	lfd, err := h.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(lfd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(lfd, 1))
	sa, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	addr, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)

	accepted := make(chan int, 1)
	af := fiber.New(func() {
		nfd, err := h.Accept(lfd)
		require.NoError(t, err)
		accepted <- nfd
	})
	h.IO.Schedule(scheduler.FromFiber(af, scheduler.AnyThread))

	connected := make(chan error, 1)
	cf := fiber.New(func() {
		cfd, err := h.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			connected <- err
			return
		}
		err = h.Connect(cfd, &unix.SockaddrInet4{Port: addr.Port, Addr: addr.Addr}, time.Second)
		connected <- err
		if err == nil {
			h.Close(cfd)
		}
	})
	h.IO.Schedule(scheduler.FromFiber(cf, scheduler.AnyThread))

	select {
	case err := <-connected:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect never completed")
	}
	select {
	case nfd := <-accepted:
		h.Close(nfd)
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}
	h.Close(lfd)
}

// TestConnectDefaultTimesOutAgainstUnreachableAddress exercises
// ConnectDefault (the tcp.connect.timeout-wired path) against a
// routable-but-blackholed TEST-NET-1 address: nothing ever answers the
// SYN, so the connect stays EINPROGRESS until our own timeout fires.
func TestConnectDefaultTimesOutAgainstUnreachableAddress(t *testing.T) {
	h := newTestHooks(t)
	h.SetConnectTimeout(60 * time.Millisecond)

	done := make(chan error, 1)
	start := time.Now()
	f := fiber.New(func() {
		fd, err := h.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		defer h.Close(fd)
		done <- h.ConnectDefault(fd, &unix.SockaddrInet4{Port: 81, Addr: [4]byte{192, 0, 2, 1}})
	})
	h.IO.Schedule(scheduler.FromFiber(f, scheduler.AnyThread))

	select {
	case err := <-done:
		require.ErrorIs(t, err, unix.ETIMEDOUT)
		elapsed := time.Since(start)
		require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
		require.Less(t, elapsed, 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("connect never completed")
	}
}
