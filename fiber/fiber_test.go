package fiber

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLifecycleInitToTerm(t *testing.T) {
	ran := false
	f := New(func() {
		ran = true
	})
	require.Equal(t, StateInit, f.State())

	alive := f.Resume()
	require.False(t, alive)
	require.Equal(t, StateTerm, f.State())
	require.True(t, ran)
}

func TestYieldToHoldAndResume(t *testing.T) {
	var steps []string
	f := New(func() {
		steps = append(steps, "a")
		YieldToHold()
		steps = append(steps, "b")
		YieldToHold()
		steps = append(steps, "c")
	})

	require.True(t, f.Resume())
	require.Equal(t, StateHold, f.State())
	require.Equal(t, []string{"a"}, steps)

	require.True(t, f.Resume())
	require.Equal(t, StateHold, f.State())
	require.Equal(t, []string{"a", "b"}, steps)

	require.False(t, f.Resume())
	require.Equal(t, StateTerm, f.State())
	require.Equal(t, []string{"a", "b", "c"}, steps)
}

func TestYieldToReadyMarksReady(t *testing.T) {
	f := New(func() {
		YieldToReady()
	})
	require.True(t, f.Resume())
	require.Equal(t, StateReady, f.State())
}

func TestResumeRefusedOnTerminalState(t *testing.T) {
	f := New(func() {})
	require.False(t, f.Resume())
	require.Equal(t, StateTerm, f.State())

	// Resuming an already-terminated fiber must refuse, not hang or panic.
	require.False(t, f.Resume())
	require.Equal(t, StateTerm, f.State())
}

func TestResetFromTermAllowsRerun(t *testing.T) {
	count := 0
	f := New(func() { count++ })
	require.False(t, f.Resume())
	require.Equal(t, 1, count)

	require.True(t, f.Reset(func() { count++ }))
	require.Equal(t, StateInit, f.State())

	require.False(t, f.Resume())
	require.Equal(t, 2, count, "reset followed by resume must run fn exactly once more")
}

func TestResetRefusedWhileNotTerminal(t *testing.T) {
	f := New(func() {
		YieldToHold()
	})
	require.True(t, f.Resume())
	require.Equal(t, StateHold, f.State())

	require.False(t, f.Reset(func() {}), "reset must refuse on a HOLD fiber")
}

func TestPanicInBodyTransitionsToExcept(t *testing.T) {
	f := New(func() {
		panic("boom")
	})
	alive := f.Resume()
	require.False(t, alive)
	require.Equal(t, StateExcept, f.State())
	require.Equal(t, "boom", f.PanicValue())
	require.NotEmpty(t, f.Backtrace())
}

func TestCurrentReflectsExecutingFiberInsideBody(t *testing.T) {
	var sawSelf *Fiber
	f := New(func() {
		sawSelf = Current()
	})
	f.Resume()
	require.Same(t, f, sawSelf)
}

func TestCurrentOutsideAnyFiberIsMainShell(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m := Current()
		require.Equal(t, StateExec, m.State())
		require.Same(t, m, Current(), "repeated Current() calls on the same goroutine return the same main fiber")
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestAcquireReleaseAssignsFreshIdentityEachTime(t *testing.T) {
	var ran int
	f1 := Acquire(0, func() { ran++ })
	id1 := f1.ID()
	f1.Resume()
	Release(f1)

	f2 := Acquire(0, func() { ran++ })
	require.NotEqual(t, id1, f2.ID(), "each Acquire must mint a fresh identity")
	f2.Resume()
	require.Equal(t, 2, ran)
}
