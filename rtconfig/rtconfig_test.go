package rtconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsWhenUnloaded(t *testing.T) {
	c := New()
	require.Equal(t, int64(1<<20), c.Int64("coroutine.stack_size", 1<<20))
	require.Equal(t, "fallback", c.String("tcp.server.name", "fallback"))
	require.True(t, c.Bool("feature.enabled", true))
}

func TestLoadFlattensNestedKeys(t *testing.T) {
	c := New()
	err := c.Load([]byte(`
coroutine:
  stack_size: 2097152
tcp:
  connect:
    timeout: 200
  server:
    read_timeout: 120000
`))
	require.NoError(t, err)

	require.Equal(t, int64(2097152), c.Int64("coroutine.stack_size", 1<<20))
	require.Equal(t, int64(200), c.Int64("tcp.connect.timeout", 0))
	require.Equal(t, int64(120000), c.Int64("tcp.server.read_timeout", 0))
}

func TestWatchFiresOnReload(t *testing.T) {
	c := New()
	require.NoError(t, c.Load([]byte("tcp:\n  connect:\n    timeout: 200\n")))

	type change struct{ old, new string }
	changes := make(chan change, 4)
	c.Watch("tcp.connect.timeout", "200", func(oldVal, newVal string) {
		changes <- change{oldVal, newVal}
	})

	require.NoError(t, c.Load([]byte("tcp:\n  connect:\n    timeout: 400\n")))

	got := <-changes
	require.Equal(t, "200", got.old)
	require.Equal(t, "400", got.new)

	// A reload with the same value must not re-fire the listener.
	require.NoError(t, c.Load([]byte("tcp:\n  connect:\n    timeout: 400\n")))
	select {
	case c := <-changes:
		t.Fatalf("unexpected second change: %+v", c)
	default:
	}
}

func TestUnwatchStopsNotifications(t *testing.T) {
	c := New()
	require.NoError(t, c.Load([]byte("k: 1\n")))

	fired := make(chan struct{}, 1)
	id := c.Watch("k", "1", func(string, string) { fired <- struct{}{} })
	c.Unwatch("k", id)

	require.NoError(t, c.Load([]byte("k: 2\n")))
	select {
	case <-fired:
		t.Fatal("listener fired after Unwatch")
	default:
	}
}
