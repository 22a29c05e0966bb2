package rtlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, LevelWarn)

	w.Log(LevelDebug, "fiber", "should not appear")
	w.Log(LevelInfo, "fiber", "should not appear either")
	require.Empty(t, buf.String())

	w.Log(LevelWarn, "fiber", "stack pool exhausted", F("size", 1<<20))
	require.Contains(t, buf.String(), "stack pool exhausted")
	require.Contains(t, buf.String(), "size=1048576")
}

func TestWriterSetLevel(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, LevelError)
	require.False(t, w.Enabled(LevelInfo))

	w.SetLevel(LevelDebug)
	require.True(t, w.Enabled(LevelDebug))

	w.Log(LevelDebug, "scheduler", "dispatch loop entered")
	require.True(t, strings.Contains(buf.String(), "dispatch loop entered"))
}

func TestGlobalDefaultsToNoOp(t *testing.T) {
	// Reset any prior global set by another test in the process.
	SetGlobal(nil)
	require.False(t, Global().Enabled(LevelDebug))

	var buf bytes.Buffer
	SetGlobal(NewWriter(&buf, LevelDebug))
	require.True(t, Global().Enabled(LevelDebug))
	Global().Log(LevelInfo, "test", "hello")
	require.Contains(t, buf.String(), "hello")
}
