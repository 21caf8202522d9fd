package ws_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cacheforge/vcache/internal/ws"
)

func TestAllocAndReset(t *testing.T) {
	w := ws.New("test", 64)

	mark := w.Snapshot()

	a, err := w.Alloc(8)
	require.NoError(t, err)
	require.Len(t, a, 8)

	b, err := w.Copy([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	w.Reset(mark)
	require.False(t, w.Overflowed())

	c, err := w.Alloc(64)
	require.NoError(t, err)
	require.Len(t, c, 64)
}

func TestOverflowIsSticky(t *testing.T) {
	w := ws.New("test", 16)

	_, err := w.Alloc(32)
	require.Error(t, err)
	require.True(t, w.Overflowed())

	_, err = w.Alloc(1)
	require.Error(t, err, "overflow must poison subsequent allocs")

	w.Reset(0)
	require.False(t, w.Overflowed())

	_, err = w.Alloc(8)
	require.NoError(t, err)
}

func TestReserveRelease(t *testing.T) {
	w := ws.New("test", 32)

	n, err := w.Reserve(16)
	require.NoError(t, err)
	require.Equal(t, 16, n)

	_, err = w.Reserve(4)
	require.Error(t, err, "at most one reservation may be outstanding")

	buf := w.ReservedSlice()
	copy(buf, []byte("abcd"))

	require.NoError(t, w.Release(4))

	// The committed bytes remain valid.
	snap := w.Snapshot()
	require.Equal(t, ws.Mark(8), snap) // aligned up to 8
}
