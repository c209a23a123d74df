package stack

import (
	"testing"

	"github.com/llcraft/llcraft/pkg/vmerr"
	"github.com/stretchr/testify/require"
)

func TestPushPopOrder(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(1))
	require.NoError(t, s.Push(2))
	require.NoError(t, s.Push(3))
	require.Equal(t, 3, s.Len())

	v, err := s.Pop()
	require.NoError(t, err)
	require.Equal(t, 3, v)
}

func TestPopUnderflow(t *testing.T) {
	s := New()
	_, err := s.Pop()
	require.True(t, vmerr.HasKind(err, vmerr.KindStackUnderflow))
}

func TestPushOverflow(t *testing.T) {
	s := New()
	for i := 0; i < MaxDepth; i++ {
		require.NoError(t, s.Push(i))
	}
	err := s.Push(MaxDepth)
	require.True(t, vmerr.HasKind(err, vmerr.KindStackOverflow))
}

func TestRotMatchesThreeElementCase(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(1))
	require.NoError(t, s.Push(2))
	require.NoError(t, s.Push(3))
	require.NoError(t, s.Rot(3))

	first, _ := s.Pop()
	second, _ := s.Pop()
	third, _ := s.Pop()
	require.Equal(t, []any{2, 1, 3}, []any{first, second, third})
}

func TestSwapN(t *testing.T) {
	s := New()
	require.NoError(t, s.Push("a"))
	require.NoError(t, s.Push("b"))
	require.NoError(t, s.Push("c"))
	require.NoError(t, s.SwapN(2))

	require.Equal(t, []any{"c", "b", "a"}, s.BottomUp())
}

func TestDupAndDropN(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(10))
	require.NoError(t, s.Dup())
	require.Equal(t, 2, s.Len())
	require.NoError(t, s.DropN(2))
	require.Equal(t, 0, s.Len())
}

func TestSnapshotRestore(t *testing.T) {
	s := New()
	require.NoError(t, s.Push(1))
	require.NoError(t, s.Push(2))
	snap := s.Snapshot()

	require.NoError(t, s.Push(3))
	s.Restore(snap)

	require.Equal(t, []any{1, 2}, s.BottomUp())
}
