package memory

import (
	"testing"

	"github.com/llcraft/llcraft/pkg/vmerr"
	"github.com/stretchr/testify/require"
)

func TestStoreUpdatesTotalAtomically(t *testing.T) {
	m := New(0)
	require.NoError(t, m.Store("p1", "hello"))
	before := m.TotalTokens()

	require.NoError(t, m.Store("p1", "a much longer string than before"))
	require.NotEqual(t, before, m.TotalTokens())

	sum := 0
	for _, p := range m.All() {
		sum += p.SizeTokens
	}
	require.Equal(t, m.TotalTokens(), sum)
}

func TestAllocIDFormat(t *testing.T) {
	m := New(0)
	id1, err := m.Alloc("")
	require.NoError(t, err)
	require.Equal(t, "page_1", id1)

	id2, err := m.Alloc("label")
	require.NoError(t, err)
	require.Equal(t, "page_2", id2)
}

func TestLoadMissingPage(t *testing.T) {
	m := New(0)
	_, err := m.Load("missing")
	require.True(t, vmerr.HasKind(err, vmerr.KindPageNotFound))
}

func TestEvictToLimitOrdering(t *testing.T) {
	m := New(0)
	m.now = constClock(100)
	require.NoError(t, m.Store("a", "aaaa"))
	m.now = constClock(200)
	require.NoError(t, m.Store("b", "bbbb"))
	m.now = constClock(300)
	require.NoError(t, m.Store("c", "cccc"))

	target := m.TotalTokens() - 1
	evicted := m.EvictToLimit(target)
	require.Equal(t, []string{"a"}, evicted)
	require.LessOrEqual(t, m.TotalTokens(), target)
}

func constClock(v int64) func() int64 {
	return func() int64 { return v }
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := New(0)
	require.NoError(t, m.Store("a", 1))
	snap := m.Snapshot()

	require.NoError(t, m.Store("b", 2))
	m.Restore(snap)

	require.True(t, m.HasPage("a"))
	require.False(t, m.HasPage("b"))
}
