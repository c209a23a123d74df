package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeKeyIdempotent(t *testing.T) {
	safe := "already_safe-key.1"
	require.Equal(t, safe, SanitizeKey(safe))
	require.Equal(t, SanitizeKey(safe), SanitizeKey(SanitizeKey(safe)))
}

func TestSanitizeKeyReplacesReserved(t *testing.T) {
	require.Equal(t, "a_b_c_d_e_f_g_h", SanitizeKey(`a/b\c:d*e?f"g<h`))
}

func TestNamespacedRoundTrip(t *testing.T) {
	backend := NewMemoryStore()
	ns, err := WithNamespace(backend, "sessions")
	require.NoError(t, err)

	require.NoError(t, ns.Set("k1", 42))
	v, ok, err := ns.Get("k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 42, v)

	raw, ok, err := backend.Get("sessions:k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 42, raw)

	keys, err := ns.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"k1"}, keys)
}

func TestWithNamespaceRejectsCheckpointPrefix(t *testing.T) {
	_, err := WithNamespace(NewMemoryStore(), "_checkpoint")
	require.Error(t, err)
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, fs.Set("a/b", map[string]any{"x": 1.0}))
	exists, err := fs.Exists("a/b")
	require.NoError(t, err)
	require.True(t, exists)

	v, ok, err := fs.Get("a/b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]any{"x": 1.0}, v)

	_, err = filepath.Abs(dir)
	require.NoError(t, err)

	require.NoError(t, fs.Delete("a/b"))
	_, ok, err = fs.Get("a/b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckpointStoreUsesReservedNamespace(t *testing.T) {
	backend := NewMemoryStore()
	cp := CheckpointStore(backend)
	require.NoError(t, cp.Set("snap1", "data"))

	_, ok, err := backend.Get("_checkpoint:snap1")
	require.NoError(t, err)
	require.True(t, ok)
}
