package syscall

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	sandbox, err := NewProcessSandbox(&SandboxConfig{
		WorkDir:     t.TempDir(),
		Timeout:     5 * time.Second,
		AllowedBins: DefaultSandboxConfig().AllowedBins,
	}, zap.NewNop())
	require.NoError(t, err)
	return NewDefault(sandbox, zap.NewNop())
}

func TestReadWriteFileRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	path := filepath.Join(t.TempDir(), "out.txt")

	res, err := r.Execute(context.Background(), "write_file", map[string]any{"path": path, "content": "hello"})
	require.NoError(t, err)
	require.Equal(t, true, res["success"])

	res, err = r.Execute(context.Background(), "read_file", map[string]any{"path": path})
	require.NoError(t, err)
	require.Equal(t, true, res["success"])
	require.Equal(t, "hello", res["content"])
}

func TestReadFileMissingReturnsSuccessFalse(t *testing.T) {
	r := newTestRegistry(t)
	res, err := r.Execute(context.Background(), "read_file", map[string]any{"path": "/nonexistent/path.txt"})
	require.NoError(t, err)
	require.Equal(t, false, res["success"])
}

func TestListDirOrdersNames(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	res, err := r.Execute(context.Background(), "list_dir", map[string]any{"path": dir})
	require.NoError(t, err)
	files, ok := res["files"].([]any)
	require.True(t, ok)
	require.Equal(t, "a.txt", files[0])
	require.Equal(t, "b.txt", files[1])
}

func TestExecCommandReturnsExitCode(t *testing.T) {
	r := newTestRegistry(t)
	res, err := r.Execute(context.Background(), "exec", map[string]any{"command": "echo hi"})
	require.NoError(t, err)
	require.Equal(t, true, res["success"])
}

func TestUnknownSyscallReturnsError(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Execute(context.Background(), "does_not_exist", map[string]any{})
	require.Error(t, err)
}

func TestGrepFindsMatches(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.go"), []byte("package main\nfunc main() {}\n"), 0o644))

	res, err := r.Execute(context.Background(), "grep", map[string]any{"pattern": "func", "path": dir})
	require.NoError(t, err)
	require.Equal(t, true, res["success"])
	require.EqualValues(t, 1, res["count"])
}
