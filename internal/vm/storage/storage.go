// Package storage implements the VM's generic, namespaceable key→JSON
// store (component C), with in-memory and file-per-key backends.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/llcraft/llcraft/pkg/vmerr"
)

// CheckpointPrefix is the reserved namespace used by Checkpoint/Rollback.
// It may not be chosen as a user namespace.
const CheckpointPrefix = "_checkpoint:"

// pathReserved are characters replaced by underscore when a key is used to
// form a filename.
const pathReserved = `/\:*?"<>|`

// SanitizeKey replaces path-reserved characters with underscore. Idempotent
// on already-safe keys.
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if strings.ContainsRune(pathReserved, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Store is the generic key-value contract every backend implements.
type Store interface {
	Get(key string) (any, bool, error)
	Set(key string, value any) error
	Delete(key string) error
	Exists(key string) (bool, error)
	Keys() ([]string, error)
	Clear() error
}

// Namespaced wraps a Store, transparently prefixing keys with "namespace:".
type Namespaced struct {
	backend   Store
	namespace string
}

// WithNamespace returns a view over backend whose keys are prefixed with
// namespace+":". Rejects the reserved checkpoint namespace.
func WithNamespace(backend Store, namespace string) (*Namespaced, error) {
	if namespace+":" == CheckpointPrefix {
		return nil, vmerr.New(vmerr.KindInvalidArgument, "namespace _checkpoint is reserved").WithOperation("with_namespace")
	}
	return &Namespaced{backend: backend, namespace: namespace}, nil
}

func (n *Namespaced) prefixed(key string) string {
	return n.namespace + ":" + key
}

func (n *Namespaced) Get(key string) (any, bool, error) {
	return n.backend.Get(n.prefixed(key))
}

func (n *Namespaced) Set(key string, value any) error {
	return n.backend.Set(n.prefixed(key), value)
}

func (n *Namespaced) Delete(key string) error {
	return n.backend.Delete(n.prefixed(key))
}

func (n *Namespaced) Exists(key string) (bool, error) {
	return n.backend.Exists(n.prefixed(key))
}

// Keys returns keys in this namespace with the prefix stripped.
func (n *Namespaced) Keys() ([]string, error) {
	all, err := n.backend.Keys()
	if err != nil {
		return nil, err
	}
	prefix := n.namespace + ":"
	var out []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	return out, nil
}

func (n *Namespaced) Clear() error {
	keys, err := n.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := n.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// CheckpointStore returns a Namespaced view bound to the reserved checkpoint namespace.
func CheckpointStore(backend Store) *Namespaced {
	return &Namespaced{backend: backend, namespace: "_checkpoint"}
}

// --- in-memory backend ---

// MemoryStore is a process-local map-backed Store, safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]any)}
}

func (s *MemoryStore) Get(key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

func (s *MemoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]any)
	return nil
}

// --- file-per-key backend ---

// FileStore persists each key as {sanitized_key}.json under a base directory.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileStore returns a FileStore rooted at baseDir, creating it if absent.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, vmerr.Wrap(vmerr.KindIoFailed, err, "create storage base dir").WithOperation("new_file_store")
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.baseDir, SanitizeKey(key)+".json")
}

func (s *FileStore) Get(key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, vmerr.Wrap(vmerr.KindIoFailed, err, "read storage key").WithOperation("get").WithContext("key", key)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false, vmerr.Wrap(vmerr.KindSerializationFailed, err, "decode storage value").WithOperation("get").WithContext("key", key)
	}
	return v, true, nil
}

func (s *FileStore) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(value)
	if err != nil {
		return vmerr.Wrap(vmerr.KindSerializationFailed, err, "encode storage value").WithOperation("set").WithContext("key", key)
	}
	if err := os.WriteFile(s.path(key), b, 0o644); err != nil {
		return vmerr.Wrap(vmerr.KindIoFailed, err, "write storage key").WithOperation("set").WithContext("key", key)
	}
	return nil
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return vmerr.Wrap(vmerr.KindIoFailed, err, "delete storage key").WithOperation("delete").WithContext("key", key)
	}
	return nil
}

func (s *FileStore) Exists(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, vmerr.Wrap(vmerr.KindIoFailed, err, "stat storage key").WithOperation("exists")
	}
	return true, nil
}

func (s *FileStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindIoFailed, err, "list storage dir").WithOperation("keys")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) Clear() error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*FileStore)(nil)
