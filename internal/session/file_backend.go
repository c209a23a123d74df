package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/llcraft/llcraft/internal/vm/memory"
	"github.com/llcraft/llcraft/internal/vm/storage"
	"github.com/llcraft/llcraft/pkg/vmerr"
)

// FileBackend persists sessions under:
//
//	{base_dir}/{session_id}/session.json
//	{base_dir}/{session_id}/pages/{sanitized_page_id}.json
type FileBackend struct {
	baseDir string
}

// NewFileBackend returns a FileBackend rooted at baseDir.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, vmerr.Wrap(vmerr.KindIoFailed, err, "create session base dir").WithOperation("new_file_backend")
	}
	return &FileBackend{baseDir: baseDir}, nil
}

func (b *FileBackend) sessionDir(id string) string {
	return filepath.Join(b.baseDir, storage.SanitizeKey(id))
}

func (b *FileBackend) sessionFile(id string) string {
	return filepath.Join(b.sessionDir(id), "session.json")
}

func (b *FileBackend) pagesDir(id string) string {
	return filepath.Join(b.sessionDir(id), "pages")
}

func (b *FileBackend) pageFile(sessionID, pageID string) string {
	return filepath.Join(b.pagesDir(sessionID), storage.SanitizeKey(pageID)+".json")
}

func (b *FileBackend) CreateSession(ctx context.Context, task string) (*Session, error) {
	s := New(GenerateID(), task)
	if err := b.SaveSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *FileBackend) SaveSession(_ context.Context, s *Session) error {
	dir := b.sessionDir(s.Metadata.ID)
	if err := os.MkdirAll(filepath.Join(dir, "pages"), 0o755); err != nil {
		return vmerr.Wrap(vmerr.KindIoFailed, err, "create session dir").WithOperation("save_session").WithContext("session_id", s.Metadata.ID)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return vmerr.Wrap(vmerr.KindSerializationFailed, err, "encode session").WithOperation("save_session")
	}
	if err := os.WriteFile(b.sessionFile(s.Metadata.ID), data, 0o644); err != nil {
		return vmerr.Wrap(vmerr.KindIoFailed, err, "write session.json").WithOperation("save_session")
	}
	return nil
}

func (b *FileBackend) LoadSession(_ context.Context, id string) (*Session, error) {
	data, err := os.ReadFile(b.sessionFile(id))
	if os.IsNotExist(err) {
		return nil, vmerr.New(vmerr.KindStorageNotFound, "session not found").WithOperation("load_session").WithContext("session_id", id)
	}
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindIoFailed, err, "read session.json").WithOperation("load_session")
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "decode session").WithOperation("load_session")
	}
	return &s, nil
}

func (b *FileBackend) SavePage(_ context.Context, sessionID string, page *memory.Page) error {
	if err := os.MkdirAll(b.pagesDir(sessionID), 0o755); err != nil {
		return vmerr.Wrap(vmerr.KindIoFailed, err, "create pages dir").WithOperation("save_page")
	}
	data, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return vmerr.Wrap(vmerr.KindSerializationFailed, err, "encode page").WithOperation("save_page")
	}
	if err := os.WriteFile(b.pageFile(sessionID, page.ID), data, 0o644); err != nil {
		return vmerr.Wrap(vmerr.KindIoFailed, err, "write page file").WithOperation("save_page")
	}
	return nil
}

func (b *FileBackend) LoadPage(_ context.Context, sessionID, pageID string) (*memory.Page, error) {
	data, err := os.ReadFile(b.pageFile(sessionID, pageID))
	if os.IsNotExist(err) {
		return nil, vmerr.New(vmerr.KindPageNotFound, "page not found").WithOperation("load_page").WithContext("page_id", pageID)
	}
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindIoFailed, err, "read page file").WithOperation("load_page")
	}
	var p memory.Page
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "decode page").WithOperation("load_page")
	}
	return &p, nil
}

func (b *FileBackend) ListSessions(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, vmerr.Wrap(vmerr.KindIoFailed, err, "list base dir").WithOperation("list_sessions")
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, statErr := os.Stat(filepath.Join(b.baseDir, e.Name(), "session.json")); statErr == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *FileBackend) DeleteSession(_ context.Context, id string) error {
	if err := os.RemoveAll(b.sessionDir(id)); err != nil {
		return vmerr.Wrap(vmerr.KindIoFailed, err, "delete session dir").WithOperation("delete_session")
	}
	return nil
}

func (b *FileBackend) SessionExists(_ context.Context, id string) (bool, error) {
	_, err := os.Stat(b.sessionFile(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, vmerr.Wrap(vmerr.KindIoFailed, err, "stat session").WithOperation("session_exists")
	}
	return true, nil
}

var _ Backend = (*FileBackend)(nil)
