package session

import (
	"context"
	"sort"
	"sync"

	"github.com/llcraft/llcraft/internal/vm/memory"
	"github.com/llcraft/llcraft/pkg/vmerr"
)

// MemoryBackend is an in-process Backend for tests and ephemeral runs.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	pages    map[string]map[string]*memory.Page
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]*Session),
		pages:    make(map[string]map[string]*memory.Page),
	}
}

func (b *MemoryBackend) CreateSession(_ context.Context, task string) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := New(GenerateID(), task)
	b.sessions[s.Metadata.ID] = s
	b.pages[s.Metadata.ID] = make(map[string]*memory.Page)
	return s, nil
}

func (b *MemoryBackend) SaveSession(_ context.Context, s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *s
	b.sessions[s.Metadata.ID] = &cp
	if _, ok := b.pages[s.Metadata.ID]; !ok {
		b.pages[s.Metadata.ID] = make(map[string]*memory.Page)
	}
	return nil
}

func (b *MemoryBackend) LoadSession(_ context.Context, id string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	if !ok {
		return nil, vmerr.New(vmerr.KindStorageNotFound, "session not found").WithOperation("load_session").WithContext("session_id", id)
	}
	cp := *s
	return &cp, nil
}

func (b *MemoryBackend) SavePage(_ context.Context, sessionID string, page *memory.Page) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pages[sessionID]; !ok {
		b.pages[sessionID] = make(map[string]*memory.Page)
	}
	cp := *page
	b.pages[sessionID][page.ID] = &cp
	return nil
}

func (b *MemoryBackend) LoadPage(_ context.Context, sessionID, pageID string) (*memory.Page, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pages, ok := b.pages[sessionID]
	if !ok {
		return nil, vmerr.New(vmerr.KindStorageNotFound, "session not found").WithOperation("load_page").WithContext("session_id", sessionID)
	}
	p, ok := pages[pageID]
	if !ok {
		return nil, vmerr.New(vmerr.KindPageNotFound, "page not found").WithOperation("load_page").WithContext("page_id", pageID)
	}
	cp := *p
	return &cp, nil
}

func (b *MemoryBackend) ListSessions(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *MemoryBackend) DeleteSession(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
	delete(b.pages, id)
	return nil
}

func (b *MemoryBackend) SessionExists(_ context.Context, id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sessions[id]
	return ok, nil
}

var _ Backend = (*MemoryBackend)(nil)
