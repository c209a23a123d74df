// Package memory implements the VM's page-addressed working memory
// (component B): a named map of JSON pages with token accounting and
// LRU eviction.
package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/llcraft/llcraft/pkg/vmerr"
)

// MaxPages bounds the number of live pages in one Memory.
const MaxPages = 1024

// DefaultMaxTokens is the default token budget for a Memory.
const DefaultMaxTokens = 128_000

// Page is a named JSON-valued memory slot with token accounting.
type Page struct {
	ID         string `json:"id"`
	Content    any    `json:"content"`
	SizeTokens int    `json:"size_tokens"`
	Dirty      bool   `json:"dirty"`
	Label      string `json:"label,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	AccessedAt int64  `json:"accessed_at"`
}

// EstimateTokens approximates token count from serialized length:
// serialized_len/4 + 1.
func EstimateTokens(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 1
	}
	return len(b)/4 + 1
}

// Memory is a page-id-addressed store with token-budget accounting.
type Memory struct {
	pages       map[string]*Page
	totalTokens int
	maxTokens   int
	allocSeq    int
	now         func() int64
}

// New returns an empty Memory with the given token budget (0 = DefaultMaxTokens).
func New(maxTokens int) *Memory {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Memory{
		pages:     make(map[string]*Page),
		maxTokens: maxTokens,
		now:       func() int64 { return time.Now().Unix() },
	}
}

// TotalTokens returns the running total across all pages.
func (m *Memory) TotalTokens() int { return m.totalTokens }

// MaxTokens returns the configured budget.
func (m *Memory) MaxTokens() int { return m.maxTokens }

// Len returns the number of live pages.
func (m *Memory) Len() int { return len(m.pages) }

// HasPage reports whether id is present.
func (m *Memory) HasPage(id string) bool {
	_, ok := m.pages[id]
	return ok
}

// Load returns the page's content and touches its accessed_at.
func (m *Memory) Load(id string) (any, error) {
	p, ok := m.pages[id]
	if !ok {
		return nil, vmerr.New(vmerr.KindPageNotFound, fmt.Sprintf("page %q not found", id)).WithOperation("load")
	}
	p.AccessedAt = m.now()
	return p.Content, nil
}

// GetPage returns the full Page record (read-only view), touching accessed_at.
func (m *Memory) GetPage(id string) (*Page, error) {
	p, ok := m.pages[id]
	if !ok {
		return nil, vmerr.New(vmerr.KindPageNotFound, fmt.Sprintf("page %q not found", id)).WithOperation("get_page")
	}
	p.AccessedAt = m.now()
	return p, nil
}

// Store writes v into page id, creating it if absent. Replacing an existing
// page atomically updates total token accounting. New pages are rejected
// with PageOverflow once MaxPages is reached.
func (m *Memory) Store(id string, v any) error {
	tokens := EstimateTokens(v)
	now := m.now()
	if existing, ok := m.pages[id]; ok {
		m.totalTokens += tokens - existing.SizeTokens
		existing.Content = v
		existing.SizeTokens = tokens
		existing.Dirty = true
		existing.AccessedAt = now
		return nil
	}
	if len(m.pages) >= MaxPages {
		return vmerr.New(vmerr.KindPageOverflow, "memory at max page count").WithOperation("store").WithContext("page_id", id)
	}
	m.pages[id] = &Page{
		ID:         id,
		Content:    v,
		SizeTokens: tokens,
		Dirty:      true,
		CreatedAt:  now,
		AccessedAt: now,
	}
	m.totalTokens += tokens
	return nil
}

// Alloc creates a new empty page with an auto-generated id (page_{n}) and
// an optional label, returning the new id.
func (m *Memory) Alloc(label string) (string, error) {
	if len(m.pages) >= MaxPages {
		return "", vmerr.New(vmerr.KindPageOverflow, "memory at max page count").WithOperation("alloc")
	}
	m.allocSeq++
	id := fmt.Sprintf("page_%d", m.allocSeq)
	now := m.now()
	m.pages[id] = &Page{
		ID:         id,
		Content:    nil,
		SizeTokens: EstimateTokens(nil),
		Label:      label,
		CreatedAt:  now,
		AccessedAt: now,
	}
	m.totalTokens += m.pages[id].SizeTokens
	return id, nil
}

// Free destroys a page.
func (m *Memory) Free(id string) error {
	p, ok := m.pages[id]
	if !ok {
		return vmerr.New(vmerr.KindPageNotFound, fmt.Sprintf("page %q not found", id)).WithOperation("free")
	}
	m.totalTokens -= p.SizeTokens
	delete(m.pages, id)
	return nil
}

// Copy duplicates src's content into dst (creating dst if absent).
func (m *Memory) Copy(src, dst string) error {
	v, err := m.Load(src)
	if err != nil {
		return err
	}
	return m.Store(dst, v)
}

// PagesByLRU returns page ids ordered by ascending accessed_at (least
// recently used first).
func (m *Memory) PagesByLRU() []string {
	ids := make([]string, 0, len(m.pages))
	for id := range m.pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := m.pages[ids[i]], m.pages[ids[j]]
		if pi.AccessedAt != pj.AccessedAt {
			return pi.AccessedAt < pj.AccessedAt
		}
		return pi.ID < pj.ID
	})
	return ids
}

// EvictToLimit removes least-recently-used pages until total_tokens <= target,
// returning the ids evicted in eviction order.
func (m *Memory) EvictToLimit(target int) []string {
	var evicted []string
	for _, id := range m.PagesByLRU() {
		if m.totalTokens <= target {
			break
		}
		p := m.pages[id]
		m.totalTokens -= p.SizeTokens
		delete(m.pages, id)
		evicted = append(evicted, id)
	}
	return evicted
}

// All returns every page currently resident, for flushing to a session.
func (m *Memory) All() map[string]*Page {
	out := make(map[string]*Page, len(m.pages))
	for id, p := range m.pages {
		cp := *p
		out[id] = &cp
	}
	return out
}

// Snapshot returns a restorable copy of the Memory's state for Checkpoint.
type Snapshot struct {
	Pages       map[string]*Page
	TotalTokens int
	AllocSeq    int
}

// Snapshot captures the current state.
func (m *Memory) Snapshot() Snapshot {
	pages := make(map[string]*Page, len(m.pages))
	for id, p := range m.pages {
		cp := *p
		pages[id] = &cp
	}
	return Snapshot{Pages: pages, TotalTokens: m.totalTokens, AllocSeq: m.allocSeq}
}

// Restore replaces the Memory's state from a Snapshot produced by Snapshot.
func (m *Memory) Restore(s Snapshot) {
	pages := make(map[string]*Page, len(s.Pages))
	for id, p := range s.Pages {
		cp := *p
		pages[id] = &cp
	}
	m.pages = pages
	m.totalTokens = s.TotalTokens
	m.allocSeq = s.AllocSeq
}
