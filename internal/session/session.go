// Package session implements the VM's session store (component D):
// session metadata, a page index of lightweight per-page metadata, a
// bounded trace summary, and a pluggable persistence Backend.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/llcraft/llcraft/internal/vm/memory"
)

// MaxTraceEntries bounds the session's compressed trace summary, per
// spec.md §9's resolved open question (bounded-at-50 policy).
const MaxTraceEntries = 50

// Status is the session's lifecycle state.
type Status string

const (
	StatusActive    Status = "Active"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusAbandoned Status = "Abandoned"
)

// Metadata is a session's identity and bookkeeping counters.
type Metadata struct {
	ID         string `json:"id"`
	Task       string `json:"task"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
	TotalSteps int    `json:"total_steps"`
	LLMCalls   int    `json:"llm_calls"`
	Status     Status `json:"status"`
}

// PageIndex is lightweight per-page metadata kept in the session; page
// content itself lives in the backend's page store.
type PageIndex struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Tokens      int    `json:"tokens"`
	ContentType string `json:"content_type,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	AccessedAt  int64  `json:"accessed_at"`
	Loaded      bool   `json:"loaded"`
}

// TraceEntry is a compressed execution-trace record kept in the session
// (distinct from the interpreter's in-memory ExecutionStep trace).
type TraceEntry struct {
	Step     int    `json:"step"`
	Opcode   string `json:"opcode"`
	Result   string `json:"result"`
	HadError bool   `json:"had_error"`
}

// ProgressEntry records one iteration's summary and learnings, supplementing
// spec.md's Session data model with the original's ProgressLog subsystem
// (original_source/llcraft-vm/src/session.rs).
type ProgressEntry struct {
	Timestamp    int64    `json:"timestamp"`
	ProgramID    string   `json:"program_id,omitempty"`
	Summary      string   `json:"summary"`
	Learnings    []string `json:"learnings,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
}

// ProgressLog is an append-only log of learnings and reusable patterns
// carried forward across invocations of the same session.
type ProgressLog struct {
	Entries  []ProgressEntry `json:"entries,omitempty"`
	Patterns []string        `json:"patterns,omitempty"`
}

// AddEntry appends a progress entry.
func (l *ProgressLog) AddEntry(programID, summary string, learnings, files []string) {
	l.Entries = append(l.Entries, ProgressEntry{
		Timestamp:    time.Now().Unix(),
		ProgramID:    programID,
		Summary:      summary,
		Learnings:    learnings,
		FilesChanged: files,
	})
}

// AddPattern records a reusable pattern, deduplicated.
func (l *ProgressLog) AddPattern(pattern string) {
	for _, p := range l.Patterns {
		if p == pattern {
			return
		}
	}
	l.Patterns = append(l.Patterns, pattern)
}

// RecentLearnings returns the learnings from the most recent maxEntries
// progress entries, most recent first.
func (l *ProgressLog) RecentLearnings(maxEntries int) []string {
	var out []string
	for i := len(l.Entries) - 1; i >= 0 && len(l.Entries)-1-i < maxEntries; i-- {
		out = append(out, l.Entries[i].Learnings...)
	}
	return out
}

// Session is a persisted bundle of page index, trace, and progress log.
// active_memory is intentionally not part of the serialized form (per
// spec.md §9: treat active_memory as non-persistent).
type Session struct {
	Metadata     Metadata             `json:"metadata"`
	PageIndex    map[string]PageIndex `json:"page_index"`
	TraceSummary []TraceEntry         `json:"trace_summary"`
	Progress     ProgressLog          `json:"progress,omitempty"`

	activeMemory *memory.Memory
}

// New creates a fresh Active session.
func New(id, task string) *Session {
	now := time.Now().Unix()
	return &Session{
		Metadata: Metadata{
			ID:        id,
			Task:      task,
			CreatedAt: now,
			UpdatedAt: now,
			Status:    StatusActive,
		},
		PageIndex:    make(map[string]PageIndex),
		activeMemory: memory.New(0),
	}
}

// ActiveMemory returns the session's non-persistent working memory,
// lazily creating it if this Session was just deserialized.
func (s *Session) ActiveMemory() *memory.Memory {
	if s.activeMemory == nil {
		s.activeMemory = memory.New(0)
	}
	return s.activeMemory
}

// GenerateID returns a new session id of the form session_{hex millis}.
func GenerateID() string {
	ts := time.Now().UnixMilli()
	return fmt.Sprintf("session_%s", strconv.FormatInt(ts, 16))
}

// IndexPage records or updates a page's index entry, computing an
// auto-summary when none is supplied.
func (s *Session) IndexPage(p *memory.Page, summary string) {
	if summary == "" {
		summary = AutoSummarize(p.Content)
	}
	s.PageIndex[p.ID] = PageIndex{
		ID:          p.ID,
		Summary:     summary,
		Tokens:      p.SizeTokens,
		ContentType: p.Label,
		CreatedAt:   p.CreatedAt,
		AccessedAt:  p.AccessedAt,
		Loaded:      true,
	}
}

// AutoSummarize produces the default per-content-shape summary used by
// IndexPage: first 100 chars of a string (with ellipsis), key enumeration
// for an object, item count for an array, else a textual form.
func AutoSummarize(content any) string {
	switch v := content.(type) {
	case string:
		r := []rune(v)
		if len(r) > 100 {
			return string(r[:100]) + "…"
		}
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
			if len(keys) == 5 {
				break
			}
		}
		return "Object with keys: " + strings.Join(keys, ", ")
	case []any:
		return fmt.Sprintf("Array with %d items", len(v))
	default:
		return fmt.Sprintf("%v", v)
	}
}

// SetPageLoaded marks a page's loaded flag in the index and touches its
// accessed_at.
func (s *Session) SetPageLoaded(pageID string, loaded bool) {
	if idx, ok := s.PageIndex[pageID]; ok {
		idx.Loaded = loaded
		idx.AccessedAt = time.Now().Unix()
		s.PageIndex[pageID] = idx
	}
}

// LoadedPageIDs returns the ids currently marked loaded.
func (s *Session) LoadedPageIDs() []string {
	var out []string
	for id, idx := range s.PageIndex {
		if idx.Loaded {
			out = append(out, id)
		}
	}
	return out
}

// AddTrace appends a compressed trace entry, trimming to MaxTraceEntries.
func (s *Session) AddTrace(step int, opcode, result string, hadError bool) {
	r := []rune(result)
	if len(r) > 100 {
		result = string(r[:100])
	}
	s.TraceSummary = append(s.TraceSummary, TraceEntry{
		Step: step, Opcode: opcode, Result: result, HadError: hadError,
	})
	if len(s.TraceSummary) > MaxTraceEntries {
		s.TraceSummary = s.TraceSummary[len(s.TraceSummary)-MaxTraceEntries:]
	}
}

// TraceSummaryText renders the trace as "{step}: {opcode} -> {result}" lines
// for inclusion in a Reflect prompt.
func (s *Session) TraceSummaryText() string {
	var b strings.Builder
	for i, t := range s.TraceSummary {
		if i > 0 {
			b.WriteByte('\n')
		}
		marker := ""
		if t.HadError {
			marker = " (error)"
		}
		fmt.Fprintf(&b, "%d: %s -> %s%s", t.Step, t.Opcode, t.Result, marker)
	}
	return b.String()
}

// Touch bumps updated_at.
func (s *Session) Touch() {
	s.Metadata.UpdatedAt = time.Now().Unix()
}

// IncrementSteps increments total_steps and touches the session.
func (s *Session) IncrementSteps() {
	s.Metadata.TotalSteps++
	s.Touch()
}

// IncrementLLMCalls increments llm_calls and touches the session.
func (s *Session) IncrementLLMCalls() {
	s.Metadata.LLMCalls++
	s.Touch()
}
