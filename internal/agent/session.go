package agent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/llcraft/llcraft/internal/session"
	"github.com/llcraft/llcraft/internal/vm/memory"
	"go.uber.org/zap"
)

// saveToSession persists every page from the just-finished run to the
// attached backend and refreshes the agent's page-summary index, mirroring
// agent.rs's save_to_session. A no-op when no session is attached.
func (a *Agent) saveToSession(ctx context.Context, pages map[string]*memory.Page) error {
	if a.backend == nil || a.sess == nil {
		return nil
	}

	sess, err := a.backend.LoadSession(ctx, a.sess.Metadata.ID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(pages))
	for id := range pages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		page := pages[id]
		summary := summarizeValue(page.Content)
		sess.IndexPage(page, summary)
		sess.SetPageLoaded(id, false)
		if err := a.backend.SavePage(ctx, sess.Metadata.ID, page); err != nil {
			return err
		}

		now := time.Now().Unix()
		idx := session.PageIndex{
			ID:         id,
			Summary:    summary,
			Tokens:     page.SizeTokens,
			CreatedAt:  now,
			AccessedAt: now,
			Loaded:     false,
		}
		a.pageIndex[id] = idx
	}

	if err := a.backend.SaveSession(ctx, sess); err != nil {
		return err
	}
	a.sess = sess

	a.logger.Info("saved pages to session", zap.Int("count", len(pages)), zap.String("session_id", sess.Metadata.ID))
	return nil
}

// summarizeValue is the page-index summary used when persisting a page to
// a session, matching agent.rs's summarize_value exactly: a 60-char
// (not rune) truncation with a literal "..." suffix for strings, a key
// enumeration for objects, and an item count for arrays. This intentionally
// differs from session.AutoSummarize's 100-rune/"…" convention, which
// remains the interpreter's own default for pages indexed via
// IndexPage(p, "") during a run — summarizeValue is the one call site
// agent.rs actually uses for what gets written to the session's page index.
func summarizeValue(content any) string {
	switch v := content.(type) {
	case string:
		if len(v) > 60 {
			return v[:60] + "..."
		}
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("Object with keys: %v", keys)
	case []any:
		return fmt.Sprintf("Array with %d items", len(v))
	default:
		return fmt.Sprintf("%v", v)
	}
}
