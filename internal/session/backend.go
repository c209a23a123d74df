package session

import (
	"context"

	"github.com/llcraft/llcraft/internal/vm/memory"
)

// Backend is the session store's persistence contract. Implementations
// persist Session metadata/index/trace and individual Page content
// out-of-band, keyed by (session id, page id).
type Backend interface {
	CreateSession(ctx context.Context, task string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	LoadSession(ctx context.Context, id string) (*Session, error)
	SavePage(ctx context.Context, sessionID string, page *memory.Page) error
	LoadPage(ctx context.Context, sessionID, pageID string) (*memory.Page, error)
	ListSessions(ctx context.Context) ([]string, error)
	DeleteSession(ctx context.Context, id string) error
	SessionExists(ctx context.Context, id string) (bool, error)
}
