package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llcraft/llcraft/internal/session"
)

// SessionsHandler serves GET /v1/sessions and GET /v1/sessions/:id.
type SessionsHandler struct {
	backend session.Backend
	logger  *zap.Logger
}

// NewSessionsHandler builds a SessionsHandler. backend must not be nil;
// callers without a configured session store should not register these
// routes at all.
func NewSessionsHandler(backend session.Backend, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{backend: backend, logger: logger}
}

type sessionSummary struct {
	ID         string `json:"id"`
	Task       string `json:"task"`
	Status     string `json:"status"`
	TotalSteps int    `json:"total_steps"`
	LLMCalls   int    `json:"llm_calls"`
	Pages      int    `json:"pages"`
}

// List returns every persisted session's metadata, sorted by ID.
func (h *SessionsHandler) List(c *gin.Context) {
	ids, err := h.backend.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sort.Strings(ids)

	summaries := make([]sessionSummary, 0, len(ids))
	for _, id := range ids {
		sess, err := h.backend.LoadSession(c.Request.Context(), id)
		if err != nil {
			h.logger.Warn("skip unreadable session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		summaries = append(summaries, sessionSummary{
			ID:         sess.Metadata.ID,
			Task:       sess.Metadata.Task,
			Status:     string(sess.Metadata.Status),
			TotalSteps: sess.Metadata.TotalSteps,
			LLMCalls:   sess.Metadata.LLMCalls,
			Pages:      len(sess.PageIndex),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries})
}

// Get returns one session's full metadata, page index, and trace summary.
func (h *SessionsHandler) Get(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.backend.LoadSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}
