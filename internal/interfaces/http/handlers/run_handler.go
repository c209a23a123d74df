// Package handlers implements the HTTP front-end's per-route logic,
// each wrapping the same Agent orchestrator the CLI drives directly.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llcraft/llcraft/internal/agent"
	"github.com/llcraft/llcraft/internal/interfaces/websocket"
	"github.com/llcraft/llcraft/internal/llmprovider"
	"github.com/llcraft/llcraft/internal/session"
)

// RunHandler serves POST /v1/run.
type RunHandler struct {
	client    llmprovider.Client
	backend   session.Backend
	hub       *websocket.Hub
	agentOpts agent.Config
	logger    *zap.Logger
}

// NewRunHandler builds a RunHandler. hub may be nil, disabling progress
// streaming; backend may be nil, disabling session persistence.
func NewRunHandler(client llmprovider.Client, backend session.Backend, hub *websocket.Hub, agentOpts agent.Config, logger *zap.Logger) *RunHandler {
	return &RunHandler{client: client, backend: backend, hub: hub, agentOpts: agentOpts, logger: logger}
}

// runRequest is the POST /v1/run body.
type runRequest struct {
	Task        string  `json:"task" binding:"required"`
	SessionID   string  `json:"session_id"`
	ClientID    string  `json:"client_id"` // progress-stream listener, optional
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxSteps    int     `json:"max_steps"`
}

type runResponse struct {
	SessionID string `json:"session_id"`
	Result    any    `json:"result"`
	Pages     int    `json:"pages"`
}

// Handle runs req.Task to completion and returns its result, optionally
// streaming a step Event for each LOG opcode the program executes, plus
// start, completion and failure Events, to req.ClientID over the websocket
// hub while the run is in flight.
func (h *RunHandler) Handle(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := h.agentOpts
	if req.Model != "" {
		cfg.Model = req.Model
	}
	if req.Temperature > 0 {
		cfg.Temperature = req.Temperature
	}
	if req.MaxSteps > 0 {
		cfg.MaxSteps = req.MaxSteps
	}

	opts := []agent.Option{agent.WithLogger(h.logger)}
	if h.hub != nil && req.ClientID != "" {
		clientID := req.ClientID
		sessionID := req.SessionID
		cfg.LogCallback = func(line string) {
			h.hub.Send(clientID, websocket.Event{Type: websocket.EventStep, SessionID: sessionID, Detail: line})
		}
	}

	a := agent.New(h.client, cfg, opts...)

	if h.backend != nil {
		var err error
		a, err = a.WithSession(c.Request.Context(), h.backend, req.SessionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	if h.hub != nil && req.ClientID != "" {
		h.hub.Send(req.ClientID, websocket.Event{Type: websocket.EventSuspend, SessionID: req.SessionID, Detail: "run started"})
	}

	res, err := a.Run(c.Request.Context(), req.Task)
	if err != nil {
		if h.hub != nil && req.ClientID != "" {
			h.hub.Send(req.ClientID, websocket.Event{Type: websocket.EventFailed, SessionID: req.SessionID, Detail: err.Error()})
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	if h.hub != nil && req.ClientID != "" {
		h.hub.Send(req.ClientID, websocket.Event{Type: websocket.EventComplete, SessionID: res.SessionID})
	}

	c.JSON(http.StatusOK, runResponse{SessionID: res.SessionID, Result: res.Value, Pages: len(res.Pages)})
}
