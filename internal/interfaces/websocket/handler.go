// Package websocket implements the VM's optional progress-stream surface:
// a connected client receives a step event for each LOG opcode a run
// executes plus start/complete/error notifications for whichever /v1/run
// invocation named it as a listener. It never drives the interpreter —
// it only observes it, adapted from the teacher's chat Hub/Client pattern.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/llcraft/llcraft/pkg/safego"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins; callers front this with their own auth
	},
}

// EventType labels the kind of orchestrator event an Event carries.
type EventType string

const (
	EventStep     EventType = "step"
	EventSuspend  EventType = "suspend"
	EventResume   EventType = "resume"
	EventComplete EventType = "complete"
	EventFailed   EventType = "failed"
	EventError    EventType = "error"
	EventPing     EventType = "ping"
	EventPong     EventType = "pong"
)

// Event is one progress notification pushed to a listening client.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Step      int            `json:"step,omitempty"`
	Opcode    string         `json:"opcode,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Client is one connected progress-stream listener.
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *zap.Logger
}

// Hub tracks every connected Client and fans Events out to whichever
// client ID a /v1/run caller named as its listener.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewHub builds an empty Hub. Run must be called once to service it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run services client (un)registration until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Info("progress stream client connected", zap.String("client_id", client.ID))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("progress stream client disconnected", zap.String("client_id", client.ID))
		}
	}
}

// Connected reports whether clientID currently has a live connection.
func (h *Hub) Connected(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[clientID]
	return ok
}

// Send pushes ev to clientID's connection, if any. A missing or
// backpressured client silently drops the event: the stream is
// best-effort progress, not the run's result, which /v1/run always
// returns in its own response body regardless of stream delivery.
func (h *Hub) Send(clientID string, ev Event) {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	ev.Timestamp = time.Now().Unix()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// Handler upgrades HTTP connections to the progress-stream protocol.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler builds a Handler backed by hub.
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// ServeWS upgrades the request and registers a client keyed by the
// caller-supplied "client_id" query parameter, the same ID a concurrent
// POST /v1/run call must pass as its listener to receive this client's
// events.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("progress stream upgrade failed", zap.Error(err))
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = time.Now().Format("20060102150405.000000000")
	}

	client := &Client{
		ID:     clientID,
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    h.hub,
		logger: h.logger,
	}

	h.hub.register <- client

	safego.Go(h.logger, "ws-write-pump-"+clientID, client.writePump)
	safego.Go(h.logger, "ws-read-pump-"+clientID, client.readPump)
}

// readPump only exists to notice disconnects and answer pings; the
// stream carries no client->server commands.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("progress stream read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
