// Package http implements the VM's optional HTTP front-end: POST /v1/run,
// GET /v1/sessions, GET /v1/sessions/:id, and GET /v1/schema, all wrapping
// the same Agent orchestrator the CLI drives directly.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llcraft/llcraft/internal/agent"
	"github.com/llcraft/llcraft/internal/interfaces/http/handlers"
	"github.com/llcraft/llcraft/internal/interfaces/websocket"
	"github.com/llcraft/llcraft/internal/llmprovider"
	"github.com/llcraft/llcraft/internal/session"
)

// Server wraps the VM's HTTP front-end.
type Server struct {
	server *http.Server
	hub    *websocket.Hub
	logger *zap.Logger
}

// Config configures the HTTP server.
type Config struct {
	Host string
	Port int
	Mode string // "production" selects gin release mode; anything else runs debug
}

// NewServer builds a Server. backend may be nil, which disables the
// /v1/sessions routes and session persistence for /v1/run.
func NewServer(cfg Config, client llmprovider.Client, backend session.Backend, agentCfg agent.Config, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	hub := websocket.NewHub(logger)
	wsHandler := websocket.NewHandler(hub, logger)
	runHandler := handlers.NewRunHandler(client, backend, hub, agentCfg, logger)
	schemaHandler := handlers.NewSchemaHandler()
	var sessionsHandler *handlers.SessionsHandler
	if backend != nil {
		sessionsHandler = handlers.NewSessionsHandler(backend, logger)
	}

	setupRoutes(router, runHandler, sessionsHandler, schemaHandler, wsHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		hub:    hub,
		logger: logger,
	}
}

// Start runs the hub's dispatch loop and the HTTP listener in the
// background. ctx cancellation stops the hub; Stop must still be called
// to shut the listener down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.logger.Info("starting HTTP server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, run *handlers.RunHandler, sessions *handlers.SessionsHandler, schema *handlers.SchemaHandler, ws *websocket.Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	})

	v1 := router.Group("/v1")
	{
		v1.POST("/run", run.Handle)
		v1.GET("/schema", schema.Handle)
		v1.GET("/stream", func(c *gin.Context) { ws.ServeWS(c.Writer, c.Request) })

		if sessions != nil {
			v1.GET("/sessions", sessions.List)
			v1.GET("/sessions/:id", sessions.Get)
		}
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
