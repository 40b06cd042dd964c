// Package api exposes the orchestrator over HTTP: message enqueue, thread
// and document reads, a live SSE event stream per thread, and health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/runtime"
)

// Server is the HTTP surface over a runtime Instance.
type Server struct {
	cfg  config.ServerConfig
	inst *runtime.Instance

	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the gin engine and routes. The Instance must be
// created first; it may be started before or after the server.
func NewServer(cfg config.ServerConfig, inst *runtime.Instance) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(), gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		engine.Use(corsMiddleware(cfg.AllowedOrigins))
	}

	s := &Server{cfg: cfg, inst: inst, engine: engine}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Health stays unauthenticated for probes.
	s.engine.GET("/api/v1/health", s.handleHealth)

	v1 := s.engine.Group("/api/v1")
	if s.cfg.AuthToken != "" {
		v1.Use(bearerAuth(s.cfg.AuthToken))
	}

	v1.POST("/messages", s.handleCreateMessage)
	v1.GET("/threads", s.handleListThreads)
	v1.GET("/threads/:id", s.handleGetThread)
	v1.GET("/threads/:id/messages", s.handleListMessages)
	v1.GET("/threads/:id/events", s.handleThreadEvents)
	v1.POST("/documents", s.handleIngestDocument)
	v1.GET("/documents", s.handleListDocuments)
	v1.GET("/documents/:id", s.handleGetDocument)
	v1.POST("/events/:id/cancel", s.handleCancelEvent)
}

// Handler returns the underlying http.Handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving on the configured host and port. Blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
