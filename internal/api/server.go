// Package api serves the management surface of acnetd: the HTML
// diagnostic report and read-only JSON snapshots of the routing state.
// Every handler that reads routing state snapshots through Daemon.Call, so
// the routing core is never read concurrently.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/acnetd/internal/config"
	"github.com/jroosing/acnetd/internal/server"
)

// Server is the management HTTP server.
type Server struct {
	cfg    *config.Config
	daemon *server.Daemon
	logger *slog.Logger
	engine *gin.Engine
	http   *http.Server
}

// New builds the management server and its routes.
func New(cfg *config.Config, d *server.Daemon, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		daemon: d,
		logger: logger,
		engine: engine,
	}
	s.registerRoutes()

	s.http = &http.Server{
		Addr:              s.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error { return s.http.ListenAndServe() }

// Shutdown stops the API server gracefully.
func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }

func (s *Server) registerRoutes() {
	s.engine.GET("/report", s.handleReport)

	v1 := s.engine.Group("/api/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/stats", s.handleStats)
	v1.GET("/tasks", s.handleTasks)
	v1.GET("/nodes", s.handleNodes)
}
