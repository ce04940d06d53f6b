// Package api provides the local HTTP status surface for the agent. It
// exposes the session and pipeline state to UI clients and accepts manual
// ingestion triggers and logout requests.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/un1t-gg/audial-agent/internal/auth"
	"github.com/un1t-gg/audial-agent/internal/config"
	"github.com/un1t-gg/audial-agent/internal/ingest"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Server represents the local status API server.
type Server struct {
	engine       *gin.Engine
	server       *http.Server
	cfg          *config.Config
	sessions     *auth.Manager
	orchestrator *ingest.Orchestrator
}

// NewServer creates and initializes the status API server.
func NewServer(cfg *config.Config, sessions *auth.Manager, orchestrator *ingest.Orchestrator) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())

	s := &Server{
		engine:       engine,
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", cfg.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	v0 := s.engine.Group("/v0")
	{
		v0.GET("/status", s.handleStatus)
		v0.GET("/session", s.handleSession)
		v0.POST("/ingest", s.handleIngest)
		v0.POST("/logout", s.handleLogout)
	}
}

// Start begins listening on the configured loopback port.
func (s *Server) Start() error {
	log.Infof("Status API listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status API server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.orchestrator.Status())
}

// handleSession returns a sanitized session view. Tokens and credentials are
// never exposed over this surface.
func (s *Server) handleSession(c *gin.Context) {
	session := s.sessions.Snapshot()
	view := gin.H{
		"state":           string(session.State),
		"isAuthenticated": session.IsAuthenticated(),
	}
	if session.UserID != "" {
		view["userId"] = session.UserID
	}
	if !session.ExpiresAt.IsZero() {
		view["expiresAt"] = session.ExpiresAt.UnixMilli()
	}
	if session.LastError != "" {
		view["lastError"] = string(session.LastError)
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleIngest(c *gin.Context) {
	session := s.sessions.Snapshot()
	if !session.Ready() {
		c.JSON(http.StatusConflict, gin.H{"error": "session is not ready"})
		return
	}

	go func() {
		if err := s.orchestrator.Run(s.sessions.SessionContext()); err != nil {
			log.Errorf("Ingestion run failed: %v", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.sessions.Logout()
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}
