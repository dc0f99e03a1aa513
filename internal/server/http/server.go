// Package http exposes the gateway's HTTP API: session management, the
// streaming turn endpoint, SSE and WebSocket attachment, and the reduced
// timeline view.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"fable/internal/config"
	"fable/internal/logging"
	"fable/internal/server/app"
	"fable/internal/session"
)

// VersionInfo is what GET /version reports. The fields are stamped by the
// build via the cmd package.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	BuiltAt string `json:"builtAt,omitempty"`
}

// Deps are the services the API layer delegates to.
type Deps struct {
	Store       session.Store
	Hub         *app.FrameHub
	Coordinator *app.Coordinator
	Timelines   *app.TimelineService
	Logger      logging.Logger
	Version     VersionInfo
}

// Server owns the gin engine and the http.Server wrapping it.
type Server struct {
	cfg        config.Config
	api        *API
	engine     *gin.Engine
	httpServer *http.Server
	logger     logging.Logger
}

// NewServer builds the engine, wires middleware and routes, and prepares the
// listener without starting it.
func NewServer(cfg config.Config, deps Deps) *Server {
	logger := logging.OrNop(deps.Logger)

	if cfg.Environment != config.EnvDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))
	engine.Use(cors.New(corsConfig(cfg)))

	s := &Server{
		cfg:    cfg,
		api:    newAPI(cfg, deps, logger),
		engine: engine,
		logger: logger,
	}
	s.registerRoutes()

	// no WriteTimeout: frame streams and SSE attachments stay open for
	// minutes, so only header latency is bounded
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.api.handleHealth)
	s.engine.GET("/version", s.api.handleVersion)

	api := s.engine.Group("/api")

	sessions := api.Group("/sessions")
	{
		sessions.POST("", s.api.handleCreateSession)
		sessions.GET("", s.api.handleListSessions)
		sessions.GET("/:id", s.api.handleGetSession)
		sessions.DELETE("/:id", s.api.handleDeleteSession)
		sessions.POST("/:id/messages", s.api.handleSendMessage)
		sessions.GET("/:id/stream", s.api.handleAttachStream)
		sessions.GET("/:id/timeline", s.api.handleTimeline)
	}

	api.GET("/ws/:id", s.api.handleWebSocket)
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the engine for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// corsConfig builds the CORS policy: development allows any origin so local
// clients on arbitrary ports work; production requires the explicit
// allow-list from configuration.
func corsConfig(cfg config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"}
	corsCfg.AllowWebSockets = true
	if cfg.Environment == config.EnvDevelopment || len(cfg.Server.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.Server.AllowedOrigins
	}
	return corsCfg
}
