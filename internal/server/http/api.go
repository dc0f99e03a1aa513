package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fable/internal/config"
	"fable/internal/logging"
	"fable/internal/server/app"
	"fable/internal/session"
)

// API carries the handler state. Handlers live in the *_handler.go files of
// this package.
type API struct {
	cfg         config.Config
	store       session.Store
	hub         *app.FrameHub
	coordinator *app.Coordinator
	timelines   *app.TimelineService
	upgrader    websocket.Upgrader
	logger      logging.Logger
	version     VersionInfo
	startedAt   time.Time
}

func newAPI(cfg config.Config, deps Deps, logger logging.Logger) *API {
	a := &API{
		cfg:         cfg,
		store:       deps.Store,
		hub:         deps.Hub,
		coordinator: deps.Coordinator,
		timelines:   deps.Timelines,
		logger:      logger,
		version:     deps.Version,
		startedAt:   time.Now(),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkWSOrigin,
	}
	return a
}

// checkWSOrigin mirrors the CORS policy for WebSocket upgrades: permissive in
// development, allow-list in production. Requests without an Origin header
// (non-browser clients) pass.
func (a *API) checkWSOrigin(r *http.Request) bool {
	if a.cfg.Environment == config.EnvDevelopment || len(a.cfg.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.cfg.Server.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

type healthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
}

func (a *API) handleHealth(c *gin.Context) {
	summaries, err := a.store.List(c.Request.Context())
	if err != nil {
		a.fail(c, http.StatusInternalServerError, "list sessions", err)
		return
	}
	a.ok(c, healthResponse{
		Status:   "ok",
		Uptime:   time.Since(a.startedAt).Round(time.Second).String(),
		Sessions: len(summaries),
	})
}

func (a *API) handleVersion(c *gin.Context) {
	a.ok(c, a.version)
}
