package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fable/internal/session"
)

type createSessionRequest struct {
	Title string `json:"title"`
}

func (a *API) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			a.fail(c, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	sess, err := a.store.Create(c.Request.Context(), req.Title)
	if err != nil {
		a.fail(c, http.StatusInternalServerError, "create session", err)
		return
	}
	a.logger.Info("session created: %s", sess.ID)
	a.created(c, sess)
}

func (a *API) handleListSessions(c *gin.Context) {
	summaries, err := a.store.List(c.Request.Context())
	if err != nil {
		a.fail(c, http.StatusInternalServerError, "list sessions", err)
		return
	}
	a.ok(c, gin.H{"sessions": summaries})
}

func (a *API) handleGetSession(c *gin.Context) {
	sess, err := a.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			a.fail(c, http.StatusNotFound, "session not found", nil)
			return
		}
		a.fail(c, http.StatusInternalServerError, "get session", err)
		return
	}
	a.ok(c, sess)
}

func (a *API) handleDeleteSession(c *gin.Context) {
	sessionID := c.Param("id")
	if a.coordinator.TurnActive(sessionID) {
		a.fail(c, http.StatusConflict, "session has an active turn", nil)
		return
	}
	if err := a.store.Delete(c.Request.Context(), sessionID); err != nil {
		a.fail(c, http.StatusInternalServerError, "delete session", err)
		return
	}
	a.hub.Forget(sessionID)
	a.timelines.Forget(sessionID)
	a.logger.Info("session deleted: %s", sessionID)
	a.ok(c, gin.H{"id": sessionID})
}
