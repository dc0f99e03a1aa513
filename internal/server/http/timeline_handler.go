package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fable/internal/session"
	"fable/internal/timeline"
)

type timelineResponse struct {
	Items    []timeline.Item `json:"items"`
	Revision uint64          `json:"revision"`
}

func (a *API) handleTimeline(c *gin.Context) {
	items, revision, err := a.timelines.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			a.fail(c, http.StatusNotFound, "session not found", nil)
			return
		}
		a.fail(c, http.StatusInternalServerError, "reduce timeline", err)
		return
	}
	if items == nil {
		items = []timeline.Item{}
	}
	a.ok(c, timelineResponse{Items: items, Revision: revision})
}
