package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// apiResponse is the uniform JSON envelope for non-streaming endpoints.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (a *API) ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: data})
}

func (a *API) created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, apiResponse{Success: true, Data: data})
}

func (a *API) fail(c *gin.Context, status int, message string, err error) {
	if err != nil {
		a.logger.Error("HTTP %d - %s: %v", status, message, err)
		message = message + ": " + err.Error()
	} else {
		a.logger.Warn("HTTP %d - %s", status, message)
	}
	c.JSON(status, apiResponse{Success: false, Error: message})
}
