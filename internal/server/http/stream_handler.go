package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fable/internal/runtime"
	"fable/internal/server/app"
	"fable/internal/session"
	"fable/internal/transcode"
	"fable/pkg/types/stream"
)

type sendMessageRequest struct {
	Content     string               `json:"content"`
	Attachments []runtime.Attachment `json:"attachments,omitempty"`
}

// handleSendMessage starts a turn and streams its frames as the response
// body. The subscription is taken before StartTurn so the response carries
// the turn's frames from message-start onward.
func (a *API) handleSendMessage(c *gin.Context) {
	sessionID := c.Param("id")

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.fail(c, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		a.fail(c, http.StatusBadRequest, "content or attachments required", nil)
		return
	}

	protocol := a.protocolFor(c)
	sse := wantsSSE(c)

	ch, unsubscribe := a.hub.Subscribe(sessionID)
	defer unsubscribe()

	turn, err := a.coordinator.StartTurn(c.Request.Context(), sessionID, req.Content, req.Attachments)
	switch {
	case errors.Is(err, app.ErrTurnActive):
		a.fail(c, http.StatusConflict, "session has an active turn", nil)
		return
	case errors.Is(err, session.ErrNotFound):
		a.fail(c, http.StatusNotFound, "session not found", nil)
		return
	case err != nil:
		// connect failures still produced a terminal frame pair; deliver it
		// as the stream body so the client sees a well-formed end
		a.logger.Warn("turn for session %s failed to start: %v", sessionID, err)
	default:
		c.Header("X-Run-Id", turn.RunID)
		c.Header("X-Message-Id", turn.MessageID)
	}

	writeStreamHeaders(c, sse)
	encoder := transcode.NewEncoder(c.Writer, protocol, sse)
	a.streamUntilTerminal(c, encoder, ch)
}

// streamUntilTerminal forwards frames to the encoder until a terminal frame,
// client disconnect, or write failure.
func (a *API) streamUntilTerminal(c *gin.Context, encoder *transcode.Encoder, ch <-chan stream.Frame) {
	ticker := newHeartbeatTicker(a.cfg.Stream.HeartbeatInterval())
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if err := encoder.Encode(frame); err != nil {
				a.logger.Debug("stream write failed: %v", err)
				return
			}
			c.Writer.Flush()
			if stream.IsTerminal(frame) {
				return
			}
		case <-ticker.C:
			if err := encoder.Heartbeat(); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// handleAttachStream is the SSE attachment endpoint: replay the session's
// frame history, then follow live frames until the client disconnects. The
// stream spans turns; terminal frames do not close it.
func (a *API) handleAttachStream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := a.store.Get(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			a.fail(c, http.StatusNotFound, "session not found", nil)
			return
		}
		a.fail(c, http.StatusInternalServerError, "get session", err)
		return
	}

	protocol := a.protocolFor(c)
	replay, ch, unsubscribe := a.hub.SubscribeWithReplay(sessionID)
	defer unsubscribe()

	writeStreamHeaders(c, true)
	encoder := transcode.NewEncoder(c.Writer, protocol, true)

	a.logger.Info("SSE attached: session=%s replay=%d", sessionID, len(replay))
	for _, frame := range replay {
		if err := encoder.Encode(frame); err != nil {
			return
		}
	}
	c.Writer.Flush()

	ticker := newHeartbeatTicker(a.cfg.Stream.HeartbeatInterval())
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if err := encoder.Encode(frame); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ticker.C:
			if err := encoder.Heartbeat(); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ctx.Done():
			a.logger.Debug("SSE detached: session=%s", sessionID)
			return
		}
	}
}

// protocolFor negotiates the wire protocol: explicit query parameter first,
// configured default otherwise.
func (a *API) protocolFor(c *gin.Context) string {
	if p := c.Query("protocol"); transcode.ValidProtocol(p) {
		return p
	}
	return a.cfg.Stream.DefaultProtocol
}

// newHeartbeatTicker builds the keepalive ticker, falling back to a sane
// cadence when the configured interval is zero.
func newHeartbeatTicker(interval time.Duration) *time.Ticker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return time.NewTicker(interval)
}

func wantsSSE(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

func writeStreamHeaders(c *gin.Context, sse bool) {
	if sse {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
	} else {
		c.Header("Content-Type", "application/x-ndjson")
		c.Header("Cache-Control", "no-cache")
	}
	c.Status(http.StatusOK)
}
