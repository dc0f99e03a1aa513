package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fable/internal/session"
	"fable/pkg/types/stream"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 90 * time.Second
)

// handleWebSocket mirrors the SSE attachment over a WebSocket: history
// replay, then live frames as JSON text messages, until either side closes.
func (a *API) handleWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := a.store.Get(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			a.fail(c, http.StatusNotFound, "session not found", nil)
			return
		}
		a.fail(c, http.StatusInternalServerError, "get session", err)
		return
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		a.logger.Warn("websocket upgrade failed for session %s: %v", sessionID, err)
		return
	}
	defer conn.Close()

	replay, ch, unsubscribe := a.hub.SubscribeWithReplay(sessionID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// read pump: frames flow one way; reading only services control frames
	// and detects the client going away
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	a.logger.Info("websocket attached: session=%s replay=%d", sessionID, len(replay))
	for _, frame := range replay {
		if err := a.writeWSFrame(conn, frame); err != nil {
			return
		}
	}

	ticker := newHeartbeatTicker(a.cfg.Stream.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if err := a.writeWSFrame(conn, frame); err != nil {
				a.logger.Debug("websocket write failed for session %s: %v", sessionID, err)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-ctx.Done():
			a.logger.Debug("websocket detached: session=%s", sessionID)
			deadline := time.Now().Add(wsWriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// writeWSFrame sends one frame in its canonical JSON form.
func (a *API) writeWSFrame(conn *websocket.Conn, frame stream.Frame) error {
	encoded, err := stream.MarshalFrame(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, encoded)
}
