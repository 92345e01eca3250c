package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/collab"
	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	websocketWriteWait = 10 * time.Second
	websocketPongWait  = 60 * time.Second
	websocketPingEvery = websocketPongWait * 9 / 10
	// Room for a full snapshot plus the envelope around it.
	websocketReadLimit = documents.MaxContentBytes + 64<<10
)

type websocketHandler struct {
	hub      *collab.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func newWebsocketHandler(hub *collab.Hub, origins []string, logger *zap.Logger) *websocketHandler {
	allowAll := containsWildcard(origins)
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[strings.ToLower(origin)] = struct{}{}
	}
	return &websocketHandler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if allowAll || origin == "" {
					return true
				}
				_, ok := allowed[strings.ToLower(origin)]
				return ok
			},
		},
	}
}

func (h *websocketHandler) serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session, err := h.hub.Connect(collab.Identity{
		DisplayHandle: c.Query("displayHandle"),
		Color:         c.Query("color"),
	})
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		_ = conn.Close()
		return
	}

	go h.writePump(conn, session)
	h.readPump(c.Request.Context(), conn, session)
}

// readPump dispatches inbound frames in receipt order until the socket fails.
func (h *websocketHandler) readPump(ctx context.Context, conn *websocket.Conn, session *collab.Session) {
	defer func() {
		h.hub.Disconnect(session)
		_ = conn.Close()
		h.logger.Info("session disconnected", zap.String("session_id", session.ID().String()))
	}()

	conn.SetReadLimit(websocketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(websocketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(websocketPongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Warn("websocket read failed",
					zap.String("session_id", session.ID().String()),
					zap.Error(err))
			}
			return
		}

		var envelope collab.Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			h.logger.Warn("dropping unreadable frame",
				zap.String("session_id", session.ID().String()),
				zap.Error(err))
			continue
		}
		if err := h.hub.Dispatch(ctx, session, envelope); err != nil {
			if errors.Is(err, collab.ErrTransport) {
				return
			}
			h.logger.Warn("dropping message",
				zap.String("session_id", session.ID().String()),
				zap.String("type", string(envelope.Kind)),
				zap.Error(err))
		}
		if session.Closed() {
			return
		}
	}
}

// writePump drains the session queue onto the socket and keeps it alive with pings.
func (h *websocketHandler) writePump(conn *websocket.Conn, session *collab.Session) {
	ticker := time.NewTicker(websocketPingEvery)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case envelope := <-session.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteWait))
			if err := conn.WriteJSON(envelope); err != nil {
				h.logger.Warn("websocket write failed",
					zap.String("session_id", session.ID().String()),
					zap.Error(err))
				h.hub.Disconnect(session)
				return
			}
		case <-session.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(websocketWriteWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(websocketWriteWait)); err != nil {
				h.hub.Disconnect(session)
				return
			}
		}
	}
}
