package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/collab"
	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	wildcardOrigin           = "*"
)

var (
	errMissingHub        = errors.New("collab hub dependency required")
	errMissingStore      = errors.New("document store dependency required")
	errMissingDispatcher = errors.New("document event dispatcher dependency required")
)

type Dependencies struct {
	Hub               *collab.Hub
	Store             documents.Store
	Events            *DocumentEventDispatcher
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Events == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{wildcardOrigin}
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		hub:       deps.Hub,
		store:     deps.Store,
		events:    deps.Events,
		heartbeat: heartbeat,
		logger:    logger,
	}
	sockets := newWebsocketHandler(deps.Hub, origins, logger)

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", sockets.serve)

	documentRoutes := router.Group("/documents/:id")
	documentRoutes.Use(handler.resolveDocumentID)
	documentRoutes.GET("", handler.handleGetDocument)
	documentRoutes.GET("/presence", handler.handlePresence)
	documentRoutes.GET("/events", handler.handleEvents)
	documentRoutes.POST("/snapshot", handler.handleRequestSnapshot)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if containsWildcard(origins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == wildcardOrigin {
			return true
		}
	}
	return false
}

const documentIDContextKey = "coedit_document_id"

type httpHandler struct {
	hub       *collab.Hub
	store     documents.Store
	events    *DocumentEventDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type documentResponsePayload struct {
	DocumentID       string          `json:"document_id"`
	Content          json.RawMessage `json:"content"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
}

type presenceMemberPayload struct {
	SessionID     string `json:"session_id"`
	DisplayHandle string `json:"display_handle"`
	Color         string `json:"color"`
	JoinedAt      string `json:"joined_at"`
}

type presenceResponsePayload struct {
	DocumentID string                  `json:"document_id"`
	Members    []presenceMemberPayload `json:"members"`
}

type documentEventPayload struct {
	DocumentID string `json:"documentId"`
	SessionID  string `json:"sessionId,omitempty"`
	Members    int    `json:"members"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

func (h *httpHandler) resolveDocumentID(c *gin.Context) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	c.Set(documentIDContextKey, documentID)
	c.Next()
}

func documentIDFromContext(c *gin.Context) documents.DocumentID {
	value, _ := c.Get(documentIDContextKey)
	documentID, _ := value.(documents.DocumentID)
	return documentID
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": h.hub.Registry().RoomCount()})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID := documentIDFromContext(c)
	snapshot, err := h.store.Get(c.Request.Context(), documentID)
	switch {
	case errors.Is(err, documents.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
		return
	case err != nil:
		h.logger.Error("failed to read document",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}

	var content json.RawMessage
	if !snapshot.Content.IsEmpty() {
		content = json.RawMessage(snapshot.Content)
	}
	c.JSON(http.StatusOK, documentResponsePayload{
		DocumentID:       documentID.String(),
		Content:          content,
		UpdatedAtSeconds: snapshot.UpdatedAtSeconds,
	})
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	documentID := documentIDFromContext(c)
	members := h.hub.Registry().MembersOf(documentID, "")
	response := presenceResponsePayload{
		DocumentID: documentID.String(),
		Members:    make([]presenceMemberPayload, 0, len(members)),
	}
	for _, member := range members {
		identity := member.Identity()
		response.Members = append(response.Members, presenceMemberPayload{
			SessionID:     member.ID().String(),
			DisplayHandle: identity.DisplayHandle,
			Color:         identity.Color,
			JoinedAt:      member.JoinedAt().UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleRequestSnapshot(c *gin.Context) {
	documentID := documentIDFromContext(c)
	if !h.hub.Scheduler().RequestNow(documentID) {
		c.JSON(http.StatusConflict, gin.H{"error": "no_active_editor"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	documentID := documentIDFromContext(c)
	stream, cleanup := h.events.Subscribe(c.Request.Context(), documentID.String())
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(documentEventHeartbeat, documentEventPayload{
		DocumentID: documentID.String(),
		Members:    len(h.hub.Registry().MembersOf(documentID, "")),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, documentEventPayload{
				DocumentID: event.DocumentID,
				SessionID:  event.SessionID,
				Members:    event.Members,
				Error:      event.Error,
				Timestamp:  event.Timestamp.Format(time.RFC3339),
			})
			return true
		case now := <-ticker.C:
			c.SSEvent(documentEventHeartbeat, documentEventPayload{
				DocumentID: documentID.String(),
				Members:    len(h.hub.Registry().MembersOf(documentID, "")),
				Timestamp:  now.UTC().Format(time.RFC3339),
			})
			return true
		}
	})
}
