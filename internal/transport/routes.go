package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/streamspace/relayd/internal/apperr"
	"github.com/streamspace/relayd/internal/backend"
	"github.com/streamspace/relayd/internal/logger"
	"github.com/streamspace/relayd/internal/relay"
)

// Server owns the HTTP surface: the WebSocket upgrade endpoint that
// hands connections to relay.ConnectionHandler, a health check, and a
// read-only document snapshot endpoint.
//
// Grounded on internal/handlers/agent_websocket.go's upgrader-plus-hub
// shape, generalized from one fixed AgentHub to relay.ConnectionHandler
// dispatching into the per-document registry.
type Server struct {
	connectionHandler *relay.ConnectionHandler
	registry          *relay.Registry
	backend           *backend.Client
	upgrader          websocket.Upgrader
}

func NewServer(connectionHandler *relay.ConnectionHandler, registry *relay.Registry, be *backend.Client) *Server {
	return &Server{
		connectionHandler: connectionHandler,
		registry:          registry,
		backend:           be,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Register attaches all routes to engine.
func (s *Server) Register(engine *gin.Engine) {
	engine.GET("/ws/:token", s.handleWebSocket)
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/codespaces/:id/snapshot", s.handleSnapshot)
}

// handleWebSocket upgrades the connection and hands it to
// relay.ConnectionHandler, which owns its entire lifecycle from there.
func (s *Server) handleWebSocket(c *gin.Context) {
	token := c.Param("token")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.HTTP().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.connectionHandler.Handle(c.Request.Context(), conn, token)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.backend.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"channels": s.registry.Count(),
	})
}

// snapshotResponse is the supplemented read-only view of a document's
// current state (SPEC_FULL.md §4.8); it is not part of the
// WebSocket protocol, so it reports a plain JSON error body on failure,
// unlike the relay package's close-code errors.
type snapshotResponse struct {
	DocumentID string `json:"document_id"`
	Code       string `json:"code"`
}

func (s *Server) handleSnapshot(c *gin.Context) {
	documentID := c.Param("id")

	code, ok, err := s.backend.HGet(c.Request.Context(), documentID, "code")
	if err != nil {
		appErr := apperr.Wrap(apperr.ErrCodeInternalServer, "failed to read codespace snapshot", err)
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}
	if !ok {
		appErr := apperr.CodespaceNotFound(documentID)
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	c.JSON(http.StatusOK, snapshotResponse{DocumentID: documentID, Code: code})
}
