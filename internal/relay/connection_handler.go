package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamspace/relayd/internal/auth"
	"github.com/streamspace/relayd/internal/logger"
)

// ConnectionHandler is the per-connection entry point (spec.md §4.4): it
// resolves auth, attaches the connection to its document's Channel, and
// drives the connection to completion.
type ConnectionHandler struct {
	auth     *auth.Client
	registry *Registry
}

func NewConnectionHandler(authClient *auth.Client, registry *Registry) *ConnectionHandler {
	return &ConnectionHandler{auth: authClient, registry: registry}
}

// connectAck is the first frame sent to every authenticated client
// (spec.md §6, invariant I7).
type connectAck struct {
	Operation string         `json:"operation"`
	Data      connectAckData `json:"data"`
}

type connectAckData struct {
	ID   string `json:"id"`
	Mode Mode   `json:"mode"`
}

// Handle runs the full connection lifecycle for one accepted WebSocket
// connection. It returns once the connection has been fully torn down.
func (h *ConnectionHandler) Handle(ctx context.Context, conn *websocket.Conn, token string) {
	documentID, mode, ok := h.resolveAuth(conn, token)
	if !ok {
		return
	}

	// A Channel returned by GetOrCreate can be reaped by a concurrent
	// Leave before Register runs; Register reports that under the same
	// lock as the teardown, and we retry with a fresh Channel rather than
	// register onto (and orphan a client on) a dead one (spec.md §3
	// invariant C2).
	var channel *Channel
	var client *Client
	for {
		ch, created, err := h.registry.GetOrCreate(ctx, documentID)
		if err != nil {
			logger.Relay().Error().Err(err).Str("document", documentID).Msg("failed to subscribe to channel")
			closeConn(conn, 1011, "Can't find data for given codespace")
			return
		}
		if created {
			go ch.Listen()
		}

		client = ch.CreateClient(conn, mode)
		if ch.Register(client) {
			channel = ch
			break
		}
	}

	go client.writePump()

	if err := h.sendConnectAck(client); err != nil {
		logger.Relay().Warn().Err(err).Str("client", client.ID()).Msg("failed to send connect ack")
	}

	defer channel.Leave(client)

	client.listen()
}

// resolveAuth implements spec.md §4.4 step 1 / §4.1. A "tmp-" prefixed
// token bypasses AuthClient entirely and is always granted edit mode.
func (h *ConnectionHandler) resolveAuth(conn *websocket.Conn, token string) (documentID string, mode Mode, ok bool) {
	if token == "" {
		closeConn(conn, 1011, "Missing token")
		return "", "", false
	}

	if strings.HasPrefix(token, tmpPrefix) {
		return token, ModeEdit, true
	}

	result, authOK := h.auth.Authenticate(context.Background(), token)
	if !authOK {
		closeConn(conn, 1011, "Invalid token")
		return "", "", false
	}

	return result.DocumentID, result.Mode, true
}

func (h *ConnectionHandler) sendConnectAck(client *Client) error {
	ack := connectAck{
		Operation: "connected",
		Data:      connectAckData{ID: client.ID(), Mode: client.Mode()},
	}
	raw, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return client.Send(raw)
}

// closeConn performs the same best-effort close as Client.Close, for use
// before a Client exists (auth failures precede client construction).
func closeConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}
