package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/streamspace/relayd/internal/backend"
	"github.com/streamspace/relayd/internal/logger"
)

// MessageHandler parses inbound frames into operations, validates them
// against the whitelist, and executes the matching operation (spec.md
// §4.3). It is a shared singleton: its backend is configured once at
// construction and never mutated; its only mutable state is docLocks.
//
// Grounded on internal/websocket/hub.go's single Hub.broadcast path,
// generalized into a name -> behavior dispatch table per spec.md §9's
// design note (explicit mapping, not reflective method lookup).
type MessageHandler struct {
	backend *backend.Client

	// docLocks serializes insert_value's read-modify-write per document
	// id, closing the intra-process race window spec.md §4.3.1 and §5
	// require (at most one in-flight insert_value per document_id).
	docLocks sync.Map // document_id -> *sync.Mutex
}

func NewMessageHandler(be *backend.Client) *MessageHandler {
	return &MessageHandler{backend: be}
}

// dispatch implements spec.md §4.3's numbered steps.
func (h *MessageHandler) dispatch(raw []byte, documentID string, client *Client) {
	op, body, ok := parseOperation(raw)
	if !ok {
		client.Close(1011, "Message does not have specified 'operation'")
		return
	}

	if !whitelist[op] {
		h.operationNotAllowed(op, client)
		return
	}

	switch op {
	case OpInsertValue:
		h.insertValue(body, documentID, client)
	case OpCreateSelection:
		h.createSelection(body, documentID, client)
	}
}

func (h *MessageHandler) operationNotAllowed(op string, client *Client) {
	logger.Relay().Warn().
		Str("client", client.id).
		Str("operation", op).
		Msg("operation not allowed")
	client.Close(1011, "'"+op+"' operation is not allowed")
}

// insertValue implements spec.md §4.3.1. view_only clients are rejected
// before the read-modify-write begins (SPEC_FULL.md §9, resolving the
// source's open question in favor of handler-level enforcement).
func (h *MessageHandler) insertValue(body []byte, documentID string, client *Client) {
	if client.Mode() == ModeViewOnly {
		h.operationNotAllowed(OpInsertValue, client)
		return
	}

	var msg InsertValueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		client.Close(1011, "Message does not have specified 'operation'")
		return
	}

	lockIface, _ := h.docLocks.LoadOrStore(documentID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()

	code, ok, err := h.backend.HGet(ctx, documentID, "code")
	if err != nil {
		logger.Relay().Error().Err(err).Str("document", documentID).Msg("hget failed during insert_value")
		client.Close(1011, "Can't find data for given codespace")
		return
	}
	if !ok {
		client.Close(1011, "Can't find data for given codespace")
		return
	}

	code = ApplyChanges(code, msg.Changes)

	if err := h.backend.HSet(ctx, documentID, "code", code); err != nil {
		logger.Relay().Error().Err(err).Str("document", documentID).Msg("hset failed during insert_value")
		return
	}
	if err := h.backend.Expire(ctx, documentID, client.ExpireRefreshSeconds()); err != nil {
		logger.Relay().Error().Err(err).Str("document", documentID).Msg("expire failed during insert_value")
	}
	if err := h.backend.Publish(ctx, documentID, string(body)); err != nil {
		logger.Relay().Error().Err(err).Str("document", documentID).Msg("publish failed during insert_value")
	}
}

// createSelection implements spec.md §4.3.2: pure relay, no mutation.
func (h *MessageHandler) createSelection(body []byte, documentID string, client *Client) {
	if err := h.backend.Publish(context.Background(), documentID, string(body)); err != nil {
		logger.Relay().Error().Err(err).Str("document", documentID).Msg("publish failed during create_selection")
	}
}

// publish is the helper behind Client.Publish (spec.md §4.2).
func (h *MessageHandler) publish(channelID string, raw []byte) {
	if err := h.backend.Publish(context.Background(), channelID, string(raw)); err != nil {
		logger.Relay().Error().Err(err).Str("channel", channelID).Msg("publish failed")
	}
}
