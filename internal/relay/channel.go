package relay

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/streamspace/relayd/internal/backend"
	"github.com/streamspace/relayd/internal/logger"
)

// Channel is the set of Clients for one document (spec.md §3, §4.5). It
// runs a pub/sub listener and routes backend messages to broadcast or to
// a channel-level control handler (currently only "expired").
//
// Invariants (spec.md §3):
//   - C1: clients is mutated only while holding mu.
//   - C2: when clients becomes empty, the channel is removed from its
//     registry and its subscription reset, in that order.
//   - C3: every Channel present in the registry has an active listener
//     goroutine (started by ChannelRegistry.GetOrCreate's caller).
type Channel struct {
	channelID string
	sub       *backend.Subscription
	registry  *Registry
	handler   *MessageHandler
	expire    ExpireSeconds

	mu         sync.Mutex
	clients    map[*Client]bool
	controlOps map[string]bool
	closed     bool
}

func newChannel(channelID string, sub *backend.Subscription, registry *Registry, handler *MessageHandler, expire ExpireSeconds) *Channel {
	return &Channel{
		channelID:  channelID,
		sub:        sub,
		registry:   registry,
		handler:    handler,
		expire:     expire,
		clients:    make(map[*Client]bool),
		controlOps: map[string]bool{"expired": true},
	}
}

// ClientCount returns the number of currently registered clients.
func (ch *Channel) ClientCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.clients)
}

// markLiveOrClosed reports whether ch is still usable by a concurrent
// GetOrCreate call. live is true if ch has not been reaped and can take
// a new registrant directly. closed is true if ch has already been
// decided for teardown (its registry entry is about to be, or has just
// been, removed) — the caller must retry with a fresh Channel instead.
func (ch *Channel) markLiveOrClosed() (live, closed bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return !ch.closed, ch.closed
}

// CreateClient constructs a Client bound to this channel, selecting its
// TTL-refresh window from the document id's flavor (spec.md §4.4 step 4).
// It does not add the client to the channel's set; Register does that.
func (ch *Channel) CreateClient(conn *websocket.Conn, mode Mode) *Client {
	return newClient(conn, ch.channelID, mode, ch.handler, ch.expire.For(ch.channelID))
}

// Register adds client to the channel's set under lock (spec.md §4.4 step
// 5). It reports false, without adding the client, if ch has already been
// reaped: the caller must discard this Channel and retry with a fresh one
// via the registry instead of proceeding with an orphaned client (spec.md
// §3 invariant C2 — closes the join-vs-reap window between a caller's
// earlier GetOrCreate lookup and this call).
func (ch *Channel) Register(client *Client) bool {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return false
	}
	ch.clients[client] = true
	ch.mu.Unlock()

	logger.Relay().Debug().
		Str("channel", ch.channelID).
		Str("client", client.id).
		Msg("client registered")
	return true
}

// Leave removes client from the channel, closing its connection, and —
// if this was the last client — tears the channel down: it is removed
// from the registry before the subscription is reset, so no concurrent
// GetOrCreate can observe a channel that is mid-teardown (spec.md §4.5,
// invariant C2/I3).
func (ch *Channel) Leave(client *Client) {
	ch.mu.Lock()
	_, present := ch.clients[client]
	if present {
		// Held across client.Close deliberately: Close is best-effort and
		// bounded (spec.md §5).
		client.Close(1011, "Connection closed")
		client.stop()
		delete(ch.clients, client)
	}
	empty := len(ch.clients) == 0
	if empty {
		ch.closed = true
	}
	ch.mu.Unlock()

	if !empty {
		return
	}

	ch.registry.destroy(ch.channelID)
	if err := ch.sub.Reset(); err != nil {
		logger.Relay().Warn().Str("channel", ch.channelID).Err(err).Msg("error resetting subscription during teardown")
	}
}

// Listen is the channel's long-lived task: it consumes the backend
// subscription stream until the backend closes it (disconnect or
// teardown), dispatching control ops to their handler and everything
// else to broadcast. Owned by the channel's lifetime: [create … Reset].
func (ch *Channel) Listen() {
	for msg := range ch.sub.Messages() {
		if msg.Type != "message" {
			continue
		}
		if ch.controlOps[msg.Data] {
			ch.handleControl(msg.Data)
			continue
		}
		ch.broadcast([]byte(msg.Data))
	}
	logger.Relay().Info().Str("channel", ch.channelID).Msg("channel listener exiting")
}

func (ch *Channel) handleControl(op string) {
	switch op {
	case "expired":
		ch.expired()
	default:
		logger.Relay().Warn().Str("channel", ch.channelID).Str("op", op).Msg("unhandled control op")
	}
}

// expired closes every client with 1011 "Codespace data expired from
// cache"; the resulting read errors drive each connection's guaranteed
// Leave cleanup, which drains the set and tears the channel down.
func (ch *Channel) expired() {
	ch.mu.Lock()
	snapshot := make([]*Client, 0, len(ch.clients))
	for c := range ch.clients {
		snapshot = append(snapshot, c)
	}
	ch.mu.Unlock()

	for _, c := range snapshot {
		c.Close(1011, "Codespace data expired from cache")
	}
}

// broadcast fans data out to every client in the channel. A snapshot of
// the client set is taken under lock and iterated outside it, so a slow
// or failing peer send never holds up the lock (spec.md §5). A per-client
// send failure is logged and swallowed, never aborting the rest of the
// fan-out (spec.md §4.5, invariant I4).
func (ch *Channel) broadcast(data []byte) {
	ch.mu.Lock()
	snapshot := make([]*Client, 0, len(ch.clients))
	for c := range ch.clients {
		snapshot = append(snapshot, c)
	}
	ch.mu.Unlock()

	for _, c := range snapshot {
		if err := c.Send(data); err != nil {
			logger.Relay().Warn().
				Str("channel", ch.channelID).
				Str("client", c.id).
				Err(err).
				Msg("broadcast send failed for client, skipping")
		}
	}
}
