package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/streamspace/relayd/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 256
)

// Client wraps one peer connection. Immutable after construction
// (spec.md §4.2); set membership in a Channel's client set uses pointer
// identity, never id equality.
//
// Grounded on internal/websocket/hub.go's Client/readPump/writePump
// split, generalized with a channel_id, mode, and a reference to the
// shared MessageHandler that hub.go's single-purpose Client never needed.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	channelID string
	mode      Mode

	handler       *MessageHandler
	expireRefresh int

	// done signals writePump to exit. It is never closed more than once
	// (stopOnce) and send is never closed at all, so a concurrent Send
	// always either queues or hits the full-buffer default case — it can
	// never panic on a closed channel (spec.md §5's "iterate outside the
	// lock" guidance requires sends to stay safe after a client leaves).
	done     chan struct{}
	stopOnce sync.Once
}

// newClient constructs a Client bound to channelID. It does not touch
// any Channel's client set; Channel.register does that under lock
// (spec.md §4.4 step 4 vs step 5 are deliberately separate).
func newClient(conn *websocket.Conn, channelID string, mode Mode, handler *MessageHandler, expireRefresh int) *Client {
	return &Client{
		id:            uuid.New().String(),
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		channelID:     channelID,
		mode:          mode,
		handler:       handler,
		expireRefresh: expireRefresh,
		done:          make(chan struct{}),
	}
}

// ID returns the client's opaque, server-assigned identifier.
func (c *Client) ID() string { return c.id }

// Mode returns the client's capability tag.
func (c *Client) Mode() Mode { return c.mode }

// ChannelID returns the document id this client is attached to.
func (c *Client) ChannelID() string { return c.channelID }

// ExpireRefreshSeconds returns the TTL-refresh window to apply to this
// client's accepted mutations.
func (c *Client) ExpireRefreshSeconds() int { return c.expireRefresh }

// Send writes one text frame to the peer. Errors are returned to the
// caller; Channel.broadcast (spec.md §4.5) tolerates a per-client
// failure without aborting fan-out to the rest of the channel.
func (c *Client) Send(message []byte) error {
	select {
	case c.send <- message:
		return nil
	default:
		return errSendBufferFull
	}
}

// Publish republishes message on this client's channel via the backend.
func (c *Client) Publish(raw []byte) {
	c.handler.publish(c.channelID, raw)
}

// Close performs an idempotent, best-effort close of the underlying
// connection with a WebSocket close code and reason (spec.md §6).
func (c *Client) Close(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.conn.Close()
}

// listen consumes inbound peer frames until disconnect or transport
// error, forwarding each to the shared MessageHandler. It never panics
// on an ordinary disconnect (spec.md §4.2).
func (c *Client) listen() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Relay().Debug().Str("client", c.id).Err(err).Msg("client read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handler.dispatch(raw, c.channelID, c)
	}
}

// writePump pumps the buffered send channel to the peer connection, one
// text frame per queued message, and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// stop signals writePump to exit. Safe to call more than once and safe
// to race with Send: send is never closed, so a concurrent broadcast can
// only ever queue into the buffer or hit the full-buffer default case,
// never panic (spec.md §5's "iterate outside the lock" guidance for
// Channel.broadcast depends on this).
func (c *Client) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}
