package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is a record delivered by a Subscription's stream. Type mirrors
// the backend's native record type: "message" for an application payload
// or a synthesized expiration notice, anything else is dropped by callers
// per spec (Channel.listen only acts on type=="message").
type Message struct {
	Type string
	Data string
}

const messageType = "message"

// Subscription is the pub/sub handle for one document's channel. It
// multiplexes two underlying Redis subscriptions into a single stream:
//   - the document's own pub/sub channel (application payloads)
//   - the backend's keyspace-notification channel for that key's
//     expiration, re-emitted as Message{Type:"message", Data:"expired"}
//
// A Subscription belongs to exactly one Channel for its lifetime; the
// owning Channel resets it during teardown (Reset).
type Subscription struct {
	documentID string
	msgSub     *redis.PubSub
	expireSub  *redis.PubSub
	out        chan Message
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Subscribe subscribes to documentID's channel and to the keyspace
// notification for its expiration, returning a merged Subscription.
func (c *Client) Subscribe(ctx context.Context, documentID string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	msgSub := c.rdb.Subscribe(subCtx, documentID)
	if _, err := msgSub.Receive(subCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", documentID, err)
	}

	expireChannel := fmt.Sprintf("__keyevent@%d__:expired", c.db)
	expireSub := c.rdb.Subscribe(subCtx, expireChannel)
	if _, err := expireSub.Receive(subCtx); err != nil {
		msgSub.Close()
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", expireChannel, err)
	}

	s := &Subscription{
		documentID: documentID,
		msgSub:     msgSub,
		expireSub:  expireSub,
		out:        make(chan Message, 64),
		cancel:     cancel,
	}

	s.wg.Add(2)
	go s.pump(s.msgSub.Channel(), func(payload string) (Message, bool) {
		return Message{Type: messageType, Data: payload}, true
	})
	go s.pump(s.expireSub.Channel(), func(payload string) (Message, bool) {
		if payload != documentID {
			return Message{}, false
		}
		return Message{Type: messageType, Data: "expired"}, true
	})
	go func() {
		s.wg.Wait()
		close(s.out)
	}()

	return s, nil
}

// pump forwards redis.Message payloads from in, through translate, into
// s.out, until in is closed (which happens on Reset/ctx cancellation).
func (s *Subscription) pump(in <-chan *redis.Message, translate func(string) (Message, bool)) {
	defer s.wg.Done()
	for m := range in {
		msg, ok := translate(m.Payload)
		if !ok {
			continue
		}
		select {
		case s.out <- msg:
		default:
			// Slow consumer: drop rather than block the pump; the channel
			// listener is expected to keep up since it only forwards to
			// buffered per-client send channels.
		}
	}
}

// Messages returns the merged stream of records for this subscription.
// The channel is closed once Reset has fully drained both underlying
// subscriptions.
func (s *Subscription) Messages() <-chan Message {
	return s.out
}

// Reset tears down both underlying subscriptions and closes the merged
// stream. Idempotent-safe to call once; callers (Channel.leave) call it
// exactly once per spec invariant C2.
func (s *Subscription) Reset() error {
	s.cancel()
	err1 := s.msgSub.Close()
	err2 := s.expireSub.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
