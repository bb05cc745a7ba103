package backend

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start mock redis: %v", err)
	}

	be, err := NewClient(Config{Host: mr.Host(), Port: mr.Port()})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to create backend client: %v", err)
	}

	return be, mr, func() {
		be.Close()
		mr.Close()
	}
}

func TestHGetMissingFieldReturnsNotOK(t *testing.T) {
	be, _, cleanup := setupTestClient(t)
	defer cleanup()

	_, ok, err := be.HGet(context.Background(), "doc-1", "code")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing key")
	}
}

func TestHSetThenHGetRoundTrips(t *testing.T) {
	be, _, cleanup := setupTestClient(t)
	defer cleanup()

	ctx := context.Background()
	if err := be.HSet(ctx, "doc-1", "code", "Hello World"); err != nil {
		t.Fatalf("hset failed: %v", err)
	}

	value, ok, err := be.HGet(ctx, "doc-1", "code")
	if err != nil {
		t.Fatalf("hget failed: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if value != "Hello World" {
		t.Fatalf("expected %q, got %q", "Hello World", value)
	}
}

func TestExpireSetsTTL(t *testing.T) {
	be, mr, cleanup := setupTestClient(t)
	defer cleanup()

	ctx := context.Background()
	if err := be.HSet(ctx, "doc-1", "code", "x"); err != nil {
		t.Fatalf("hset failed: %v", err)
	}
	if err := be.Expire(ctx, "doc-1", 60); err != nil {
		t.Fatalf("expire failed: %v", err)
	}

	if !mr.Exists("doc-1") {
		t.Fatal("expected key to still exist")
	}
	ttl := mr.TTL("doc-1")
	if ttl <= 0 {
		t.Fatalf("expected a positive TTL, got %v", ttl)
	}
}

func TestSubscribeDeliversPublishedMessage(t *testing.T) {
	be, _, cleanup := setupTestClient(t)
	defer cleanup()

	ctx := context.Background()
	sub, err := be.Subscribe(ctx, "doc-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Reset()

	if err := be.Publish(ctx, "doc-1", `{"operation":"create_selection"}`); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Data != `{"operation":"create_selection"}` {
			t.Fatalf("unexpected message data: %q", msg.Data)
		}
	case <-ctx.Done():
		t.Fatal("context cancelled before message arrived")
	}
}

func TestSubscribeDeliversExpiredNotificationForOwnDocumentOnly(t *testing.T) {
	be, mr, cleanup := setupTestClient(t)
	defer cleanup()

	ctx := context.Background()
	sub, err := be.Subscribe(ctx, "doc-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Reset()

	// A notification for a different key must be dropped, not delivered.
	mr.Publish("__keyevent@0__:expired", "doc-other")
	mr.Publish("__keyevent@0__:expired", "doc-1")

	msg := <-sub.Messages()
	if msg.Data != "expired" {
		t.Fatalf("expected expired notification, got %q", msg.Data)
	}
}

func TestResetClosesMessageStream(t *testing.T) {
	be, _, cleanup := setupTestClient(t)
	defer cleanup()

	sub, err := be.Subscribe(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := sub.Reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	_, ok := <-sub.Messages()
	if ok {
		t.Fatal("expected Messages() channel to be closed after Reset")
	}
}
