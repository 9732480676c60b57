package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBroker(client)
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "ai:handoff:cancel")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "ai:handoff:cancel", []byte(`{"messageIds":["m1"]}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.C():
		if string(msg.Payload) != `{"messageIds":["m1"]}` {
			t.Errorf("payload = %s", msg.Payload)
		}
		if msg.Channel != "ai:handoff:cancel" {
			t.Errorf("channel = %s", msg.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRedisBroker_CloseStopsDelivery(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "c")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected no further messages after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected channel to close promptly")
	}
}
