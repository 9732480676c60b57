package broker

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker over a Redis PUBLISH/SUBSCRIBE channel,
// giving cross-instance delivery for cancel events.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an existing Redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish sends payload to channel via PUBLISH.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a Redis SUBSCRIBE and adapts its message stream to the
// Broker.Subscription shape.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan Message, defaultBufferSize)
	redisCh := pubsub.Channel()
	go func() {
		defer close(out)
		for m := range redisCh {
			select {
			case out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
			default:
				// Slow consumer: drop rather than block the Redis client's
				// read loop, matching the memory broker's drop-on-full policy.
			}
		}
	}()

	return &redisSubscription{pubsub: pubsub, ch: out}, nil
}

// Close closes the underlying Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
}

func (s *redisSubscription) C() <-chan Message { return s.ch }

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
