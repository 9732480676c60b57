package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// MemoryBroker is an in-process pub/sub transport for single-instance
// deployments and tests. Delivery is non-blocking: a subscriber whose
// buffer is full misses the event rather than stalling the publisher.
type MemoryBroker struct {
	mu              sync.RWMutex
	subs            map[int]*memorySubscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64
}

// NewMemoryBroker creates an in-process Broker. logger may be nil.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	return &MemoryBroker{
		subs:   make(map[int]*memorySubscription),
		logger: logger,
	}
}

type memorySubscription struct {
	id      int
	channel string
	ch      chan Message
	broker  *MemoryBroker
	closed  atomic.Bool
}

func (s *memorySubscription) C() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	delete(s.broker.subs, s.id)
	close(s.ch)
	return nil
}

// Subscribe returns a subscription for the exact channel name.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		channel: channel,
		ch:      make(chan Message, defaultBufferSize),
		broker:  b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers payload to every subscriber of channel.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := Message{Channel: channel, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.channel != channel {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			newCount := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(newCount, channel)
		}
	}
	return nil
}

// Close is a no-op for the memory broker; individual subscriptions own
// their own lifecycle.
func (b *MemoryBroker) Close() error { return nil }

// DroppedEventCount returns the number of messages dropped due to full
// subscriber buffers.
func (b *MemoryBroker) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (b *MemoryBroker) maybeLogDropWarning(newCount int64, channel string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("broker_dropped_messages_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("channel", channel),
		)
	}
}
