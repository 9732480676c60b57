// Package cancel implements the Cancel Service: an in-process abort
// registry plus a pub/sub subscription for cross-instance cancellation.
package cancel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xpert-ai/handoffbus/internal/broker"
	"github.com/xpert-ai/handoffbus/internal/envelope"
)

// Channel is the pub/sub channel cross-instance cancel events travel on.
const Channel = "ai:handoff:cancel"

// cancelPayload is the wire shape published on Channel.
type cancelPayload struct {
	MessageIDs []string `json:"messageIds"`
	Reason     string   `json:"reason,omitempty"`
}

// Service maintains messageId -> cancel.CancelFunc and messageId -> reason,
// and subscribes to Channel to apply remotely-issued cancels locally.
type Service struct {
	logger *slog.Logger
	broker broker.Broker

	mu          sync.Mutex
	controllers map[string]context.CancelFunc
	reasons     map[string]string

	sub           broker.Subscription
	warnedNoBroker atomic.Bool
}

// New creates a Service. broker may be nil, in which case cancel degrades
// to local-only and a single warning is logged the first time
// CancelMessages is called.
func New(logger *slog.Logger, b broker.Broker) *Service {
	return &Service{
		logger:      logger,
		broker:      b,
		controllers: make(map[string]context.CancelFunc),
		reasons:     make(map[string]string),
	}
}

// Start subscribes to the cancel channel. Call once at startup; matches the
// onModuleInit lifecycle hook of the source system.
func (s *Service) Start(ctx context.Context) error {
	if s.broker == nil {
		return nil
	}
	sub, err := s.broker.Subscribe(ctx, Channel)
	if err != nil {
		return err
	}
	s.sub = sub
	go s.consume(sub)
	return nil
}

func (s *Service) consume(sub broker.Subscription) {
	for msg := range sub.C() {
		var payload cancelPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			if s.logger != nil {
				s.logger.Warn("cancel: invalid payload, dropping", "error", err)
			}
			continue
		}
		s.applyCancel(payload.MessageIDs, payload.Reason)
	}
}

// Stop unsubscribes and closes the subscriber.
func (s *Service) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Close()
}

// Register binds a cancel controller to a message id.
func (s *Service) Register(messageID string, cancelFn context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controllers[messageID] = cancelFn
}

// Unregister removes a controller. Idempotent.
func (s *Service) Unregister(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.controllers, messageID)
}

// CancelMessages dedupes ids, builds the canonical canceled: reason,
// publishes it to the broker, then applies the cancel locally and returns
// the ids that were locally aborted.
func (s *Service) CancelMessages(ctx context.Context, ids []string, reason string) []string {
	ids = dedupe(ids)
	canonical := envelope.CanceledReason(reason)

	if s.broker == nil {
		if s.warnedNoBroker.CompareAndSwap(false, true) && s.logger != nil {
			s.logger.Warn("cancel service has no broker configured; degrading to local-only cancel")
		}
	} else {
		payload, _ := json.Marshal(cancelPayload{MessageIDs: ids, Reason: reason})
		if err := s.broker.Publish(ctx, Channel, payload); err != nil && s.logger != nil {
			s.logger.Error("cancel: publish failed", "error", err)
		}
	}

	return s.applyCancel(ids, canonical)
}

// applyCancel stores the reason, aborts each controller if not already
// aborted, removes it, and returns the ids aborted.
func (s *Service) applyCancel(ids []string, reason string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var aborted []string
	for _, id := range ids {
		s.reasons[id] = reason
		if cancelFn, ok := s.controllers[id]; ok {
			cancelFn()
			delete(s.controllers, id)
			aborted = append(aborted, id)
		}
	}
	return aborted
}

// ResolvedReason returns the stored cancel reason for id, falling back to
// the canonical "Canceled by user" reason if none was recorded.
func (s *Service) ResolvedReason(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason, ok := s.reasons[id]; ok {
		return reason
	}
	return envelope.CanceledReason("")
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
