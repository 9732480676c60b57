// Package handoff is the Queue Service / public façade (C12): the single
// entry point producers use to enqueue a handoff message, optionally
// waiting synchronously for its ProcessResult. Grounded on the teacher's
// internal/engine/engine.go createChatTask (intake-side normalization
// before a task is handed to the store) plus internal/policy.go's
// capability-gated access pattern, here generalized into the permission
// guard in internal/policy.
package handoff

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xpert-ai/handoffbus/internal/envelope"
	"github.com/xpert-ai/handoffbus/internal/metrics"
	"github.com/xpert-ai/handoffbus/internal/pending"
	"github.com/xpert-ai/handoffbus/internal/policy"
	"github.com/xpert-ai/handoffbus/internal/queuegateway"
	"github.com/xpert-ai/handoffbus/internal/router"
	"github.com/xpert-ai/handoffbus/internal/routing"
)

const defaultMaxAttempts = 3

// EnqueueOptions controls a single enqueue call.
type EnqueueOptions struct {
	DelayMs int64
}

// WaitOptions controls an enqueueAndWait call.
type WaitOptions struct {
	TimeoutMs int64
	OnEvent   func(event any)
}

// Service is the Queue Service façade: resolves a route for each message,
// normalizes it, stamps route-derived headers, and enqueues it through the
// gateway. Every exported method is permission-guarded.
type Service struct {
	logger  *slog.Logger
	snap    routing.Snapshot
	gateway queuegateway.Gateway
	pending *pending.Table
	guard   policy.Guard
	metrics *metrics.Registry
}

// New creates a Service bound to a routing snapshot and queue gateway.
// pendingTable may be nil if EnqueueAndWait is never called.
func New(logger *slog.Logger, snap routing.Snapshot, gateway queuegateway.Gateway, pendingTable *pending.Table) *Service {
	return &Service{logger: logger, snap: snap, gateway: gateway, pending: pendingTable}
}

// WithMetrics returns s with a Prometheus registry wired in, incrementing
// the enqueued-total counter on every successful enqueue.
func (s *Service) WithMetrics(reg *metrics.Registry) *Service {
	s.metrics = reg
	return s
}

// Enqueue resolves msg's route, normalizes it, stamps route headers, and
// enqueues it. Returns the (possibly freshly stamped) message id.
func (s *Service) Enqueue(ctx context.Context, caller policy.Caller, msg envelope.Message, opts EnqueueOptions) (string, error) {
	if err := s.guard.Check(caller, policy.OpEnqueue, msg.Type); err != nil {
		return "", err
	}
	prepared, queueName, err := s.prepare(msg)
	if err != nil {
		return "", err
	}
	if err := s.gateway.Enqueue(ctx, queueName, prepared, queuegateway.EnqueueOptions{DelayMs: opts.DelayMs}); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if s.metrics != nil {
		s.metrics.EnqueuedTotal.WithLabelValues(prepared.Type).Inc()
	}
	return prepared.ID, nil
}

// EnqueueMany enqueues every message in order, same logic as Enqueue,
// batched through the gateway. Returns the ids in input order.
func (s *Service) EnqueueMany(ctx context.Context, caller policy.Caller, messages []envelope.Message, opts EnqueueOptions) ([]string, error) {
	if err := s.guard.Check(caller, policy.OpEnqueue, ""); err != nil {
		return nil, err
	}

	ids := make([]string, len(messages))
	items := make([]queuegateway.QueueItem, len(messages))
	for i, msg := range messages {
		prepared, queueName, err := s.prepare(msg)
		if err != nil {
			return nil, err
		}
		ids[i] = prepared.ID
		items[i] = queuegateway.QueueItem{QueueName: queueName, Message: prepared, Options: queuegateway.EnqueueOptions{DelayMs: opts.DelayMs}}
	}
	if err := s.gateway.EnqueueMany(ctx, items); err != nil {
		return nil, fmt.Errorf("enqueue many: %w", err)
	}
	if s.metrics != nil {
		for _, item := range items {
			s.metrics.EnqueuedTotal.WithLabelValues(item.Message.Type).Inc()
		}
	}
	return ids, nil
}

// EnqueueAndWait registers a waiter for the normalized id before enqueuing,
// so no completion racing ahead of registration can be missed. If enqueue
// fails, the waiter is rejected with the enqueue error rather than left
// dangling.
func (s *Service) EnqueueAndWait(ctx context.Context, caller policy.Caller, msg envelope.Message, opts WaitOptions) (envelope.ProcessResult, error) {
	if err := s.guard.Check(caller, policy.OpEnqueue, msg.Type); err != nil {
		return envelope.ProcessResult{}, err
	}
	if err := s.guard.Check(caller, policy.OpWait, msg.Type); err != nil {
		return envelope.ProcessResult{}, err
	}
	if s.pending == nil {
		return envelope.ProcessResult{}, fmt.Errorf("handoff: enqueueAndWait requires a pending result table")
	}

	prepared, queueName, err := s.prepare(msg)
	if err != nil {
		return envelope.ProcessResult{}, err
	}

	waitCh := make(chan struct {
		result envelope.ProcessResult
		err    error
	}, 1)
	go func() {
		result, err := s.pending.WaitFor(ctx, prepared.ID, pending.Options{TimeoutMs: opts.TimeoutMs, OnEvent: opts.OnEvent})
		waitCh <- struct {
			result envelope.ProcessResult
			err    error
		}{result, err}
	}()

	if err := s.gateway.Enqueue(ctx, queueName, prepared, queuegateway.EnqueueOptions{}); err != nil {
		s.pending.Reject(prepared.ID, err)
		outcome := <-waitCh
		return outcome.result, outcome.err
	}
	if s.metrics != nil {
		s.metrics.EnqueuedTotal.WithLabelValues(prepared.Type).Inc()
	}

	outcome := <-waitCh
	return outcome.result, outcome.err
}

// prepare resolves msg's route, normalizes defaults, and stamps the
// route-derived headers a consumer or re-router downstream can rely on.
func (s *Service) prepare(msg envelope.Message) (envelope.Message, string, error) {
	resolution := router.Resolve(s.snap, msg)

	if msg.MaxAttempts == 0 {
		msg.MaxAttempts = resolveMaxAttempts(resolution)
	}
	prepared := envelope.Normalize(msg)

	if prepared.Headers == nil {
		prepared.Headers = make(map[string]string, 3)
	} else {
		cp := make(map[string]string, len(prepared.Headers)+3)
		for k, v := range prepared.Headers {
			cp[k] = v
		}
		prepared.Headers = cp
	}
	if _, ok := prepared.Headers[envelope.HeaderRequestedLane]; !ok {
		prepared.Headers[envelope.HeaderRequestedLane] = resolution.Lane
	}
	if _, ok := prepared.Headers[envelope.HeaderHandoffQueue]; !ok {
		prepared.Headers[envelope.HeaderHandoffQueue] = resolution.Queue
	}
	if resolution.HasTimeout {
		if _, ok := prepared.Headers[envelope.HeaderPolicyTimeoutMs]; !ok {
			prepared.Headers[envelope.HeaderPolicyTimeoutMs] = fmt.Sprintf("%d", resolution.TimeoutMs)
		}
	}

	if err := envelope.Validate(&prepared); err != nil {
		return envelope.Message{}, "", err
	}
	return prepared, resolution.Queue, nil
}

func resolveMaxAttempts(resolution router.Resolution) int {
	if resolution.TypePolicy.Retry != nil && resolution.TypePolicy.Retry.MaxAttempts > 0 {
		return resolution.TypePolicy.Retry.MaxAttempts
	}
	return defaultMaxAttempts
}
