// Package queueprocessor runs a per-queue worker pool that dequeues jobs,
// invokes the Dispatcher, and interprets the resulting ProcessResult into
// retry, dead-letter, or waiter-resolution outcomes, grounded on the
// teacher's internal/engine/engine.go worker loop (ticker-driven claim,
// per-task processing, lease-less here since the queue gateway owns job
// state) and its retry/failure bookkeeping in persistence/tasks.go.
package queueprocessor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xpert-ai/handoffbus/internal/deadletter"
	"github.com/xpert-ai/handoffbus/internal/dispatcher"
	"github.com/xpert-ai/handoffbus/internal/envelope"
	"github.com/xpert-ai/handoffbus/internal/metrics"
	"github.com/xpert-ai/handoffbus/internal/pending"
	"github.com/xpert-ai/handoffbus/internal/queuegateway"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultConcurrency is the per-queue worker count absent an override.
	DefaultConcurrency = 20
	defaultPollInterval = 200 * time.Millisecond
)

// Enqueuer enqueues a message honoring its own resolved route. Satisfied by
// *handoff.Service; declared here rather than imported to keep this
// package's dependency graph a leaf (handoff depends on queueprocessor's
// sibling packages, not vice versa).
type Enqueuer interface {
	Enqueue(ctx context.Context, msg envelope.Message) (string, error)
}

// Config controls one queue's worker pool.
type Config struct {
	QueueName    string
	Concurrency  int           // default DefaultConcurrency
	PollInterval time.Duration // poll cadence when the queue is empty; default 200ms
}

// Processor drains one queue's jobs through the Dispatcher.
type Processor struct {
	config     Config
	gateway    queuegateway.Gateway
	dispatch   *dispatcher.Dispatcher
	deadletter deadletter.Sink
	pending    *pending.Table
	enqueuer   Enqueuer
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics.Registry

	wg sync.WaitGroup
}

// New creates a Processor for one queue. sink and enqueuer must not be nil;
// pendingTable may be nil if no caller ever uses enqueueAndWait.
func New(logger *slog.Logger, cfg Config, gateway queuegateway.Gateway, disp *dispatcher.Dispatcher, sink deadletter.Sink, pendingTable *pending.Table, enqueuer Enqueuer) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Processor{
		config:     cfg,
		gateway:    gateway,
		dispatch:   disp,
		deadletter: sink,
		pending:    pendingTable,
		enqueuer:   enqueuer,
		logger:     logger,
		tracer:     nooptrace.NewTracerProvider().Tracer(""),
	}
}

// WithTracer returns p with tracer wired in, opening a handoff.process span
// around every processed message.
func (p *Processor) WithTracer(tracer trace.Tracer) *Processor {
	p.tracer = tracer
	return p
}

// WithMetrics returns p with a Prometheus registry wired in, incrementing
// the enqueue/retry/dead-letter/canceled counters as messages resolve.
func (p *Processor) WithMetrics(reg *metrics.Registry) *Processor {
	p.metrics = reg
	return p
}

// Start launches the worker pool. Workers stop when ctx is done.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}
}

// Wait blocks until every worker goroutine has returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := p.gateway.Dequeue(ctx, p.config.QueueName)
		if err != nil {
			if p.logger != nil {
				p.logger.Error("dequeue failed", "queue", p.config.QueueName, "error", err)
			}
			ok = false
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.PollInterval):
			}
			continue
		}

		p.processMessage(ctx, job)
	}
}

// processMessage implements spec.md's queue processor state machine: on ok,
// fan outbound messages back through the enqueuer and resolve the waiter;
// on retry, re-enqueue or dead-letter once attempts are exhausted; on dead,
// dead-letter unless the reason is a terminal canceled result; on a thrown
// dispatch error, classify permanent vs retryable and reject the waiter
// only on the final, non-permanent failure.
func (p *Processor) processMessage(ctx context.Context, job queuegateway.Job) {
	msg := job.Message
	if msg.ID == "" {
		if p.logger != nil {
			p.logger.Error(envelope.ErrMessageIDRequired, "queue", job.QueueName)
		}
		return
	}

	ctx, span := p.tracer.Start(ctx, "handoff.process", trace.WithAttributes(
		attribute.String("trace_id", msg.TraceID),
		attribute.String("message.type", msg.Type),
		attribute.Int("message.attempt", msg.Attempt),
	))
	defer span.End()

	result, dispatchErr := p.dispatch.Dispatch(ctx, msg)
	defer p.complete(ctx, job.QueueName, msg.ID, msg.Attempt)

	if dispatchErr != nil {
		p.handleDispatchError(ctx, job, dispatchErr)
		return
	}

	switch result.Status {
	case envelope.StatusOK:
		p.handleOK(ctx, msg, result)
	case envelope.StatusRetry:
		p.handleRetry(ctx, job, result)
	case envelope.StatusDead:
		p.handleDead(ctx, msg, result)
	}
}

func (p *Processor) handleOK(ctx context.Context, msg envelope.Message, result envelope.ProcessResult) {
	for _, outbound := range result.Outbound {
		if _, err := p.enqueuer.Enqueue(ctx, outbound); err != nil && p.logger != nil {
			p.logger.Error("failed to enqueue outbound message", "message_id", outbound.ID, "error", err)
		} else if p.metrics != nil {
			p.metrics.EnqueuedTotal.WithLabelValues(outbound.Type).Inc()
		}
	}
	p.resolve(msg.ID, result)
}

func (p *Processor) handleRetry(ctx context.Context, job queuegateway.Job, result envelope.ProcessResult) {
	msg := job.Message
	nextAttempt := msg.Attempt + 1
	if nextAttempt > msg.MaxAttempts {
		reason := result.Reason
		if reason == "" {
			reason = fmt.Sprintf("Retry exhausted after %d attempts", msg.MaxAttempts)
		}
		p.deadLetterAndResolve(ctx, msg, reason)
		return
	}

	delay := result.DelayMs
	if delay < 0 {
		delay = 0
	}
	retryMsg := msg.WithAttempt(nextAttempt)
	if err := p.gateway.Enqueue(ctx, job.QueueName, retryMsg, queuegateway.EnqueueOptions{DelayMs: delay}); err != nil && p.logger != nil {
		p.logger.Error("failed to re-enqueue retry", "message_id", msg.ID, "error", err)
	} else if p.metrics != nil {
		p.metrics.RetryTotal.WithLabelValues(msg.Type).Inc()
	}
}

func (p *Processor) handleDead(ctx context.Context, msg envelope.Message, result envelope.ProcessResult) {
	if envelope.IsCanceledReason(result.Reason) {
		if p.metrics != nil {
			p.metrics.CanceledTotal.WithLabelValues(msg.Type).Inc()
		}
		p.resolve(msg.ID, result)
		return
	}
	p.deadLetterAndResolve(ctx, msg, result.Reason)
}

func (p *Processor) handleDispatchError(ctx context.Context, job queuegateway.Job, dispatchErr error) {
	msg := job.Message
	if envelope.IsPermanentError(dispatchErr.Error()) {
		p.deadLetterAndReject(ctx, msg, dispatchErr)
		return
	}

	nextAttempt := msg.Attempt + 1
	if nextAttempt <= msg.MaxAttempts {
		retryMsg := msg.WithAttempt(nextAttempt)
		if err := p.gateway.Enqueue(ctx, job.QueueName, retryMsg, queuegateway.EnqueueOptions{}); err != nil && p.logger != nil {
			p.logger.Error("failed to re-enqueue after processor error", "message_id", msg.ID, "error", err)
		}
		return
	}

	p.deadLetterAndReject(ctx, msg, dispatchErr)
}

func (p *Processor) deadLetterAndResolve(ctx context.Context, msg envelope.Message, reason string) {
	if p.deadletter != nil {
		if err := p.deadletter.Record(ctx, msg, reason); err != nil && p.logger != nil {
			p.logger.Error("dead letter record failed", "message_id", msg.ID, "error", err)
		}
	}
	if p.metrics != nil {
		p.metrics.DeadLetterTotal.WithLabelValues(msg.Type).Inc()
	}
	p.resolve(msg.ID, envelope.Dead(reason))
}

func (p *Processor) deadLetterAndReject(ctx context.Context, msg envelope.Message, cause error) {
	if p.deadletter != nil {
		if err := p.deadletter.Record(ctx, msg, cause.Error()); err != nil && p.logger != nil {
			p.logger.Error("dead letter record failed", "message_id", msg.ID, "error", err)
		}
	}
	if p.metrics != nil {
		p.metrics.DeadLetterTotal.WithLabelValues(msg.Type).Inc()
	}
	if p.pending != nil {
		p.pending.Reject(msg.ID, cause)
	}
}

func (p *Processor) resolve(id string, result envelope.ProcessResult) {
	if p.pending != nil {
		p.pending.Resolve(id, result)
	}
}

func (p *Processor) complete(ctx context.Context, queueName, messageID string, attempt int) {
	if err := p.gateway.Complete(ctx, queueName, messageID, attempt); err != nil && p.logger != nil {
		p.logger.Error("failed to complete job", "queue", queueName, "message_id", messageID, "error", err)
	}
}
