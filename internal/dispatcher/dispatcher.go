// Package dispatcher resolves a processor for an envelope and runs it under
// a cancellation context bound to the Cancel Service, grounded on the
// teacher's internal/engine/engine.go handleTask (per-task context
// registration, abort-vs-error classification, deferred cleanup of the
// cancel registry entry).
package dispatcher

import (
	"context"
	"log/slog"

	"github.com/xpert-ai/handoffbus/internal/envelope"
	"github.com/xpert-ai/handoffbus/internal/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// CancelBinder binds and resolves abort controllers by message id.
// Satisfied by *cancel.Service.
type CancelBinder interface {
	Register(messageID string, cancelFn context.CancelFunc)
	Unregister(messageID string)
	ResolvedReason(messageID string) string
}

// EventPublisher forwards a processor's emitted events to any synchronous
// waiter registered on the message id. Satisfied by *pending.Table.
type EventPublisher interface {
	Publish(id string, event any)
}

// Dispatcher resolves a processor, binds cancellation, runs the processor,
// and normalizes abort outcomes into a canceled dead result.
type Dispatcher struct {
	registry  *registry.Registry
	cancel    CancelBinder
	publisher EventPublisher
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates a Dispatcher. publisher may be nil, in which case emitted
// events are dropped.
func New(logger *slog.Logger, reg *registry.Registry, cancelBinder CancelBinder, publisher EventPublisher) *Dispatcher {
	return &Dispatcher{registry: reg, cancel: cancelBinder, publisher: publisher, logger: logger, tracer: nooptrace.NewTracerProvider().Tracer("")}
}

// WithTracer returns a copy of d that opens a handoff.dispatch span per call.
func (d *Dispatcher) WithTracer(tracer trace.Tracer) *Dispatcher {
	cp := *d
	cp.tracer = tracer
	return &cp
}

// Dispatch resolves the processor for msg, runs it under a cancellation
// context registered with the Cancel Service, and normalizes the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, msg envelope.Message) (envelope.ProcessResult, error) {
	ctx, span := d.tracer.Start(ctx, "handoff.dispatch", trace.WithAttributes(
		attribute.String("trace_id", msg.TraceID),
		attribute.String("message.type", msg.Type),
		attribute.Int("message.attempt", msg.Attempt),
	))
	defer span.End()

	if err := envelope.Validate(&msg); err != nil {
		span.RecordError(err)
		return envelope.ProcessResult{}, err
	}

	organizationID, _ := msg.Header(envelope.HeaderOrganizationID)
	entry, err := d.registry.Get(msg.Type, organizationID)
	if err != nil {
		return envelope.ProcessResult{}, err
	}

	runCtx, cancelFn := context.WithCancel(ctx)
	d.cancel.Register(msg.ID, cancelFn)
	defer func() {
		cancelFn()
		d.cancel.Unregister(msg.ID)
	}()

	procCtx := envelope.ProcessorContext{
		RunID:   msg.ID,
		TraceID: msg.TraceID,
		Done:    runCtx.Done(),
		Emit: func(event any) {
			if d.publisher != nil {
				d.publisher.Publish(msg.ID, event)
			}
		},
	}

	result, procErr := entry.Processor.Process(procCtx, msg)

	if procErr != nil {
		if runCtx.Err() != nil || envelope.IsAbortLike(procErr) {
			return envelope.Canceled(d.resolvedCanceledDetail(msg.ID, procErr)), nil
		}
		return envelope.ProcessResult{}, procErr
	}

	if runCtx.Err() != nil {
		return envelope.Canceled(d.resolvedCanceledDetail(msg.ID, nil)), nil
	}

	return result, nil
}

// resolvedCanceledDetail returns the Cancel Service's stored reason for id,
// stripped of its canceled: prefix since Canceled re-applies it, falling
// back to the error message (or the default) only when the context was
// canceled by something other than the Cancel Service.
func (d *Dispatcher) resolvedCanceledDetail(id string, procErr error) string {
	reason := d.cancel.ResolvedReason(id)
	if envelope.IsCanceledReason(reason) {
		return reason[len(envelope.CanceledPrefix):]
	}
	if procErr != nil {
		return procErr.Error()
	}
	return reason
}
