package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the handoff bus's OTel metric instruments, mirrored in
// Prometheus form by internal/metrics for the ops /metrics endpoint.
type Metrics struct {
	DispatchDuration metric.Float64Histogram
	ProcessDuration  metric.Float64Histogram
	EnqueuedTotal    metric.Int64Counter
	RetryTotal       metric.Int64Counter
	DeadLetterTotal  metric.Int64Counter
	CanceledTotal    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchDuration, err = meter.Float64Histogram("handoff.dispatch.duration",
		metric.WithDescription("Dispatcher.Dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessDuration, err = meter.Float64Histogram("handoff.process.duration",
		metric.WithDescription("Queue processor job processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EnqueuedTotal, err = meter.Int64Counter("handoff.enqueued.total",
		metric.WithDescription("Messages enqueued through the Queue Service"),
	)
	if err != nil {
		return nil, err
	}

	m.RetryTotal, err = meter.Int64Counter("handoff.retry.total",
		metric.WithDescription("Messages re-enqueued for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetterTotal, err = meter.Int64Counter("handoff.deadletter.total",
		metric.WithDescription("Messages recorded to the dead letter sink"),
	)
	if err != nil {
		return nil, err
	}

	m.CanceledTotal, err = meter.Int64Counter("handoff.canceled.total",
		metric.WithDescription("Messages resolved as canceled"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
