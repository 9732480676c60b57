// Package metrics exposes the handoff bus's Prometheus instruments for the
// ops /metrics endpoint. Grounded on the broader example pack's
// prometheus/client_golang usage for exactly this kind of counter/gauge
// instrumentation (the teacher itself carries no Prometheus dependency).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the counters and gauges the queue processor and
// dispatcher increment as messages move through the bus.
type Registry struct {
	EnqueuedTotal   *prometheus.CounterVec
	RetryTotal      *prometheus.CounterVec
	DeadLetterTotal *prometheus.CounterVec
	CanceledTotal   *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
}

// New registers every instrument against reg and returns the bundle.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		EnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_enqueued_total",
			Help: "Messages enqueued through the Queue Service, by message type.",
		}, []string{"message_type"}),
		RetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_retry_total",
			Help: "Messages re-enqueued for retry, by message type.",
		}, []string{"message_type"}),
		DeadLetterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_deadletter_total",
			Help: "Messages recorded to the dead letter sink, by message type.",
		}, []string{"message_type"}),
		CanceledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_canceled_total",
			Help: "Messages resolved as canceled, by message type.",
		}, []string{"message_type"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "handoff_queue_depth",
			Help: "Current number of jobs waiting or delayed on a queue.",
		}, []string{"queue"}),
	}
	reg.MustRegister(r.EnqueuedTotal, r.RetryTotal, r.DeadLetterTotal, r.CanceledTotal, r.QueueDepth)
	return r
}
