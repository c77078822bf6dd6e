// Package metrics exposes Prometheus instrumentation for the outbox
// relay's dispatcher passes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"outboxd/internal/core/id"
	"outboxd/internal/domain/outbox"
)

var _ outbox.PassObserver = (*Observer)(nil)

// Observer implements outbox.PassObserver, recording per-pass counters
// and a duration histogram for the polling dispatcher, plus per-message
// and per-outbox counters for the worker's own delivery outcomes.
type Observer struct {
	passesTotal     prometheus.Counter
	outboxesTotal   prometheus.Counter
	workerFaults    prometheus.Counter
	passDuration    prometheus.Histogram
	messagesSent    prometheus.Counter
	sendFaults      prometheus.Counter
	outboxDelivered prometheus.Counter
}

// NewObserver registers the relay's metrics against registerer and
// returns an Observer bound to them. Pass prometheus.DefaultRegisterer
// in production, or a fresh prometheus.NewRegistry() in tests.
func NewObserver(registerer prometheus.Registerer) *Observer {
	factory := promauto.With(registerer)

	return &Observer{
		passesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dispatcher_passes_total",
			Help: "Total number of dispatcher batch passes completed.",
		}),
		outboxesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dispatcher_outboxes_dispatched_total",
			Help: "Total number of distinct outboxes dispatched to a worker across all passes.",
		}),
		workerFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_worker_faults_total",
			Help: "Total number of worker faults (errors or panics) observed by the dispatcher.",
		}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_dispatcher_pass_duration_seconds",
			Help:    "Duration of one dispatcher batch pass, in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_messages_sent_total",
			Help: "Total number of outbox messages successfully sent to the bus.",
		}),
		sendFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_send_faults_total",
			Help: "Total number of delivery attempts that stopped on a send fault.",
		}),
		outboxDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_delivered_total",
			Help: "Total number of outboxes that reached Delivered (fully drained).",
		}),
	}
}

// ObservePass records one completed batch pass.
func (o *Observer) ObservePass(dispatched int, duration time.Duration) {
	o.passesTotal.Inc()
	o.outboxesTotal.Add(float64(dispatched))
	o.passDuration.Observe(duration.Seconds())
}

// ObserveWorkerFault records a single worker's fault. outboxID is
// accepted to satisfy outbox.PassObserver's signature; it is not used
// as a label to avoid unbounded cardinality on a per-outbox-id basis.
func (o *Observer) ObserveWorkerFault(_ id.ID) {
	o.workerFaults.Inc()
}

// ObserveMessagesSent records count messages successfully sent in one
// delivery pass.
func (o *Observer) ObserveMessagesSent(count int) {
	o.messagesSent.Add(float64(count))
}

// ObserveSendFault records one delivery attempt stopping on a send
// fault. outboxID is accepted to satisfy outbox.PassObserver's signature
// and, like ObserveWorkerFault, is deliberately not used as a label.
func (o *Observer) ObserveSendFault(_ id.ID) {
	o.sendFaults.Inc()
}

// ObserveOutboxDelivered records one outbox reaching Delivered.
func (o *Observer) ObserveOutboxDelivered(_ id.ID) {
	o.outboxDelivered.Inc()
}
