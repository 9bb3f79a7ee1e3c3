// Package metrics exports queue and event bus activity as prometheus
// collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwoglom/wearlink/pkg/event"
	"github.com/jwoglom/wearlink/pkg/queue"
)

// Metrics holds the collectors shared by every connection
type Metrics struct {
	transactions *prometheus.CounterVec
	txLatency    *prometheus.HistogramVec
	operations   *prometheus.CounterVec
	opLatency    *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec
	emitted      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wearlink_transactions_total",
			Help: "Transactions finished, by name and result.",
		}, []string{"device", "name", "result"}),
		txLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wearlink_transaction_duration_seconds",
			Help:    "Time from dispatch to completion of a transaction.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"device"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wearlink_operations_total",
			Help: "Link operations executed, by kind and result.",
		}, []string{"device", "kind", "result"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wearlink_operation_duration_seconds",
			Help:    "Latency of single link operations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"device", "kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wearlink_queue_depth",
			Help: "Transactions waiting in a connection's queue.",
		}, []string{"device"}),
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wearlink_events_emitted_total",
			Help: "Events emitted on connection buses, by kind.",
		}, []string{"device", "kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wearlink_events_dropped_total",
			Help: "Events lost to full subscriber buffers, by kind.",
		}, []string{"device", "kind"}),
	}

	reg.MustRegister(m.transactions, m.txLatency, m.operations, m.opLatency, m.queueDepth, m.emitted, m.dropped)
	return m
}

// Device returns the observer for one connection
func (m *Metrics) Device(address string) *DeviceObserver {
	return &DeviceObserver{m: m, device: address}
}

// Forget drops the per-device series of a disposed connection
func (m *Metrics) Forget(address string) {
	labels := prometheus.Labels{"device": address}
	m.transactions.DeletePartialMatch(labels)
	m.txLatency.DeletePartialMatch(labels)
	m.operations.DeletePartialMatch(labels)
	m.opLatency.DeletePartialMatch(labels)
	m.queueDepth.DeletePartialMatch(labels)
	m.emitted.DeletePartialMatch(labels)
	m.dropped.DeletePartialMatch(labels)
}

// DeviceObserver implements queue.Observer and event.Observer
type DeviceObserver struct {
	m      *Metrics
	device string
}

var (
	_ queue.Observer = (*DeviceObserver)(nil)
	_ event.Observer = (*DeviceObserver)(nil)
)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (o *DeviceObserver) OperationDone(kind queue.OpKind, err error, elapsed time.Duration) {
	o.m.operations.WithLabelValues(o.device, kind.String(), result(err)).Inc()
	o.m.opLatency.WithLabelValues(o.device, kind.String()).Observe(elapsed.Seconds())
}

func (o *DeviceObserver) TransactionDone(name string, err error, elapsed time.Duration) {
	o.m.transactions.WithLabelValues(o.device, name, result(err)).Inc()
	o.m.txLatency.WithLabelValues(o.device).Observe(elapsed.Seconds())
}

func (o *DeviceObserver) QueueDepth(n int) {
	o.m.queueDepth.WithLabelValues(o.device).Set(float64(n))
}

func (o *DeviceObserver) EventEmitted(k event.Kind) {
	o.m.emitted.WithLabelValues(o.device, string(k)).Inc()
}

func (o *DeviceObserver) EventDropped(k event.Kind) {
	o.m.dropped.WithLabelValues(o.device, string(k)).Inc()
}
