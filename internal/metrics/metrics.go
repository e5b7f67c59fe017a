// Package metrics provides Prometheus metrics for the relay and hidden hosts.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "hostrelay"
)

// Completion kinds.
const (
	KindCommand = "command"
	KindFile    = "file"
	KindStream  = "stream"
)

// Metrics contains all Prometheus metrics for a relay or host process.
type Metrics struct {
	// Host connection metrics
	HostsConnected  prometheus.Gauge
	HostsTotal      prometheus.Counter
	HostDisconnects *prometheus.CounterVec

	// Request metrics
	RequestsRouted   prometheus.Counter
	RequestsPending  prometheus.Gauge
	RequestsFinished *prometheus.CounterVec
	RequestsRejected *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec

	// Completion metrics
	Completions      *prometheus.CounterVec
	StaleCompletions *prometheus.CounterVec
	BytesStreamed    prometheus.Counter

	// Control channel metrics
	ProtocolViolations prometheus.Counter
	AuthFailures       prometheus.Counter

	// Hidden host metrics
	Deliveries     *prometheus.CounterVec
	DeliveredBytes *prometheus.CounterVec
	Reconnects     prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HostsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hosts_connected",
			Help:      "Number of hidden hosts with an open control channel",
		}),
		HostsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hosts_total",
			Help:      "Total number of hidden host registrations",
		}),
		HostDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_disconnects_total",
			Help:      "Total hidden host disconnections by reason",
		}, []string{"reason"}),

		RequestsRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_routed_total",
			Help:      "Total client requests forwarded to a hidden host",
		}),
		RequestsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_pending",
			Help:      "Number of client requests waiting for a completion",
		}),
		RequestsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_finished_total",
			Help:      "Total routed requests by final state",
		}, []string{"state"}),
		RequestsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Total client requests rejected before routing",
		}, []string{"reason"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from routing a request to its final state",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"state"}),

		Completions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Total completions accepted from hidden hosts by kind",
		}, []string{"kind"}),
		StaleCompletions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_completions_total",
			Help:      "Total completions for unknown or already finished requests",
		}, []string{"kind"}),
		BytesStreamed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_streamed_total",
			Help:      "Total body bytes written to waiting clients",
		}),

		ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total control channels closed for malformed or unknown messages",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total rejected hidden host credentials",
		}),

		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_deliveries_total",
			Help:      "Total completions delivered by this host by mode and result",
		}, []string{"mode", "result"}),
		DeliveredBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_delivered_bytes_total",
			Help:      "Total resource bytes uploaded by this host",
		}, []string{"mode"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_reconnects_total",
			Help:      "Total control channel reconnect attempts",
		}),
	}
}

// RecordHostConnect records a hidden host registration.
func (m *Metrics) RecordHostConnect() {
	m.HostsConnected.Inc()
	m.HostsTotal.Inc()
}

// RecordHostDisconnect records a hidden host leaving the registry.
func (m *Metrics) RecordHostDisconnect(reason string) {
	m.HostsConnected.Dec()
	m.HostDisconnects.WithLabelValues(reason).Inc()
}

// RecordRequestRouted records a request entering the pending table.
func (m *Metrics) RecordRequestRouted() {
	m.RequestsRouted.Inc()
	m.RequestsPending.Inc()
}

// RecordRequestFinished records a routed request leaving the pending table.
func (m *Metrics) RecordRequestFinished(state string, durationSeconds float64) {
	m.RequestsPending.Dec()
	m.RequestsFinished.WithLabelValues(state).Inc()
	m.RequestDuration.WithLabelValues(state).Observe(durationSeconds)
}

// RecordRequestRejected records a request answered without routing.
func (m *Metrics) RecordRequestRejected(reason string) {
	m.RequestsRejected.WithLabelValues(reason).Inc()
}

// RecordCompletion records a completion handed to a waiting client.
func (m *Metrics) RecordCompletion(kind string) {
	m.Completions.WithLabelValues(kind).Inc()
}

// RecordStaleCompletion records a completion that matched no pending request.
func (m *Metrics) RecordStaleCompletion(kind string) {
	m.StaleCompletions.WithLabelValues(kind).Inc()
}

// RecordBytesStreamed records body bytes written to a client.
func (m *Metrics) RecordBytesStreamed(n int64) {
	if n > 0 {
		m.BytesStreamed.Add(float64(n))
	}
}

// RecordProtocolViolation records a control channel closed for a bad message.
func (m *Metrics) RecordProtocolViolation() {
	m.ProtocolViolations.Inc()
}

// RecordAuthFailure records a rejected host credential.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordDelivery records a completion delivered by a hidden host.
func (m *Metrics) RecordDelivery(mode, result string, bytes int64) {
	m.Deliveries.WithLabelValues(mode, result).Inc()
	if bytes > 0 {
		m.DeliveredBytes.WithLabelValues(mode).Add(float64(bytes))
	}
}

// RecordReconnect records a control channel reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}
