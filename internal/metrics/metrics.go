// Package metrics provides Prometheus metrics for hexrelay.
//
// A nil *Metrics is valid and records nothing, so components can treat
// metrics as optional.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "hexrelay"
)

// Pool labels
const (
	PoolGame    = "game"
	PoolMessage = "message"
)

// Drop and anomaly reasons
const (
	ReasonUnroutable    = "unroutable"
	ReasonPeerMismatch  = "peer_mismatch"
	ReasonMalformed     = "malformed"
	ReasonOwnerMismatch = "owner_mismatch"
	ReasonDuplicateAck  = "duplicate_ack"
	ReasonStaleAck      = "stale_ack"
)

// Metrics contains all Prometheus metrics for a node
type Metrics struct {
	// Connection metrics
	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsAccepted *prometheus.CounterVec
	ConnectionsClosed   *prometheus.CounterVec

	// Data transfer metrics
	BytesSent        *prometheus.CounterVec
	BytesReceived    *prometheus.CounterVec
	DatagramsDropped *prometheus.CounterVec

	// Message hub metrics
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	MessageResults   *prometheus.CounterVec
	PendingAcks      prometheus.Gauge
	AckAnomalies     *prometheus.CounterVec
	IdleEvictions    prometheus.Counter
	AckLatency       prometheus.Histogram

	// Directory metrics
	DirectoryUpdates *prometheus.CounterVec

	// Admin server metrics
	AdminRequests        *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
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

// NewMetrics creates a new Metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open relay connections by pool",
		}, []string{"pool"}),
		ConnectionsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Total relay connections opened by pool and direction",
		}, []string{"pool", "direction"}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total relay connections closed by pool and reason",
		}, []string{"pool", "reason"}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by pool",
		}, []string{"pool"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by pool",
		}, []string{"pool"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total inbound datagrams dropped by reason",
		}, []string{"reason"}),

		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total hub messages accepted for sending",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total hub messages delivered after acknowledgment",
		}),
		MessageResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_results_total",
			Help:      "Total hub message completions by result",
		}, []string{"result"}),
		PendingAcks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_acks",
			Help:      "Number of hub messages waiting for an acknowledgment",
		}),
		AckAnomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_anomalies_total",
			Help:      "Total acknowledgments that matched no pending message by reason",
		}, []string{"reason"}),
		IdleEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_evictions_total",
			Help:      "Total hub connections closed after the idle window",
		}),
		AckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Histogram of time from send to acknowledgment in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		DirectoryUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_updates_total",
			Help:      "Total directory publish calls by operation and result",
		}, []string{"op", "result"}),

		AdminRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_requests_total",
			Help:      "Total admin HTTP requests by path and status code",
		}, []string{"path", "code"}),
		AdminRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admin_request_duration_seconds",
			Help:      "Histogram of admin HTTP request durations in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
	}
}

// RecordConnectionOpened records an accepted or established connection
func (m *Metrics) RecordConnectionOpened(pool, direction string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(pool).Inc()
	m.ConnectionsAccepted.WithLabelValues(pool, direction).Inc()
}

// RecordConnectionClosed records a connection leaving a pool
func (m *Metrics) RecordConnectionClosed(pool, reason string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(pool).Dec()
	m.ConnectionsClosed.WithLabelValues(pool, reason).Inc()
}

// RecordBytesSent records payload bytes handed to the relay
func (m *Metrics) RecordBytesSent(pool string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesSent.WithLabelValues(pool).Add(float64(n))
}

// RecordBytesReceived records payload bytes read from the relay
func (m *Metrics) RecordBytesReceived(pool string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesReceived.WithLabelValues(pool).Add(float64(n))
}

// RecordDrop records a dropped inbound datagram
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordMessageSent records a message entering the pending set
func (m *Metrics) RecordMessageSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
	m.PendingAcks.Inc()
}

// RecordMessageResult records the terminal completion of a pending message
func (m *Metrics) RecordMessageResult(ok bool, seconds float64) {
	if m == nil {
		return
	}
	m.PendingAcks.Dec()
	if ok {
		m.MessageResults.WithLabelValues("acked").Inc()
		m.AckLatency.Observe(seconds)
		return
	}
	m.MessageResults.WithLabelValues("failed").Inc()
}

// RecordMessageReceived records a request surfaced to the application
func (m *Metrics) RecordMessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// RecordAckAnomaly records an acknowledgment that completed nothing
func (m *Metrics) RecordAckAnomaly(reason string) {
	if m == nil {
		return
	}
	m.AckAnomalies.WithLabelValues(reason).Inc()
}

// RecordIdleEviction records a hub connection closed for inactivity
func (m *Metrics) RecordIdleEviction() {
	if m == nil {
		return
	}
	m.IdleEvictions.Inc()
}

// RecordDirectoryUpdate records one directory publish call
func (m *Metrics) RecordDirectoryUpdate(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DirectoryUpdates.WithLabelValues(op, result).Inc()
}

// RecordAdminRequest records one admin HTTP request
func (m *Metrics) RecordAdminRequest(path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.AdminRequests.WithLabelValues(path, strconv.Itoa(status)).Inc()
	m.AdminRequestDuration.WithLabelValues(path).Observe(d.Seconds())
}
