// Package metrics provides Prometheus metrics for tele-metroo.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tele_metroo"
)

// Metrics contains all Prometheus metrics for the transport.
type Metrics struct {
	// Handshake metrics
	HandshakesTotal *prometheus.CounterVec
	HandshakeErrors *prometheus.CounterVec
	BindsTotal      prometheus.Counter

	// Envelope metrics
	EnvelopesSent     prometheus.Counter
	EnvelopesReceived prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	MessagesReceived  *prometheus.CounterVec

	// RPC metrics
	RPCResults prometheus.Counter
	RPCErrors  *prometheus.CounterVec

	// Recovery metrics
	SaltUpdates    prometheus.Counter
	AcksFlushed    prometheus.Counter
	SessionsFailed prometheus.Counter
	Reconnects     prometheus.Counter
	Disconnects    *prometheus.CounterVec
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

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HandshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total completed key exchanges by kind",
		}, []string{"kind"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures by type",
		}, []string{"error_type"}),
		BindsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "temp_key_binds_total",
			Help:      "Total successful temporary key bindings",
		}),

		EnvelopesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Total encrypted envelopes sent",
		}),
		EnvelopesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Total encrypted envelopes received",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total envelope bytes sent",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total envelope bytes received",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total inbound messages by constructor",
		}, []string{"constructor"}),

		RPCResults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_results_total",
			Help:      "Total rpc_result messages delivered upstream",
		}),
		RPCErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_errors_total",
			Help:      "Total rpc_error messages by code",
		}, []string{"code"}),

		SaltUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "salt_updates_total",
			Help:      "Total server salt replacements",
		}),
		AcksFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_flushed_total",
			Help:      "Total message ids acknowledged",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total sessions torn down after fatal inbound errors",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts scheduled",
		}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total connection losses by reason",
		}, []string{"reason"}),
	}
}

// RecordHandshake records a completed key exchange.
func (m *Metrics) RecordHandshake(temp bool) {
	kind := "permanent"
	if temp {
		kind = "temporary"
	}
	m.HandshakesTotal.WithLabelValues(kind).Inc()
}

// RecordHandshakeError records a handshake failure.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordBind records a successful temporary key binding.
func (m *Metrics) RecordBind() {
	m.BindsTotal.Inc()
}

// RecordEnvelopeSent records an outgoing envelope.
func (m *Metrics) RecordEnvelopeSent(bytes int) {
	m.EnvelopesSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordEnvelopeReceived records an incoming envelope.
func (m *Metrics) RecordEnvelopeReceived(bytes int) {
	m.EnvelopesReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordMessage records an inbound message by constructor name.
func (m *Metrics) RecordMessage(constructor string) {
	m.MessagesReceived.WithLabelValues(constructor).Inc()
}

// RecordRPCResult records a delivered rpc_result.
func (m *Metrics) RecordRPCResult() {
	m.RPCResults.Inc()
}

// RecordRPCError records an rpc_error by code.
func (m *Metrics) RecordRPCError(code int32) {
	m.RPCErrors.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
}

// RecordSaltUpdate records a server salt replacement.
func (m *Metrics) RecordSaltUpdate() {
	m.SaltUpdates.Inc()
}

// RecordAcksFlushed records a flushed msgs_ack batch.
func (m *Metrics) RecordAcksFlushed(count int) {
	m.AcksFlushed.Add(float64(count))
}

// RecordSessionFailed records a failed session.
func (m *Metrics) RecordSessionFailed() {
	m.SessionsFailed.Inc()
}

// RecordReconnect records a scheduled reconnect.
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// RecordDisconnect records a connection loss.
func (m *Metrics) RecordDisconnect(reason string) {
	m.Disconnects.WithLabelValues(reason).Inc()
}
