// Package metrics exposes transport counters to Prometheus.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatbridge"

// Metrics groups the collectors shared by connections, pools and queues.
type Metrics struct {
	messagesSent    *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
	segments        *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	joins           *prometheus.CounterVec
	parts           *prometheus.CounterVec
	parseFailures   prometheus.Counter
	openConnections *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg. A nil registerer
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Chat messages written to a send connection.",
		}, []string{"identity"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Outbound messages dropped before reaching the network.",
		}, []string{"identity", "reason"}),
		segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_segments_total",
			Help:      "Segments queued after splitting outbound messages.",
		}, []string{"identity"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Dispatch attempts postponed by cooldown or bucket denial.",
		}, []string{"identity", "gate"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts per connection role.",
		}, []string{"identity", "role"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_joins_total",
			Help:      "JOIN directives sent.",
		}, []string{"identity"}),
		parts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_parts_total",
			Help:      "PART directives sent.",
		}, []string{"identity"}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_parse_failures_total",
			Help:      "Inbound lines dropped because they could not be parsed.",
		}),
		openConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Connections currently open to the chat network.",
		}, []string{"identity", "role"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.messagesSent,
			m.messagesDropped,
			m.segments,
			m.rateLimited,
			m.reconnects,
			m.joins,
			m.parts,
			m.parseFailures,
			m.openConnections,
		)
	}
	return m
}

func (m *Metrics) MessageSent(identity string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(identity).Inc()
}

func (m *Metrics) MessageDropped(identity, reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(identity, reason).Inc()
}

func (m *Metrics) SegmentsQueued(identity string, n int) {
	if m == nil {
		return
	}
	m.segments.WithLabelValues(identity).Add(float64(n))
}

func (m *Metrics) RateLimited(identity, gate string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(identity, gate).Inc()
}

func (m *Metrics) Reconnect(identity, role string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(identity, role).Inc()
}

func (m *Metrics) Joined(identity string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(identity).Inc()
}

func (m *Metrics) Parted(identity string) {
	if m == nil {
		return
	}
	m.parts.WithLabelValues(identity).Inc()
}

func (m *Metrics) ParseFailure() {
	if m == nil {
		return
	}
	m.parseFailures.Inc()
}

// ConnectionOpened and ConnectionClosed track the open_connections gauge.
func (m *Metrics) ConnectionOpened(identity, role string) {
	if m == nil {
		return
	}
	m.openConnections.WithLabelValues(identity, role).Inc()
}

func (m *Metrics) ConnectionClosed(identity, role string) {
	if m == nil {
		return
	}
	m.openConnections.WithLabelValues(identity, role).Dec()
}
