package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the server. Callers treat a
// nil *Metrics as disabled; tests pass nil to avoid registering twice
// against the default registry.
type Metrics struct {
	eventsReceived   *prometheus.CounterVec
	eventsSent       *prometheus.CounterVec
	eventsThrottled  prometheus.Counter
	authAttempts     *prometheus.CounterVec
	originsBlocked   prometheus.Counter
	messagesAppended *prometheus.CounterVec
	historyClears    prometheus.Counter
	broadcastFanout  prometheus.Histogram
	uploadsTotal     prometheus.Counter
	uploadBytes      prometheus.Counter

	activeSessions      prometheus.Gauge
	activeConnections   prometheus.Gauge
	connectionsAdmitted prometheus.Counter
	storedMessages      prometheus.Gauge
}

// NewMetrics creates and registers all collectors with the default
// registry. Call at most once per process.
func NewMetrics() *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securechanel_events_received_total",
			Help: "Inbound WebSocket events by type.",
		}, []string{"type"}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securechanel_events_sent_total",
			Help: "Outbound WebSocket events by type.",
		}, []string{"type"}),
		eventsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securechanel_events_throttled_total",
			Help: "Inbound events dropped by the per-connection rate limit.",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securechanel_auth_attempts_total",
			Help: "Authentication attempts by outcome (success, failure, blocked).",
		}, []string{"outcome"}),
		originsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securechanel_origins_blocked_total",
			Help: "Origins placed under a block after repeated failures.",
		}),
		messagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securechanel_messages_appended_total",
			Help: "Messages appended to the history log by kind.",
		}, []string{"kind"}),
		historyClears: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securechanel_history_clears_total",
			Help: "Times the history log was cleared.",
		}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "securechanel_broadcast_fanout",
			Help:    "Connections reached per broadcast.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		uploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securechanel_uploads_total",
			Help: "Successful file uploads.",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securechanel_upload_bytes_total",
			Help: "Bytes accepted by the upload endpoint.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "securechanel_active_sessions",
			Help: "Authenticated sessions currently held.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "securechanel_active_connections",
			Help: "WebSocket connections currently admitted.",
		}),
		connectionsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securechanel_connections_admitted_total",
			Help: "WebSocket connections admitted since start.",
		}),
		storedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "securechanel_stored_messages",
			Help: "Messages currently held in the history log.",
		}),
	}

	prometheus.MustRegister(
		m.eventsReceived,
		m.eventsSent,
		m.eventsThrottled,
		m.authAttempts,
		m.originsBlocked,
		m.messagesAppended,
		m.historyClears,
		m.broadcastFanout,
		m.uploadsTotal,
		m.uploadBytes,
		m.activeSessions,
		m.activeConnections,
		m.connectionsAdmitted,
		m.storedMessages,
	)

	return m
}

// RecordEventReceived counts one inbound event
func (m *Metrics) RecordEventReceived(eventType string) {
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

// RecordEventSent counts one outbound event
func (m *Metrics) RecordEventSent(eventType string) {
	m.eventsSent.WithLabelValues(eventType).Inc()
}

// RecordEventThrottled counts one rate-limited inbound event
func (m *Metrics) RecordEventThrottled() {
	m.eventsThrottled.Inc()
}

// RecordAuthAttempt counts one authentication attempt by outcome
func (m *Metrics) RecordAuthAttempt(outcome string) {
	m.authAttempts.WithLabelValues(outcome).Inc()
}

// RecordOriginBlocked counts one new block entry
func (m *Metrics) RecordOriginBlocked() {
	m.originsBlocked.Inc()
}

// RecordMessageAppended counts one stored message by kind
func (m *Metrics) RecordMessageAppended(kind string) {
	m.messagesAppended.WithLabelValues(kind).Inc()
}

// RecordHistoryCleared counts one full-history clear
func (m *Metrics) RecordHistoryCleared() {
	m.historyClears.Inc()
}

// RecordBroadcast observes the fanout of one broadcast
func (m *Metrics) RecordBroadcast(fanout int) {
	m.broadcastFanout.Observe(float64(fanout))
}

// RecordUpload counts one accepted upload and its size
func (m *Metrics) RecordUpload(bytes int64) {
	m.uploadsTotal.Inc()
	m.uploadBytes.Add(float64(bytes))
}

// RecordActiveSessions sets the live session gauge
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordActiveConnections sets the admitted connection gauge
func (m *Metrics) RecordActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

// RecordConnectionAdmitted counts one admitted connection
func (m *Metrics) RecordConnectionAdmitted() {
	m.connectionsAdmitted.Inc()
}

// RecordStoredMessages sets the history size gauge
func (m *Metrics) RecordStoredMessages(count int) {
	m.storedMessages.Set(float64(count))
}
