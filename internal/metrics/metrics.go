// Package metrics provides Prometheus metrics for pairlink.
//
// Every method is safe to call on a nil *Metrics, which disables
// recording.
package metrics

import (
	"context"
	"errors"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "pairlink"

// Rejection reasons.
const (
	ReasonBadRequest       = "bad_request"
	ReasonCodeNotFound     = "code_not_found"
	ReasonInvalidToken     = "invalid_token"
	ReasonTokenUnavailable = "token_unavailable"
	ReasonRegistryError    = "registry_error"
	ReasonStoreError       = "store_error"
	ReasonUpgradeFailed    = "upgrade_failed"
	ReasonNotUpgrade       = "not_upgrade"
	ReasonOriginDenied     = "origin_denied"
	ReasonOverCapacity     = "over_capacity"
	ReasonDialFailed       = "dial_failed"
	ReasonDialTimeout      = "dial_timeout"
)

// Admission kinds.
const (
	KindRegistered  = "registered"
	KindPaired      = "paired"
	KindReconnected = "reconnected"
)

// Code events.
const (
	CodeIssued  = "issued"
	CodeTaken   = "taken"
	CodeExpired = "expired"
)

// Metrics holds all Prometheus metrics for pairlink.
type Metrics struct {
	Registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionsEvicted   prometheus.Counter
	peersConnected    *prometheus.GaugeVec
	admissionsTotal   *prometheus.CounterVec
	rejectionsTotal   *prometheus.CounterVec
	replacedTotal     *prometheus.CounterVec
	messagesTotal     *prometheus.CounterVec
	bytesTotal        *prometheus.CounterVec
	codesTotal        *prometheus.CounterVec
	peerDuration      *prometheus.HistogramVec
	connectorUp       prometheus.Gauge
	connectorRetries  prometheus.Counter
	connectorDialTime prometheus.Histogram
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of session actors resident in memory.",
		}),

		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Session actors evicted after idling with no sockets.",
		}),

		peersConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of live sockets, by role.",
		}, []string{"role"}),

		admissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Sockets admitted to a session, by role and kind.",
		}, []string{"role", "kind"}),

		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Connection attempts rejected, by role and reason.",
		}, []string{"role", "reason"}),

		replacedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sockets_replaced_total",
			Help:      "Sockets closed because a newer connection took over their role.",
		}, []string{"role"}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Payload frames received from a peer, by sender role, frame type, and outcome.",
		}, []string{"from", "frame", "outcome"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Payload bytes received from a peer, by sender role and outcome.",
		}, []string{"from", "outcome"}),

		codesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_codes_total",
			Help:      "Pairing code lifecycle events.",
		}, []string{"event"}),

		peerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "peer_connection_duration_seconds",
			Help:      "Lifetime of admitted sockets in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 14400, 86400},
		}, []string{"role"}),

		connectorUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connector_connected",
			Help:      "Whether the bridge connector is connected to the relay (1) or not (0).",
		}),

		connectorRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_reconnects_total",
			Help:      "Reconnect attempts scheduled by the bridge connector.",
		}),

		connectorDialTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connector_dial_duration_seconds",
			Help:      "Time spent dialing the relay, in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.sessionsEvicted,
		m.peersConnected,
		m.admissionsTotal,
		m.rejectionsTotal,
		m.replacedTotal,
		m.messagesTotal,
		m.bytesTotal,
		m.codesTotal,
		m.peerDuration,
		m.connectorUp,
		m.connectorRetries,
		m.connectorDialTime,
	)

	return m
}

// SessionStarted records an actor becoming resident.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionStopped records an actor leaving memory. evicted is true when
// the hub reclaimed it for idleness rather than at shutdown.
func (m *Metrics) SessionStopped(evicted bool) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	if evicted {
		m.sessionsEvicted.Inc()
	}
}

// Admitted records a socket joining a session.
func (m *Metrics) Admitted(role, kind string) {
	if m == nil {
		return
	}
	m.admissionsTotal.WithLabelValues(role, kind).Inc()
}

// Rejected records a refused connection attempt.
func (m *Metrics) Rejected(role, reason string) {
	if m == nil {
		return
	}
	m.rejectionsTotal.WithLabelValues(role, reason).Inc()
}

// Replaced records an incumbent socket evicted by a newer one.
func (m *Metrics) Replaced(role string) {
	if m == nil {
		return
	}
	m.replacedTotal.WithLabelValues(role).Inc()
}

// Forwarded records a payload frame relayed to the peer.
func (m *Metrics) Forwarded(from, frame string, n int) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(from, frame, "forwarded").Inc()
	m.bytesTotal.WithLabelValues(from, "forwarded").Add(float64(n))
}

// Dropped records a payload frame discarded because no peer was present
// or the peer write failed.
func (m *Metrics) Dropped(from, frame string, n int) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(from, frame, "dropped").Inc()
	m.bytesTotal.WithLabelValues(from, "dropped").Add(float64(n))
}

// Code records a pairing code event.
func (m *Metrics) Code(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.codesTotal.WithLabelValues(event).Add(float64(n))
}

// PeerOpened increments the live socket gauge for role and returns a
// tracker that records the socket's lifetime when it closes.
func (m *Metrics) PeerOpened(role string) *PeerTracker {
	if m == nil {
		return nil
	}
	m.peersConnected.WithLabelValues(role).Inc()
	return &PeerTracker{m: m, role: role}
}

// PeerTracker records the end of a single socket's life.
type PeerTracker struct {
	m    *Metrics
	role string
}

// Done decrements the live gauge and observes the duration.
func (t *PeerTracker) Done(durationSec float64) {
	if t == nil {
		return
	}
	t.m.peersConnected.WithLabelValues(t.role).Dec()
	t.m.peerDuration.WithLabelValues(t.role).Observe(durationSec)
}

// SetConnectorConnected sets the connector gauge.
func (m *Metrics) SetConnectorConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connectorUp.Set(1)
	} else {
		m.connectorUp.Set(0)
	}
}

// ConnectorReconnect counts a scheduled reconnect.
func (m *Metrics) ConnectorReconnect() {
	if m == nil {
		return
	}
	m.connectorRetries.Inc()
}

// ObserveDial records how long a connector dial took.
func (m *Metrics) ObserveDial(seconds float64) {
	if m == nil {
		return
	}
	m.connectorDialTime.Observe(seconds)
}

// DialReason returns ReasonDialTimeout if err is a timeout, otherwise
// fallback.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}
