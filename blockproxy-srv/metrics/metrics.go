// Package metrics exposes proxy counters in the Prometheus text format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blockproxy"

// Direction labels for relayed bytes.
const (
	DirectionUpstream   = "upstream"   // client to origin
	DirectionDownstream = "downstream" // origin to client
)

// Metrics holds the proxy's instruments on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	outcomes          *prometheus.CounterVec
	blocked           prometheus.Counter
	connectFailures   *prometheus.CounterVec
	activeConnections prometheus.Gauge
	bytesRelayed      *prometheus.CounterVec
	rejected          prometheus.Counter
}

// New creates and registers all proxy metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_outcomes_total",
			Help:      "Completed connection attempts by response status.",
		}, []string{"status"}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_requests_total",
			Help:      "Requests denied by the blocklist.",
		}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_failures_total",
			Help:      "Failed upstream connection attempts by error code.",
		}, []string{"code"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Client connections currently being handled.",
		}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed between clients and origins.",
		}, []string{"direction"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Connections closed because the concurrency limit was reached.",
		}),
	}

	m.registry.MustRegister(
		m.outcomes,
		m.blocked,
		m.connectFailures,
		m.activeConnections,
		m.bytesRelayed,
		m.rejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordOutcome(status int) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) RecordBlocked() {
	if m == nil {
		return
	}
	m.blocked.Inc()
}

func (m *Metrics) RecordConnectFailure(code string) {
	if m == nil {
		return
	}
	m.connectFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) AddBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRelayed.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) RecordRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}
