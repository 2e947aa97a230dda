package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/h1core/internal/connection"
)

const namespace = "h1core"

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	connectionsActive   prometheus.Gauge
	connectionsUpgraded prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected prometheus.Counter
	connectionDuration  *prometheus.HistogramVec
	connectionBytes     *prometheus.CounterVec
	heartbeatDuration   prometheus.Histogram
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
}

// New registers the collectors with reg. Passing a fresh registry keeps
// tests independent of the global default one.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Current number of open connections",
		}),
		connectionsUpgraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_upgraded",
			Help:      "Current number of upgraded connections",
		}),
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		}),
		connectionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total number of connections refused at a ceiling or while draining",
		}),
		connectionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Connection lifetime by end reason",
			Buckets:   []float64{0.01, 0.1, 1, 5, 30, 130, 600, 3600},
		}, []string{"end_reason", "upgraded"}),
		connectionBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_bytes_total",
			Help:      "Bytes moved over closed connections",
		}, []string{"direction"}),
		heartbeatDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_duration_seconds",
			Help:      "Time spent evaluating one heartbeat tick",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1},
		}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

func (m *Metrics) ConnectionUpgraded() {
	if m == nil {
		return
	}
	m.connectionsUpgraded.Inc()
}

func (m *Metrics) ConnectionClosed(reason connection.EndReason, upgraded bool, lifetime time.Duration, bytesIn, bytesOut int64) {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
	if upgraded {
		m.connectionsUpgraded.Dec()
	}
	m.connectionDuration.WithLabelValues(reason.String(), strconv.FormatBool(upgraded)).Observe(lifetime.Seconds())
	m.connectionBytes.WithLabelValues("in").Add(float64(bytesIn))
	m.connectionBytes.WithLabelValues("out").Add(float64(bytesOut))
}

// ObserveHeartbeat records how long a heartbeat tick took.
func (m *Metrics) ObserveHeartbeat(d time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatDuration.Observe(d.Seconds())
}

// RequestServed records one completed request.
func (m *Metrics) RequestServed(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	s := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, s).Inc()
	m.requestDuration.WithLabelValues(method, s).Observe(d.Seconds())
}

var _ connection.Observer = (*Metrics)(nil)
