package rtprecv

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "rtprecv"

// Metrics holds the receiver's prometheus collectors. Each receiver has its
// own registry so several can live in one process
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionsCreated   prometheus.Counter
	sessionsRefused   *prometheus.CounterVec
	sessionsDestroyed *prometheus.CounterVec
	packetsReceived   prometheus.Counter
	packetsDropped    *prometheus.CounterVec
	queueOverruns     prometheus.Counter
	rateUpdates       prometheus.Counter
	rateAnomalies     prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of RTP sessions currently registered",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_created_total",
			Help:      "RTP sessions created from announcements",
		}),
		sessionsRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_refused_total",
			Help:      "Announcements that could not be turned into a session",
		}, []string{"reason"}),
		sessionsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_destroyed_total",
			Help:      "RTP sessions torn down",
		}, []string{"reason"}),
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "RTP packets written into a jitter queue",
		}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_dropped_total",
			Help:      "RTP packets discarded before reaching a jitter queue",
		}, []string{"reason"}),
		queueOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_overruns_total",
			Help:      "Payloads dropped because the jitter queue was full",
		}),
		rateUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_updates_total",
			Help:      "Applied playback rate corrections",
		}),
		rateAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_anomalies_total",
			Help:      "Rate corrections skipped as measurement anomalies",
		}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsCreated,
		m.sessionsRefused,
		m.sessionsDestroyed,
		m.packetsReceived,
		m.packetsDropped,
		m.queueOverruns,
		m.rateUpdates,
		m.rateAnomalies,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
