package mtlshttp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of one client. A nil *Metrics
// records nothing.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RetriesTotal       *prometheus.CounterVec
	AcquireWait        prometheus.Histogram
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  *prometheus.CounterVec
	ConnectionsLeased  prometheus.Gauge
	ConnectionsIdle    prometheus.Gauge
	ConnectionsPending prometheus.Gauge
}

// NewMetrics creates the collectors under namespace and registers them with
// reg. A nil reg leaves them unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of executed requests by outcome",
			},
			[]string{"outcome"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried attempts by failure kind",
			},
			[]string{"failure"},
		),
		AcquireWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_acquire_wait_seconds",
				Help:      "Time spent waiting for a pooled connection",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		ConnectionsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_connections_opened_total",
				Help:      "Total number of connections established",
			},
		),
		ConnectionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_connections_closed_total",
				Help:      "Total number of connections closed by reason",
			},
			[]string{"reason"},
		),
		ConnectionsLeased: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_connections_leased",
				Help:      "Connections currently leased",
			},
		),
		ConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_connections_idle",
				Help:      "Connections currently idle",
			},
		),
		ConnectionsPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_connections_pending",
				Help:      "Connections currently being established",
			},
		),
	}
}

func (m *Metrics) recordRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordRetry(kind FailureKind) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeAcquire(seconds float64) {
	if m == nil {
		return
	}
	m.AcquireWait.Observe(seconds)
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpened.Inc()
}

func (m *Metrics) connectionClosed(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) setOccupancy(s PoolStats) {
	if m == nil {
		return
	}
	m.ConnectionsLeased.Set(float64(s.Leased))
	m.ConnectionsIdle.Set(float64(s.Idle))
	m.ConnectionsPending.Set(float64(s.Pending))
}
