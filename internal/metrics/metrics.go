// Package metrics exposes Prometheus instrumentation for the rate pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vadiminshakov/fxpulse/internal/domain"
)

const defaultNamespace = "fxpulse"

// Metrics holds collectors registered in a private registry.
type Metrics struct {
	registry *prometheus.Registry

	fetches        *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	loads          *prometheus.CounterVec
	snapshotWrites prometheus.Counter
	usdtNgnRate    prometheus.Gauge
	costPrices     *prometheus.GaugeVec
	lastLoad       prometheus.Gauge
}

// New creates and registers all collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fetches_total",
			Help:      "Provider fetch attempts by outcome",
		}, []string{"provider", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_fetch_duration_seconds",
			Help:      "Provider fetch latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 1.5, 2.5, 5, 10},
		}, []string{"provider"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Rate limit refusals recorded per provider",
		}, []string{"provider"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "Aggregation cycles by result",
		}, []string{"result"}),
		snapshotWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Historical snapshots persisted",
		}),
		usdtNgnRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usdt_ngn_rate",
			Help:      "Current USDT/NGN base rate",
		}),
		costPrices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cost_price",
			Help:      "Current cost price in NGN per currency",
		}, []string{"currency"}),
		lastLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_load_timestamp_seconds",
			Help:      "Unix time of the last produced snapshot",
		}),
	}

	m.registry.MustRegister(
		m.fetches,
		m.fetchDuration,
		m.rateLimitHits,
		m.loads,
		m.snapshotWrites,
		m.usdtNgnRate,
		m.costPrices,
		m.lastLoad,
	)

	return m
}

// ObserveFetch records one provider call.
func (m *Metrics) ObserveFetch(provider string, outcome domain.Outcome, took time.Duration) {
	if m == nil {
		return
	}

	m.fetches.WithLabelValues(provider, outcome.String()).Inc()
	m.fetchDuration.WithLabelValues(provider).Observe(took.Seconds())
	if outcome == domain.OutcomeRateLimited {
		m.rateLimitHits.WithLabelValues(provider).Inc()
	}
}

// LoadFinished counts an aggregation cycle with result "ok", "skipped" or "failed".
func (m *Metrics) LoadFinished(result string) {
	if m == nil {
		return
	}

	m.loads.WithLabelValues(result).Inc()
}

// SnapshotPersisted counts a historical snapshot write.
func (m *Metrics) SnapshotPersisted() {
	if m == nil {
		return
	}

	m.snapshotWrites.Inc()
}

// SetSnapshot publishes the values of the current snapshot.
func (m *Metrics) SetSnapshot(s domain.RateSnapshot) {
	if m == nil {
		return
	}

	rate, _ := s.UsdtNgnRate.Float64()
	m.usdtNgnRate.Set(rate)
	for c, price := range s.CostPrices {
		v, _ := price.Float64()
		m.costPrices.WithLabelValues(c.String()).Set(v)
	}
	m.lastLoad.Set(float64(s.Timestamp.Unix()))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
