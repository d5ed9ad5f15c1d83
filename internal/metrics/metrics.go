package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the rotation engine.
type Metrics struct {
	// Rotation metrics
	Rotations        *prometheus.CounterVec
	RotationDuration *prometheus.HistogramVec

	// Event ingestion metrics
	Events *prometheus.CounterVec

	// Attribution metrics
	AttributionLookups *prometheus.CounterVec

	// Catalog client metrics
	CatalogCalls   *prometheus.CounterVec
	CatalogLatency *prometheus.HistogramVec

	// System metrics
	ActiveExperiments prometheus.Gauge
	DBConnections     *prometheus.GaugeVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Rotations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rotations_total",
				Help:      "Total rotation attempts by trigger and outcome",
			},
			[]string{"trigger", "success"},
		),
		RotationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rotation_duration_seconds",
				Help:      "Wall time of a single rotation including catalog calls",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"trigger"},
		),

		Events: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Ingested events by type and outcome",
			},
			[]string{"event_type", "status"},
		),

		AttributionLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_lookups_total",
				Help:      "Active-case lookups by cache outcome",
			},
			[]string{"result"}, // hit, miss, inactive
		),

		CatalogCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_calls_total",
				Help:      "Catalog API calls by operation and status",
			},
			[]string{"operation", "status"},
		),
		CatalogLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "catalog_latency_seconds",
				Help:      "Catalog API call latency",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),

		ActiveExperiments: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_experiments",
				Help:      "Number of RUNNING experiments",
			},
		),
		DBConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"}, // idle, in_use, total
		),

		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit rejections",
			},
			[]string{"endpoint", "ip"},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRotation records one rotation attempt and its duration.
func (m *Metrics) RecordRotation(trigger string, success bool, d time.Duration) {
	m.Rotations.WithLabelValues(trigger, strconv.FormatBool(success)).Inc()
	m.RotationDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// RecordEvent records an ingested event outcome.
func (m *Metrics) RecordEvent(eventType, status string) {
	m.Events.WithLabelValues(eventType, status).Inc()
}

// RecordAttributionLookup records an active-case lookup outcome.
func (m *Metrics) RecordAttributionLookup(result string) {
	m.AttributionLookups.WithLabelValues(result).Inc()
}

// RecordCatalogCall records one catalog API call.
func (m *Metrics) RecordCatalogCall(operation string, err error, latency time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CatalogCalls.WithLabelValues(operation, status).Inc()
	m.CatalogLatency.WithLabelValues(operation).Observe(latency.Seconds())
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}

// UpdateActiveExperiments updates the RUNNING experiment count.
func (m *Metrics) UpdateActiveExperiments(n int) {
	m.ActiveExperiments.Set(float64(n))
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint, ip string) {
	m.RateLimitHits.WithLabelValues(endpoint, ip).Inc()
}
