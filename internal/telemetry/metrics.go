package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plexsphere/telexport/internal/failure"
)

// metricsNamespace prefixes every exported metric name.
const metricsNamespace = "telexport"

// Batch outcome label values.
const (
	outcomeSuccess = "success"
	outcomePartial = "partial"
	outcomeFailure = "failure"
)

// Metrics is an Observer that records pipeline events as Prometheus
// collectors registered on a caller-supplied registry.
type Metrics struct {
	reg *prometheus.Registry

	batches         *prometheus.CounterVec
	recordsExported prometheus.Counter
	recordsRejected prometheus.Counter
	exportDuration  prometheus.Histogram
	retries         *prometheus.CounterVec
	authFailures    prometheus.Counter
	recordsDropped  *prometheus.CounterVec
	negotiations    *prometheus.CounterVec
	negotiationTime prometheus.Histogram
}

// NewMetrics creates the pipeline collectors and registers them on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reg: reg,
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_total",
			Help:      "Number of batch exports by outcome.",
		}, []string{"outcome"}),
		recordsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_exported_total",
			Help:      "Number of records accepted by the ingestion service.",
		}),
		recordsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_rejected_total",
			Help:      "Number of records rejected during encoding or by the ingestion service.",
		}),
		exportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "export_duration_seconds",
			Help:      "Time spent exporting one batch, including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upload_retries_total",
			Help:      "Number of upload retries by failure class.",
		}, []string{"class"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_failures_total",
			Help:      "Number of rejected credentials or session tokens.",
		}),
		recordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_dropped_total",
			Help:      "Number of records discarded without export.",
		}, []string{"reason"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_negotiations_total",
			Help:      "Number of upload session negotiations by outcome.",
		}, []string{"outcome"}),
		negotiationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "session_negotiation_duration_seconds",
			Help:      "Time spent negotiating an upload session.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.batches,
		m.recordsExported,
		m.recordsRejected,
		m.exportDuration,
		m.retries,
		m.authFailures,
		m.recordsDropped,
		m.negotiations,
		m.negotiationTime,
	)
	for _, o := range []string{outcomeSuccess, outcomePartial, outcomeFailure} {
		m.batches.WithLabelValues(o).Add(0)
	}
	m.recordsDropped.WithLabelValues(DropBackpressure).Add(0)
	m.recordsDropped.WithLabelValues(DropShutdown).Add(0)
	return m
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) BatchExported(records, rejected int, latency time.Duration, err error) {
	m.exportDuration.Observe(latency.Seconds())
	switch {
	case err != nil:
		m.batches.WithLabelValues(outcomeFailure).Inc()
		return
	case rejected > 0:
		m.batches.WithLabelValues(outcomePartial).Inc()
	default:
		m.batches.WithLabelValues(outcomeSuccess).Inc()
	}
	m.recordsExported.Add(float64(records - rejected))
	m.recordsRejected.Add(float64(rejected))
}

func (m *Metrics) Retry(class failure.Class, _ int, _ time.Duration) {
	m.retries.WithLabelValues(class.String()).Inc()
}

func (m *Metrics) AuthFailure(error) {
	m.authFailures.Inc()
}

func (m *Metrics) RecordsDropped(n int, reason string) {
	m.recordsDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) SessionNegotiated(latency time.Duration, err error) {
	m.negotiationTime.Observe(latency.Seconds())
	if err != nil {
		m.negotiations.WithLabelValues(outcomeFailure).Inc()
		return
	}
	m.negotiations.WithLabelValues(outcomeSuccess).Inc()
}
