// Package metrics exposes Prometheus collectors for the evaluation
// pipeline and cluster plumbing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all collectors behind a private registry so tests can
// instantiate it more than once without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	SubmissionsTotal  *prometheus.CounterVec
	WouldBlockTotal   *prometheus.CounterVec
	ShortCircuitTotal *prometheus.CounterVec
	DetectorScore     *prometheus.HistogramVec
	DecisionScore     prometheus.Histogram
	DecisionDuration  prometheus.Histogram
	TokensIssued      prometheus.Counter
	ConfigSyncTotal   *prometheus.CounterVec
	CounterSyncTotal  *prometheus.CounterVec
	HeartbeatFailures prometheus.Counter
	WebhookDeliveries *prometheus.CounterVec
	AuditRowsFlushed  prometheus.Counter
	LeaderGauge       prometheus.Gauge
	KnownPeers        prometheus.Gauge
	CounterStoreSize  prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: registry,

		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_submissions_total",
				Help: "Total number of evaluated submissions",
			},
			[]string{"vhost", "outcome"},
		),

		WouldBlockTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_would_block_total",
				Help: "Monitoring-mode submissions that blocking mode would have denied",
			},
			[]string{"vhost"},
		),

		ShortCircuitTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_short_circuit_total",
				Help: "Submissions force-blocked by a single detector",
			},
			[]string{"detector"},
		),

		DetectorScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formgate_detector_score",
				Help:    "Score contributed per detector run",
				Buckets: []float64{0, 0.5, 1, 2, 4, 6, 8, 12, 20},
			},
			[]string{"detector"},
		),

		DecisionScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "formgate_decision_score",
				Help:    "Aggregate spam score per decision",
				Buckets: []float64{0, 1, 2.5, 5, 7.5, 10, 15, 25, 50},
			},
		),

		DecisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "formgate_decision_duration_seconds",
				Help:    "Time spent evaluating one submission",
				Buckets: prometheus.DefBuckets,
			},
		),

		TokensIssued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "formgate_form_tokens_issued_total",
				Help: "Form tokens minted for clients",
			},
		),

		ConfigSyncTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_config_sync_total",
				Help: "Configuration snapshot sync attempts",
			},
			[]string{"result"},
		),

		CounterSyncTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_counter_sync_total",
				Help: "Counter replication batches exchanged with peers",
			},
			[]string{"direction", "result"},
		),

		HeartbeatFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "formgate_heartbeat_failures_total",
				Help: "Cluster heartbeat writes that failed",
			},
		),

		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_webhook_deliveries_total",
				Help: "Webhook notification attempts",
			},
			[]string{"result"},
		),

		AuditRowsFlushed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "formgate_audit_rows_flushed_total",
				Help: "Decision rows persisted to the audit trail",
			},
		),

		LeaderGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "formgate_cluster_leader",
				Help: "1 when this instance holds the cluster lease",
			},
		),

		KnownPeers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "formgate_cluster_known_peers",
				Help: "Registered peer instances, excluding self",
			},
		),

		CounterStoreSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "formgate_counter_store_entries",
				Help: "Live sliding-window counter entries in memory",
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision records the per-decision collectors in one place so
// callers cannot forget half of them.
func (m *Metrics) ObserveDecision(vhostID, outcome, shortCircuit string, score float64, wouldBlock bool, dur time.Duration) {
	m.SubmissionsTotal.WithLabelValues(vhostID, outcome).Inc()
	m.DecisionScore.Observe(score)
	m.DecisionDuration.Observe(dur.Seconds())
	if wouldBlock {
		m.WouldBlockTotal.WithLabelValues(vhostID).Inc()
	}
	if shortCircuit != "" {
		m.ShortCircuitTotal.WithLabelValues(shortCircuit).Inc()
	}
}
