package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors shared by the payment and campaign services.
// Each service owns its own registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	ReconcileOutcomes    *prometheus.CounterVec
	ReconcileDuration    prometheus.Histogram
	WebhookReceived      *prometheus.CounterVec
	WebhookRejected      *prometheus.CounterVec
	WebhookReleased      *prometheus.CounterVec
	BroadcastFailures    prometheus.Counter
	DeadLetters          prometheus.Counter
	ProviderCallDuration *prometheus.HistogramVec
	TrendingBatch        *prometheus.CounterVec
	TrendingLastRun      prometheus.Gauge
}

func New(namespace string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ReconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_outcomes_total",
			Help:      "Reconciliation results by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Wall time of one reconciliation, provider call included.",
			Buckets:   prometheus.DefBuckets,
		}),
		WebhookReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_received_total",
			Help:      "Verified webhook events by provider and kind.",
		}, []string{"provider", "kind"}),
		WebhookRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejected_total",
			Help:      "Webhook requests rejected before processing.",
		}, []string{"provider", "reason"}),
		WebhookReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_released_total",
			Help:      "Accepted webhook events dropped by the queue and opened for redelivery.",
		}, []string{"provider"}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Funding updates that could not be published.",
		}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_dead_letters_total",
			Help:      "Webhook events that exhausted their retries.",
		}),
		ProviderCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of calls to payment providers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		TrendingBatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trending_campaigns_total",
			Help:      "Campaigns visited by the trending scorer, by result.",
		}, []string{"result"}),
		TrendingLastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trending_last_run_timestamp_seconds",
			Help:      "Unix time of the last completed trending batch.",
		}),
	}
	m.Registry.MustRegister(
		m.ReconcileOutcomes,
		m.ReconcileDuration,
		m.WebhookReceived,
		m.WebhookRejected,
		m.WebhookReleased,
		m.BroadcastFailures,
		m.DeadLetters,
		m.ProviderCallDuration,
		m.TrendingBatch,
		m.TrendingLastRun,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
