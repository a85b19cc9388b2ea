package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ridepay"

// Metrics holds the counters exported on /metrics. Each instance owns its
// registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	TransfersTotal   *prometheus.CounterVec
	DepositsTotal    *prometheus.CounterVec
	WebhooksTotal    *prometheus.CounterVec
	WebhookAnomalies *prometheus.CounterVec
	ExpiredTotal     prometheus.Counter
	SweepRunsTotal   *prometheus.CounterVec
}

// New registers the service metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transfer",
				Name:      "requests_total",
				Help:      "Internal payments partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		DepositsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "deposits_total",
				Help:      "Deposit initiations partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "notifications_total",
				Help:      "Gateway notifications partitioned by reconciliation outcome.",
			},
			[]string{"outcome"},
		),
		WebhookAnomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "anomalies_total",
				Help:      "Notifications needing operator attention, by kind.",
			},
			[]string{"kind"},
		),
		ExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "expired_total",
				Help:      "Pending transactions failed after the expiry window.",
			},
		),
		SweepRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "runs_total",
				Help:      "Sweeper runs partitioned by result.",
			},
			[]string{"result"},
		),
	}
}
