// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests by route pattern, method and status.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// WebhookDeliveriesTotal counts webhook deliveries by provider and outcome
	// (ignored, accepted, rejected).
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of webhook deliveries by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// ExecutionsStartedTotal counts start attempts by reason and stored result.
	ExecutionsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executions_started_total",
			Help: "Total number of pipeline start attempts.",
		},
		[]string{"reason", "result"},
	)

	// EngineCommandFailuresTotal counts failed engine commands by label and
	// whether the failure survived the relogin retry.
	EngineCommandFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_command_failures_total",
			Help: "Total number of failed engine CLI commands.",
		},
		[]string{"command", "terminal"},
	)

	// WatchdogRunsTotal counts reconciliation runs by outcome (completed, skipped, aborted).
	WatchdogRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_runs_total",
			Help: "Total number of watchdog reconciliation runs.",
		},
		[]string{"outcome"},
	)

	// WatchdogRemediationsTotal counts per-execution remediation decisions.
	WatchdogRemediationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_remediations_total",
			Help: "Total number of executions remediated by the watchdog.",
		},
		[]string{"case"},
	)

	// WatchdogRunDuration observes how long a reconciliation run takes.
	WatchdogRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchdog_run_duration_seconds",
			Help:    "Duration of watchdog reconciliation runs.",
			Buckets: prometheus.DefBuckets,
		},
	)
)
