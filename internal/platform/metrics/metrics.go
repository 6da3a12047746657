package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for monitoring service health and performance
var (
	DealTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deal_transitions_total",
			Help: "Total number of deal state transitions",
		},
		[]string{"to_status"},
	)

	MilestoneReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milestone_releases_total",
			Help: "Total number of milestone releases by trigger",
		},
		[]string{"trigger"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhook_events_total",
			Help: "Total number of payment provider webhook events received",
		},
		[]string{"event_type", "outcome"},
	)

	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_provider_call_duration_seconds",
			Help:    "Duration of payment provider calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	AutoReleaseJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_release_jobs_total",
			Help: "Total number of auto-release jobs processed by outcome",
		},
		[]string{"outcome"},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(DealTransitionsTotal)
	prometheus.MustRegister(MilestoneReleasesTotal)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(ProviderCallDuration)
	prometheus.MustRegister(AutoReleaseJobsTotal)
}
