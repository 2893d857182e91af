package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProvisionDurationSeconds tracks how long orchestrator activations take.
	ProvisionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_provision_duration_seconds",
			Help:    "Duration of instance activations in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"challenge_id"},
	)

	// TerminateDurationSeconds tracks how long orchestrator stops take.
	TerminateDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_terminate_duration_seconds",
			Help:    "Duration of instance terminations in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"challenge_id"},
	)

	// ProvisionOpsTotal counts provision calls by challenge and outcome code.
	// result is "success" or the failure code.
	ProvisionOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_provision_ops_total",
			Help: "Total number of provision operations by challenge and result",
		},
		[]string{"challenge_id", "result"},
	)

	// TerminateOpsTotal counts terminate calls by outcome code.
	TerminateOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_terminate_ops_total",
			Help: "Total number of terminate operations by result",
		},
		[]string{"result"},
	)

	// ProvisionReusedTotal counts provision calls answered with an existing live instance.
	ProvisionReusedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_provision_reused_total",
			Help: "Total number of provision calls that returned an already active instance",
		},
		[]string{"challenge_id"},
	)

	// ExtendOpsTotal counts successful extensions.
	ExtendOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_extend_ops_total",
			Help: "Total number of successful instance extension operations",
		},
		[]string{"challenge_id"},
	)

	// ExtendRejectedTotal counts rejected extension requests by reason.
	// reason: window_not_reached | no_extensions_left | already_expired | not_running | unknown
	ExtendRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_extend_rejected_total",
			Help: "Total number of rejected instance extension requests by reason",
		},
		[]string{"challenge_id", "reason"},
	)

	// RateLimitedTotal counts requests denied by the rate limiter.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_ratelimit_denied_total",
			Help: "Total number of requests denied by the rate limiter",
		},
		[]string{"class"},
	)

	// RateLimiterErrorsTotal counts limiter failures that were let through.
	RateLimiterErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_ratelimit_errors_total",
			Help: "Total number of rate limiter backend errors (requests allowed)",
		},
		[]string{"class"},
	)

	// ExpiredTotal counts instances reclaimed because their expiry passed.
	ExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_expired_total",
			Help: "Total number of instances terminated on expiry",
		},
	)

	// ReconcileActionsTotal counts what the reconciler did.
	// action: activated | retry_failed | failed | stopped | lost | skipped
	ReconcileActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_reconcile_actions_total",
			Help: "Total number of reconciliation actions by type",
		},
		[]string{"action"},
	)

	// JobRetriesTotal counts worker job retries due to transient errors.
	JobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_job_retries_total",
			Help: "Total number of worker job retries due to transient errors",
		},
		[]string{"job_type"},
	)

	// JobPermanentFailuresTotal counts jobs that failed permanently (exhausted retries or non-transient error).
	JobPermanentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_job_permanent_failures_total",
			Help: "Total number of worker jobs that failed permanently",
		},
		[]string{"job_type"},
	)

	// InstanceLifetimeSeconds tracks the time from creation to termination.
	InstanceLifetimeSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_instance_lifetime_seconds",
			Help:    "Total lifetime of an instance from creation to termination",
			Buckets: []float64{5 * 60, 15 * 60, 30 * 60, 60 * 60, 2 * 3600, 4 * 3600, 8 * 3600, 24 * 3600},
		},
		[]string{"challenge_id"},
	)

	// JobQueueWaitSeconds tracks how long jobs wait in the Redis queue before
	// being picked up by a worker.
	JobQueueWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_job_queue_wait_seconds",
			Help:    "Time jobs spend waiting in the Redis queue before processing",
			Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"job_type"},
	)

	// EventsPublishFailuresTotal counts lifecycle events that could not be published.
	EventsPublishFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_events_publish_failures_total",
			Help: "Total number of lifecycle events that failed to publish",
		},
	)

	// ChallengesIndexed reports how many challenges are currently indexed per category.
	ChallengesIndexed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_challenges_indexed",
			Help: "Number of challenges currently indexed per category",
		},
		[]string{"category"},
	)
)

// SetChallengesIndexed resets and repopulates the ChallengesIndexed gauge from
// a category → count map. Removed categories disappear.
func SetChallengesIndexed(categoryCounts map[string]int) {
	ChallengesIndexed.Reset()
	for cat, count := range categoryCounts {
		ChallengesIndexed.WithLabelValues(cat).Set(float64(count))
	}
}
