package pkg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP layer metrics; workflow metrics live in pkg/metrics.
var (
	forbiddenAdminRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_forbidden_admin_requests_total",
			Help: "Total number of admin requests from non-admin users",
		},
		[]string{"user_id"},
	)
	invalidRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_invalid_requests_total",
			Help: "Total number of rejected malformed requests per route",
		},
		[]string{"route"},
	)
	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_auth_failures_total",
		Help: "Total number of requests rejected for a missing or invalid token",
	})
)
