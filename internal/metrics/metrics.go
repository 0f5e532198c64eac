package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PersonsCreated counts completed intake surveys.
	PersonsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perception_persons_created_total",
		Help: "Persons created through the intake survey",
	})

	// SessionsResolved counts session endpoint calls by outcome
	// (existing, created, rejected).
	SessionsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perception_sessions_resolved_total",
		Help: "Session recoveries by outcome",
	}, []string{"outcome"})

	CredentialChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perception_credential_checks_total",
		Help: "Credential verifications by result",
	}, []string{"result"})

	RatingsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perception_ratings_created_total",
		Help: "Ratings recorded",
	})

	// RatingsUndone counts undo calls; result is "undone" or "empty".
	RatingsUndone = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perception_ratings_undone_total",
		Help: "Undo requests by result",
	}, []string{"result"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perception_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"method", "route", "status"})
)

// CredentialResult maps a verification outcome onto the label used by
// CredentialChecks.
func CredentialResult(ok bool) string {
	if ok {
		return "valid"
	}
	return "invalid"
}
