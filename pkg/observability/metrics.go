package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session manager metrics
	commitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionstore_commits_total",
			Help: "Checkpoint commits by result",
		},
		[]string{"result"},
	)

	commitRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionstore_commit_retries_total",
			Help: "Single explicit commit retries by reason",
		},
		[]string{"reason"},
	)

	sessionsOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionstore_sessions_opened_total",
			Help: "Sessions opened, by outcome (created or resumed)",
		},
		[]string{"outcome"},
	)

	// Tier metrics
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionstore_cache_lookups_total",
			Help: "Cache tier lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	cacheMirrorFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionstore_cache_mirror_failures_total",
			Help: "Cache writes that failed after a durable commit",
		},
	)

	tierCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionstore_tier_call_duration_seconds",
			Help:    "Storage tier call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier", "op", "class"},
	)

	corruptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionstore_corruptions_total",
			Help: "Detected checkpoint chain or payload corruptions",
		},
	)

	// Resilience metrics
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessionstore_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	breakerRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionstore_breaker_rejections_total",
			Help: "Calls failed fast by an open breaker",
		},
		[]string{"breaker"},
	)

	// Retention metrics
	sweepActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionstore_retention_actions_total",
			Help: "Retention actions by policy, action and result",
		},
		[]string{"policy", "action", "result"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionstore_retention_sweep_duration_seconds",
			Help:    "Retention sweep duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	lastSweepSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionstore_retention_last_success_timestamp_seconds",
			Help: "Unix time of the last sweep that completed without a fatal error",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			commitsTotal,
			commitRetriesTotal,
			sessionsOpenedTotal,
			cacheLookupsTotal,
			cacheMirrorFailuresTotal,
			tierCallDuration,
			corruptionsTotal,
			breakerState,
			breakerRejectionsTotal,
			sweepActionsTotal,
			sweepDuration,
			lastSweepSuccess,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordCommit records a commit outcome (committed, conflict, closed, unavailable, corruption, error).
func RecordCommit(result string) {
	commitsTotal.WithLabelValues(result).Inc()
}

// RecordCommitRetry records the manager's single explicit retry.
func RecordCommitRetry(reason string) {
	commitRetriesTotal.WithLabelValues(reason).Inc()
}

// RecordSessionOpened records an OpenOrResume outcome.
func RecordSessionOpened(outcome string) {
	sessionsOpenedTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup records a cache hit, miss or error.
func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCacheMirrorFailure counts a swallowed cache write failure.
func RecordCacheMirrorFailure() {
	cacheMirrorFailuresTotal.Inc()
}

// RecordTierCall records the duration of one storage tier call.
func RecordTierCall(tier, op, class string, duration time.Duration) {
	tierCallDuration.WithLabelValues(tier, op, class).Observe(duration.Seconds())
}

// RecordCorruption counts a detected corruption.
func RecordCorruption() {
	corruptionsTotal.Inc()
}

// SetBreakerState publishes a breaker's state.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerRejection counts a fail-fast rejection.
func RecordBreakerRejection(name string) {
	breakerRejectionsTotal.WithLabelValues(name).Inc()
}

// RecordRetentionAction records one per-session retention action.
func RecordRetentionAction(policy, action, result string) {
	sweepActionsTotal.WithLabelValues(policy, action, result).Inc()
}

// RecordSweep records a finished sweep.
func RecordSweep(duration time.Duration, succeeded bool, at time.Time) {
	sweepDuration.Observe(duration.Seconds())
	if succeeded {
		lastSweepSuccess.Set(float64(at.Unix()))
	}
}
