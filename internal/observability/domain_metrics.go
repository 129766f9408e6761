package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_validation_rejections_total",
			Help: "Total number of generated queries rejected by the validator, by stage.",
		},
		[]string{"stage"},
	)
	generationCacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_generation_cache_events_total",
			Help: "Generation cache lookups by outcome.",
		},
		[]string{"outcome"},
	)
	resultCacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_result_cache_events_total",
			Help: "Result cache lookups by outcome.",
		},
		[]string{"outcome"},
	)
	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_rate_limited_total",
			Help: "Total number of requests refused by the rate limiter.",
		},
	)
	cacheDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_cache_degraded_total",
			Help: "Total number of cache store operations that degraded to a miss or no-op.",
		},
		[]string{"op"},
	)
	queryExecutionSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askdb_query_execution_seconds",
			Help:    "Warehouse query execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status"},
	)
	completionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_completion_requests_total",
			Help: "Calls to the external completion service by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		validationRejectionsTotal,
		generationCacheEventsTotal,
		resultCacheEventsTotal,
		rateLimitedTotal,
		cacheDegradedTotal,
		queryExecutionSeconds,
		completionRequestsTotal,
	)
}

func IncValidationRejected(stage string) {
	validationRejectionsTotal.WithLabelValues(stage).Inc()
}

func ObserveGenerationCache(hit bool) {
	generationCacheEventsTotal.WithLabelValues(cacheOutcome(hit)).Inc()
}

func ObserveResultCache(hit bool) {
	resultCacheEventsTotal.WithLabelValues(cacheOutcome(hit)).Inc()
}

func IncRateLimited() {
	rateLimitedTotal.Inc()
}

func IncCacheDegraded(op string) {
	cacheDegradedTotal.WithLabelValues(op).Inc()
}

func ObserveQueryExecution(elapsed time.Duration, success bool) {
	status := "error"
	if success {
		status = "ok"
	}
	queryExecutionSeconds.WithLabelValues(status).Observe(elapsed.Seconds())
}

func ObserveCompletionRequest(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	completionRequestsTotal.WithLabelValues(outcome).Inc()
}

func cacheOutcome(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
