package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_http_request_duration_seconds",
			Help:    "Histogram of response durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// Deliveries counts one outcome per recipient attempt.
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_deliveries_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	ProviderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_provider_duration_seconds",
			Help:    "Latency of provider calls",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"provider"},
	)

	Jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_total",
			Help: "Queue jobs by queue and outcome (completed, retried, failed)",
		},
		[]string{"queue", "outcome"},
	)

	WorkflowExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_workflow_executions_total",
			Help: "Workflow executions reaching a terminal status",
		},
		[]string{"status"},
	)

	RateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	HookDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_hook_dispatch_total",
			Help: "Outcome hook POSTs by result",
		},
		[]string{"outcome"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests,
			RequestDuration,
			Deliveries,
			ProviderDuration,
			Jobs,
			WorkflowExecutions,
			RateLimitRejections,
			HookDispatch,
		)
	})
}
