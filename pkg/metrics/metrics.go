package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "binlift_jobs_total",
			Help: "Current number of jobs by status",
		},
		[]string{"status"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binlift_jobs_completed_total",
			Help: "Finished jobs by outcome and error kind",
		},
		[]string{"outcome", "error_kind"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "binlift_job_duration_seconds",
			Help:    "End-to-end job processing time in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"depth"},
	)

	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "binlift_cache_hits_total",
			Help: "Submissions answered from the result cache",
		},
	)

	// Disassembly metrics
	DisassemblyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "binlift_disassembly_duration_seconds",
			Help:    "Extraction time in seconds by depth",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"depth"},
	)

	// Translation metrics
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binlift_provider_calls_total",
			Help: "LLM provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binlift_provider_tokens_total",
			Help: "Token consumption by provider and direction",
		},
		[]string{"provider", "direction"},
	)

	BreakersOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "binlift_circuit_breakers_open",
			Help: "Circuit breakers currently shedding calls",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binlift_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "binlift_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "binlift_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// Storage metrics
	BlobBytesUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "binlift_blob_bytes_used",
			Help: "Bytes currently held in the blob tier",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(DisassemblyDuration)
	prometheus.MustRegister(ProviderCalls)
	prometheus.MustRegister(ProviderTokens)
	prometheus.MustRegister(BreakersOpen)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(BlobBytesUsed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
