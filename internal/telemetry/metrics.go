package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "hubsync_jobs_enqueued_total", Help: "Refresh jobs enqueued"})
	DedupeCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "hubsync_jobs_deduped_total", Help: "Enqueues dropped because an active job already holds the dedupe key"})
	ClaimCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "hubsync_jobs_claimed_total", Help: "Jobs claimed by workers"})
	SuccessCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "hubsync_jobs_succeeded_total", Help: "Jobs completed successfully"})
	RetryCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "hubsync_jobs_retried_total", Help: "Jobs that failed and were scheduled for retry"})
	DeadLetterCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "hubsync_jobs_dead_lettered_total", Help: "Jobs that exhausted their attempts"})
	ReclaimCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "hubsync_jobs_reclaimed_total", Help: "Running jobs recovered by the lease-expiry sweep"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "hubsync_rate_limit_rejects_total", Help: "Refresh requests rejected by the per-user budget"})
	CacheHits         = prometheus.NewCounter(prometheus.CounterOpts{Name: "hubsync_cache_hits_total", Help: "Cache reads that found an entry"})
	CacheMisses       = prometheus.NewCounter(prometheus.CounterOpts{Name: "hubsync_cache_misses_total", Help: "Cache reads that found nothing"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hubsync_queue_depth", Help: "Pending jobs currently due"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hubsync_jobs_inflight", Help: "Jobs currently running"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DedupeCounter,
			ClaimCounter,
			SuccessCounter,
			RetryCounter,
			DeadLetterCounter,
			ReclaimCounter,
			RateLimitRejects,
			CacheHits,
			CacheMisses,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
