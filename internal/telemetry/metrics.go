package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TicketsIssued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "segments_tickets_issued_total", Help: "Tickets leased to workers"})
	NoEligibleSegment   = prometheus.NewCounter(prometheus.CounterOpts{Name: "segments_no_eligible_total", Help: "Ticket requests refused because every segment is leased or completed"})
	SubmissionsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "segments_submissions_accepted_total", Help: "Accepted submissions by status"}, []string{"status"})
	SubmissionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "segments_submissions_rejected_total", Help: "Rejected ticket submissions by reason"}, []string{"reason"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "segments_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	SummaryCacheHits    = prometheus.NewCounter(prometheus.CounterOpts{Name: "segments_summary_cache_hits_total", Help: "Summaries served from cache"})
	WorkerCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_segments_completed_total", Help: "Segments computed and accepted by this worker"})
	WorkerFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_segments_failed_total", Help: "Segments this worker failed to compute or submit"})
	WorkerInFlight      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_segments_inflight", Help: "Segments currently leased by this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TicketsIssued,
			NoEligibleSegment,
			SubmissionsAccepted,
			SubmissionsRejected,
			RateLimitRejects,
			SummaryCacheHits,
			WorkerCompleted,
			WorkerFailures,
			WorkerInFlight,
		)
	})
	return promhttp.Handler()
}
