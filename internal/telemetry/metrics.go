package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Submissions             = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobsync_submissions_total", Help: "Job submissions by kind and outcome"}, []string{"kind", "outcome"})
	Cancellations           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobsync_cancellations_total", Help: "Cancel requests by kind and outcome"}, []string{"kind", "outcome"})
	RateLimitRejects        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobsync_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	SnapshotsReceived       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobsync_snapshots_total", Help: "Store pushes received"}, []string{"kind"})
	NotificationsShown      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobsync_notifications_shown_total", Help: "Notifications shown by severity"}, []string{"kind", "severity"})
	NotificationsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobsync_notifications_suppressed_total", Help: "Pushes that did not change the announced status"}, []string{"kind"})
	ActiveJobs              = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobsync_active_jobs", Help: "Sessions with a job in flight"}, []string{"kind"})
	WorkerTransitions       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobsync_devworker_transitions_total", Help: "Status writes made by the dev worker"}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Submissions,
			Cancellations,
			RateLimitRejects,
			SnapshotsReceived,
			NotificationsShown,
			NotificationsSuppressed,
			ActiveJobs,
			WorkerTransitions,
		)
	})
	return promhttp.Handler()
}
