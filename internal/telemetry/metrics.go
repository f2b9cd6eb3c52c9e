package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "guard_tasks_enqueued_total", Help: "Tasks accepted by the webhook"})
	QueueFullRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "guard_tasks_queue_full_total", Help: "Webhook requests rejected because the queue was full"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "guard_rate_limit_rejects_total", Help: "Webhook requests rejected by the rate limiter"})
	TaskOutcomes     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "guard_tasks_finished_total", Help: "Tasks reaching a terminal status"}, []string{"status", "kind"})
	LockTimeouts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "guard_browser_lock_timeouts_total", Help: "Browser lock acquisitions that timed out"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "guard_queue_depth", Help: "Tasks waiting in the queue"})
	ActiveWorkers    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "guard_active_workers", Help: "Workers currently processing a task"})
	BrowserInUse     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "guard_browser_in_use", Help: "1 while a worker holds the browser lock"})
	LockWait         = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guard_browser_lock_wait_seconds",
		Help:    "Time spent waiting for the browser lock",
		Buckets: []float64{0.01, 0.1, 1, 10, 30, 60, 120, 300, 600},
	})
	DriverDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guard_driver_duration_seconds",
		Help:    "Wall time of automation driver runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			QueueFullRejects,
			RateLimitRejects,
			TaskOutcomes,
			LockTimeouts,
			QueueDepthGauge,
			ActiveWorkers,
			BrowserInUse,
			LockWait,
			DriverDuration,
		)
	})
	return promhttp.Handler()
}
