package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of jobs claimed by the worker",
		},
		[]string{"provider"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"provider"},
	)
	JobsSucceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_succeeded_total",
			Help: "Total number of jobs settled as succeeded",
		},
		[]string{"provider"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of failed job attempts",
		},
		[]string{"provider"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead letter table",
		},
		[]string{"provider"},
	)
	JobAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_attempt_duration_seconds",
			Help:    "Provider execution duration per job attempt in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
		},
		[]string{"provider"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_queue_depth",
			Help: "Number of jobs currently queued",
		},
	)
	WorkerHeartbeatTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_heartbeat_timestamp_seconds",
			Help: "Unix timestamp of the last worker heartbeat",
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stripe_webhook_events_total",
			Help: "Total number of Stripe webhook events by outcome",
		},
		[]string{"status"},
	)

	LoginThrottledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "login_throttled_total",
			Help: "Total number of login attempts rejected by the rate limiter",
		},
	)

	SLAAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sla_alerts_total",
			Help: "Total number of P1 SLA alerts sent",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsSucceededTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(JobAttemptDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkerHeartbeatTimestamp)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(LoginThrottledTotal)
	prometheus.MustRegister(SLAAlertsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func ClaimJob(provider string) {
	JobsClaimedTotal.WithLabelValues(provider).Inc()
	JobsProcessing.WithLabelValues(provider).Inc()
}

func CompleteJob(provider string, dur time.Duration) {
	JobsProcessing.WithLabelValues(provider).Dec()
	JobsSucceededTotal.WithLabelValues(provider).Inc()
	JobAttemptDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

func FailJob(provider string, dur time.Duration) {
	JobsProcessing.WithLabelValues(provider).Dec()
	JobsFailedTotal.WithLabelValues(provider).Inc()
	JobAttemptDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

func DeadLetterJob(provider string) {
	JobsDeadLetteredTotal.WithLabelValues(provider).Inc()
}

func Heartbeat(at time.Time) {
	WorkerHeartbeatTimestamp.Set(float64(at.Unix()))
}

// ObserveWebhook records a webhook outcome (processed, duplicate, ignored,
// failed).
func ObserveWebhook(status string) {
	WebhookEventsTotal.WithLabelValues(status).Inc()
}
