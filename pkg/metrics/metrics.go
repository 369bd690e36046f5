package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lock metrics
	LockAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rackpatch_lock_acquire_total",
			Help: "Lock acquisition attempts by lock kind and result",
		},
		[]string{"lock", "result"},
	)

	LockReleaseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rackpatch_lock_release_total",
			Help: "Lock releases by lock kind and result",
		},
		[]string{"lock", "result"},
	)

	// Store metrics
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rackpatch_store_retries_total",
			Help: "Failed store statement groups by error class",
		},
		[]string{"class"},
	)

	StoreReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rackpatch_store_reconnects_total",
			Help: "Number of times the store connection was recreated",
		},
	)

	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rackpatch_requests_total",
			Help: "Requests that reached a status",
		},
		[]string{"status"},
	)

	StepProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rackpatch_step_progress_percent",
			Help: "Plan progress of running requests",
		},
		[]string{"request"},
	)

	// Dispatcher metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rackpatch_dispatch_latency_seconds",
			Help:    "Time from request submission to worker assignment",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900},
		},
	)

	// Janitor metrics
	JanitorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rackpatch_janitor_cycle_duration_seconds",
			Help:    "Duration of janitor cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	JanitorRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rackpatch_janitor_rows_total",
			Help: "Rows handled by the janitor by action",
		},
		[]string{"action"},
	)

	// Event broker metrics
	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rackpatch_events_dropped",
			Help: "Events dropped on a full broker queue or subscriber buffer",
		},
	)
)

func init() {
	prometheus.MustRegister(LockAcquireTotal)
	prometheus.MustRegister(LockReleaseTotal)
	prometheus.MustRegister(StoreErrorsTotal)
	prometheus.MustRegister(StoreReconnectsTotal)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(StepProgress)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(JanitorCycleDuration)
	prometheus.MustRegister(JanitorRowsTotal)
	prometheus.MustRegister(EventsDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds in h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
