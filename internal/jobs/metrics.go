package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	lastSuccess   *prometheus.GaugeVec
	alerts        *prometheus.CounterVec
	checkFailures *prometheus.CounterVec
	skipped       *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the run and returns err untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	now := time.Now()
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	} else {
		t.metrics.lastSuccess.WithLabelValues(t.job).Set(float64(now.Unix()))
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(now.Sub(t.start).Seconds())
	return err
}

// AddAlerts increments the alert counter for the supplied type, severity and
// store.
func (m *Metrics) AddAlerts(alertType, severity string, storeID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	store := "0"
	if storeID > 0 {
		store = formatInt(storeID)
	}
	m.alerts.WithLabelValues(alertType, severity, store).Add(float64(count))
}

// CheckFailed counts a detector check that errored and was skipped.
func (m *Metrics) CheckFailed(check string) {
	if m == nil {
		return
	}
	m.checkFailures.WithLabelValues(check).Inc()
}

// ScanSkipped counts a store scan that did not run.
func (m *Metrics) ScanSkipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockwatch_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	lastSuccess := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stockwatch_job_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run per job.",
	}, []string{"job"})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_variance_alerts_total",
		Help: "Variance alerts raised grouped by type, severity and store.",
	}, []string{"type", "severity", "store"})
	checkFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_variance_check_failures_total",
		Help: "Detector checks that failed and were skipped.",
	}, []string{"check"})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_variance_scans_skipped_total",
		Help: "Store scans not run, by reason.",
	}, []string{"reason"})
	registerer.MustRegister(runs, failures, duration, lastSuccess, alerts, checkFailures, skipped)
	return &Metrics{
		runs:          runs,
		failures:      failures,
		duration:      duration,
		lastSuccess:   lastSuccess,
		alerts:        alerts,
		checkFailures: checkFailures,
		skipped:       skipped,
	}
}
