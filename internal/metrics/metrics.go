// Package metrics exposes Prometheus collectors for sync cycles and document jobs.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncRunsTotal        *prometheus.CounterVec
	recordsIngestedTotal *prometheus.CounterVec
	upsertsTotal         *prometheus.CounterVec
	pdfJobsTotal         *prometheus.CounterVec
	jobDurationSeconds   prometheus.Histogram
	fetchDurationSeconds *prometheus.HistogramVec
	tasksTotal           *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors. Safe to call repeatedly.
func Init() {
	once.Do(func() {
		syncRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundingfinder_sync_runs_total",
				Help: "Source sync runs, labeled by source and outcome.",
			},
			[]string{"source", "status"},
		)

		recordsIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundingfinder_records_ingested_total",
				Help: "Normalized records upserted, labeled by source.",
			},
			[]string{"source"},
		)

		upsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundingfinder_upserts_total",
				Help: "Upsert outcomes: inserted, updated or unchanged.",
			},
			[]string{"result"},
		)

		pdfJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundingfinder_pdf_jobs_total",
				Help: "Document jobs by terminal or enqueue status.",
			},
			[]string{"status"},
		)

		jobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fundingfinder_job_duration_seconds",
				Help:    "Wall time spent processing one document job.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fundingfinder_fetch_duration_seconds",
				Help:    "Outbound fetch latency by fetch kind.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundingfinder_tasks_total",
				Help: "Scheduler tasks processed, labeled by type and status.",
			},
			[]string{"type", "status"},
		)
	})
}

// Host reduces a URL to its lowercase hostname so label cardinality stays bounded.
func Host(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveSyncRun records the outcome of one source within a cycle.
func ObserveSyncRun(source, status string, ingested int) {
	Init()
	syncRunsTotal.WithLabelValues(source, status).Inc()
	if ingested > 0 {
		recordsIngestedTotal.WithLabelValues(source).Add(float64(ingested))
	}
}

// ObserveUpsert records whether an upsert inserted, changed or left a record alone.
func ObserveUpsert(result string) {
	Init()
	upsertsTotal.WithLabelValues(result).Inc()
}

// ObserveJob records a document job status transition.
func ObserveJob(status string) {
	Init()
	pdfJobsTotal.WithLabelValues(status).Inc()
}

// ObserveJobDuration records how long a job took.
func ObserveJobDuration(d time.Duration) {
	Init()
	jobDurationSeconds.Observe(d.Seconds())
}

// ObserveFetch records an outbound request latency.
func ObserveFetch(kind string, d time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveTask records a scheduler task outcome.
func ObserveTask(taskType, status string) {
	Init()
	tasksTotal.WithLabelValues(taskType, status).Inc()
}
