package crawler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aluiziolira/go-catalog-crawler/models"
)

// Metrics bundles Prometheus collectors for a crawl run.
type Metrics struct {
	Registry            *prometheus.Registry
	PagesTotal          *prometheus.CounterVec
	FetchDuration       *prometheus.HistogramVec
	RecordsWrittenTotal *prometheus.CounterVec
	RecordsDroppedTotal *prometheus.CounterVec
	RetriesTotal        *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
	TasksTotal          *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_page_fetches_total",
			Help: "Page fetch attempts by adapter and outcome.",
		},
		[]string{"adapter", "outcome"},
	)
	fetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Latency of adapter page fetches.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adapter"},
	)
	written := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_records_written_total",
			Help: "Records durably written to the sink.",
		},
		[]string{"adapter"},
	)
	dropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_records_dropped_total",
			Help: "Records dropped before the sink by reason.",
		},
		[]string{"adapter", "reason"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Page fetch retries by adapter and cause.",
		},
		[]string{"adapter", "cause"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_errors_total",
			Help: "Adapter errors by type.",
		},
		[]string{"adapter", "error_type"},
	)
	tasks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_tasks_total",
			Help: "Finished crawl tasks by terminal status.",
		},
		[]string{"status"},
	)

	registry.MustRegister(pages, fetchDuration, written, dropped, retries, errorsTotal, tasks)

	return &Metrics{
		Registry:            registry,
		PagesTotal:          pages,
		FetchDuration:       fetchDuration,
		RecordsWrittenTotal: written,
		RecordsDroppedTotal: dropped,
		RetriesTotal:        retries,
		ErrorsTotal:         errorsTotal,
		TasksTotal:          tasks,
	}
}

// IncPage records the outcome of one fetch attempt.
func (m *Metrics) IncPage(adapter, outcome string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(adapter, outcome).Inc()
}

// ObserveDuration records a fetch duration.
func (m *Metrics) ObserveDuration(adapter string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(adapter).Observe(d.Seconds())
}

// AddWritten adds to the records written counter.
func (m *Metrics) AddWritten(adapter string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsWrittenTotal.WithLabelValues(adapter).Add(float64(n))
}

// IncDropped increments the dropped counter for a reason label.
func (m *Metrics) IncDropped(adapter, reason string) {
	if m == nil {
		return
	}
	m.RecordsDroppedTotal.WithLabelValues(adapter, reason).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries(adapter, cause string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(adapter, cause).Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(adapter, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(adapter, errorType).Inc()
}

// IncTask counts a finished task.
func (m *Metrics) IncTask(status models.TaskStatus) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(string(status)).Inc()
}
