// Package metrics provides Prometheus metrics for sortflow.
//
// Every method is safe to call on a nil *Metrics, so callers can use Get()
// without checking whether Init ran.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for sortflow.
type Metrics struct {
	// Unit metrics
	UnitsRun     *prometheus.CounterVec
	UnitsSkipped *prometheus.CounterVec
	UnitsFailed  *prometheus.CounterVec
	UnitDuration *prometheus.HistogramVec

	// Stream metrics
	RecordsWritten *prometheus.CounterVec
	Spills         *prometheus.CounterVec

	// Scheduler metrics
	ReadyQueueDepth prometheus.Gauge
	InFlightUnits   prometheus.Gauge

	// Error metrics
	StorageErrors *prometheus.CounterVec
	CatalogErrors prometheus.Counter
	RetryAttempts *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the package's global metrics on the default registry.
// Call this once at startup.
func Init(namespace string) *Metrics {
	return InitWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// InitWithRegistry initializes the global metrics on reg.
func InitWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "sortflow"
	}
	factory := promauto.With(reg)

	m := &Metrics{
		UnitsRun: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_run_total",
				Help:      "Total number of (task, partition) units executed",
			},
			[]string{"task"},
		),
		UnitsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_skipped_total",
				Help:      "Total number of units skipped because their ack was current",
			},
			[]string{"task"},
		),
		UnitsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_failed_total",
				Help:      "Total number of units whose runner failed",
			},
			[]string{"task"},
		),
		UnitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Time to run one unit",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~160s
			},
			[]string{"task"},
		),
		RecordsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_written_total",
				Help:      "Total number of records written to outputs",
			},
			[]string{"task", "output"},
		),
		Spills: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spills_total",
				Help:      "Total number of sorted runs spilled to disk",
			},
			[]string{"task", "output"},
		),
		ReadyQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ready_queue_depth",
				Help:      "Current number of units waiting for a worker",
			},
		),
		InFlightUnits: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_units",
				Help:      "Number of units currently running",
			},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of artifact publish errors",
			},
			[]string{"backend"},
		),
		CatalogErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of run history catalog errors",
			},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncUnitsRun increments the units run counter.
func (m *Metrics) IncUnitsRun(task string) {
	if m == nil {
		return
	}
	m.UnitsRun.WithLabelValues(task).Inc()
}

// IncUnitsSkipped increments the units skipped counter.
func (m *Metrics) IncUnitsSkipped(task string) {
	if m == nil {
		return
	}
	m.UnitsSkipped.WithLabelValues(task).Inc()
}

// IncUnitsFailed increments the units failed counter.
func (m *Metrics) IncUnitsFailed(task string) {
	if m == nil {
		return
	}
	m.UnitsFailed.WithLabelValues(task).Inc()
}

// ObserveUnitDuration records the run time of a unit.
func (m *Metrics) ObserveUnitDuration(task string, seconds float64) {
	if m == nil {
		return
	}
	m.UnitDuration.WithLabelValues(task).Observe(seconds)
}

// AddOutputStats records the counters of a closed output.
func (m *Metrics) AddOutputStats(task, output string, records int64, spills int) {
	if m == nil {
		return
	}
	m.RecordsWritten.WithLabelValues(task, output).Add(float64(records))
	m.Spills.WithLabelValues(task, output).Add(float64(spills))
}

// SetReadyQueueDepth sets the number of units waiting for a worker.
func (m *Metrics) SetReadyQueueDepth(depth float64) {
	if m == nil {
		return
	}
	m.ReadyQueueDepth.Set(depth)
}

// SetInFlightUnits sets the number of running units.
func (m *Metrics) SetInFlightUnits(count float64) {
	if m == nil {
		return
	}
	m.InFlightUnits.Set(count)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(backend string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(backend).Inc()
}

// IncCatalogErrors increments the catalog errors counter.
func (m *Metrics) IncCatalogErrors() {
	if m == nil {
		return
	}
	m.CatalogErrors.Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation).Inc()
}
