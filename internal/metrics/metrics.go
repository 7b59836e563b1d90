package metrics

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Fitness evaluation outcomes (bounded set)
	EvaluationSuccess = "success"
	EvaluationFailure = "failure"
	EvaluationTimeout = "timeout"

	// Bar source error categories (bounded set)
	DataErrorTimeout     = "timeout"
	DataErrorCircuitOpen = "circuit_open"
	DataErrorNotFound    = "not_found"
	DataErrorConnection  = "connection"
	DataErrorParse       = "parse"
	DataErrorOther       = "other"

	// Auto-optimize cycle outcomes (bounded set)
	CycleTriggered = "triggered"
	CycleSkipped   = "skipped"
	CycleError     = "error"
)

// NormalizeDataError maps arbitrary bar source errors to bounded set
func NormalizeDataError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DataErrorTimeout
	}
	if errors.Is(err, fs.ErrNotExist) {
		return DataErrorNotFound
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return DataErrorTimeout
	case strings.Contains(errStr, "circuit breaker") || strings.Contains(errStr, "too many requests"):
		return DataErrorCircuitOpen
	case strings.Contains(errStr, "no such file") || strings.Contains(errStr, "no bars") || strings.Contains(errStr, "not found"):
		return DataErrorNotFound
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "dial"):
		return DataErrorConnection
	case strings.Contains(errStr, "parse") || strings.Contains(errStr, "invalid") || strings.Contains(errStr, "malformed"):
		return DataErrorParse
	default:
		return DataErrorOther
	}
}

// Optimization metrics
var (
	OptimizationRunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labfunk_optimization_runs_started_total",
		Help: "Total number of optimization runs started",
	}, []string{"method"})

	OptimizationRunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labfunk_optimization_runs_finished_total",
		Help: "Total number of optimization runs finished by terminal status",
	}, []string{"method", "status"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labfunk_optimization_active_runs",
		Help: "Number of optimization runs currently in progress",
	})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labfunk_optimization_run_duration_seconds",
		Help:    "Wall-clock duration of optimization runs",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
	}, []string{"method"})

	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labfunk_optimization_generations_total",
		Help: "Total number of completed generations",
	}, []string{"method"})

	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labfunk_fitness_evaluations_total",
		Help: "Total number of fitness evaluations by outcome",
	}, []string{"method", "result"})

	EvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labfunk_fitness_evaluation_duration_ms",
		Help:    "Fitness evaluation duration in milliseconds",
		Buckets: []float64{0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"method"})

	BestFitness = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "labfunk_optimization_best_fitness",
		Help: "Best-ever fitness of the most recent generation by method and objective",
	}, []string{"method", "objective"})

	GenerationSpread = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "labfunk_optimization_top_k_spread",
		Help: "Fitness spread of the top individuals in the most recent generation",
	}, []string{"method"})
)

// Data and infrastructure metrics
var (
	BarsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labfunk_bars_loaded_total",
		Help: "Total number of bars loaded by source",
	}, []string{"source"})

	DataSourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labfunk_data_source_errors_total",
		Help: "Total number of bar source errors by category",
	}, []string{"source", "reason"})

	DataSourceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labfunk_data_source_latency_ms",
		Help:    "Bar source load latency in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000, 5000},
	}, []string{"source"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "labfunk_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	RunStoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labfunk_run_store_operations_total",
		Help: "Total number of run store operations",
	}, []string{"operation", "success"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labfunk_events_published_total",
		Help: "Total number of completion events published",
	}, []string{"subject", "success"})

	AutoOptimizeCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labfunk_auto_optimize_cycles_total",
		Help: "Total number of auto-optimize cycles by outcome",
	}, []string{"outcome"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labfunk_http_requests_total",
		Help: "Total number of HTTP requests served by the metrics endpoint",
	}, []string{"method", "path", "status"})
)

// RecordBarsLoaded records a successful bar load
func RecordBarsLoaded(source string, count int, durationMs float64) {
	BarsLoaded.WithLabelValues(source).Add(float64(count))
	DataSourceLatency.WithLabelValues(source).Observe(durationMs)
}

// RecordDataSourceError records a failed bar load
func RecordDataSourceError(source string, err error) {
	DataSourceErrors.WithLabelValues(source, NormalizeDataError(err)).Inc()
}

// SetCircuitBreakerState records a breaker state transition
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRunStoreOperation records a run store call
func RecordRunStoreOperation(operation string, success bool) {
	RunStoreOperations.WithLabelValues(operation, boolLabel(success)).Inc()
}

// RecordEventPublished records a completion event publish attempt
func RecordEventPublished(subject string, success bool) {
	EventsPublished.WithLabelValues(subject, boolLabel(success)).Inc()
}

// RecordAutoOptimizeCycle records the outcome of one scheduler cycle
func RecordAutoOptimizeCycle(outcome string) {
	AutoOptimizeCycles.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records a served HTTP request
func RecordHTTPRequest(method, path, statusCode string) {
	HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
