package metrics

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// RunObserver exports optimizer progress as Prometheus metrics.
// It is safe for concurrent use; all state lives in the collectors.
type RunObserver struct{}

// NewRunObserver creates an observer backed by the package collectors
func NewRunObserver() *RunObserver {
	return &RunObserver{}
}

var _ backtest.Observer = (*RunObserver)(nil)

// RunStarted implements backtest.Observer
func (o *RunObserver) RunStarted(run *backtest.OptimizationRun) {
	OptimizationRunsStarted.WithLabelValues(run.Method).Inc()
	ActiveRuns.Inc()
}

// GenerationCompleted implements backtest.Observer
func (o *RunObserver) GenerationCompleted(run *backtest.OptimizationRun, stats backtest.GenerationStats) {
	GenerationsTotal.WithLabelValues(run.Method).Inc()
	if stats.BestEverFitness != backtest.WorstFitness && !math.IsInf(stats.BestEverFitness, 0) {
		BestFitness.WithLabelValues(run.Method, string(run.Objective)).Set(stats.BestEverFitness)
	}
	GenerationSpread.WithLabelValues(run.Method).Set(stats.TopKSpread)
}

// IndividualEvaluated implements backtest.Observer
func (o *RunObserver) IndividualEvaluated(run *backtest.OptimizationRun, duration time.Duration, err error) {
	result := EvaluationSuccess
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result = EvaluationTimeout
	case err != nil:
		result = EvaluationFailure
	}
	EvaluationsTotal.WithLabelValues(run.Method, result).Inc()
	EvaluationDuration.WithLabelValues(run.Method).Observe(float64(duration.Microseconds()) / 1000)
}

// RunFinished implements backtest.Observer
func (o *RunObserver) RunFinished(run *backtest.OptimizationRun) {
	OptimizationRunsFinished.WithLabelValues(run.Method, string(run.Status)).Inc()
	ActiveRuns.Dec()
	RunDuration.WithLabelValues(run.Method).Observe(run.Duration.Seconds())
	if run.Best != nil && run.Best.Fitness != backtest.WorstFitness {
		BestFitness.WithLabelValues(run.Method, string(run.Objective)).Set(run.Best.Fitness)
	}
}
