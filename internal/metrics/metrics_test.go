package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

func TestNormalizeDataError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), DataErrorTimeout},
		{"timeout text", errors.New("i/o timeout"), DataErrorTimeout},
		{"breaker open", errors.New("circuit breaker is open"), DataErrorCircuitOpen},
		{"half-open limit", errors.New("too many requests"), DataErrorCircuitOpen},
		{"missing file", &os.PathError{Op: "open", Path: "bars.csv", Err: os.ErrNotExist}, DataErrorNotFound},
		{"wrapped missing file", fmt.Errorf("failed to open bar file: %w", &os.PathError{Op: "open", Path: "/data/bars.csv", Err: os.ErrNotExist}), DataErrorNotFound},
		{"empty result", errors.New("no bars for EURUSD H1"), DataErrorNotFound},
		{"connection", errors.New("failed to connect: connection refused"), DataErrorConnection},
		{"parse", errors.New("line 4: invalid close price"), DataErrorParse},
		{"other", errors.New("something odd"), DataErrorOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeDataError(tt.err))
		})
	}
}

func TestRecordHelpers(t *testing.T) {
	bars := testutil.ToFloat64(BarsLoaded.WithLabelValues("csv"))
	RecordBarsLoaded("csv", 250, 12.5)
	assert.Equal(t, bars+250, testutil.ToFloat64(BarsLoaded.WithLabelValues("csv")))

	dataErrs := testutil.ToFloat64(DataSourceErrors.WithLabelValues("postgres", DataErrorConnection))
	RecordDataSourceError("postgres", errors.New("dial tcp: connection refused"))
	assert.Equal(t, dataErrs+1, testutil.ToFloat64(DataSourceErrors.WithLabelValues("postgres", DataErrorConnection)))

	SetCircuitBreakerState("postgres", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("postgres")))

	saves := testutil.ToFloat64(RunStoreOperations.WithLabelValues("save", "true"))
	RecordRunStoreOperation("save", true)
	assert.Equal(t, saves+1, testutil.ToFloat64(RunStoreOperations.WithLabelValues("save", "true")))

	failedPublishes := testutil.ToFloat64(EventsPublished.WithLabelValues("runs", "false"))
	RecordEventPublished("runs", false)
	assert.Equal(t, failedPublishes+1, testutil.ToFloat64(EventsPublished.WithLabelValues("runs", "false")))

	skipped := testutil.ToFloat64(AutoOptimizeCycles.WithLabelValues(CycleSkipped))
	RecordAutoOptimizeCycle(CycleSkipped)
	assert.Equal(t, skipped+1, testutil.ToFloat64(AutoOptimizeCycles.WithLabelValues(CycleSkipped)))
}

// ============================================================================
// OBSERVER TESTS
// ============================================================================

func TestRunObserverRecordsGridSearch(t *testing.T) {
	method := backtest.MethodGridSearch
	started := testutil.ToFloat64(OptimizationRunsStarted.WithLabelValues(method))
	succeeded := testutil.ToFloat64(EvaluationsTotal.WithLabelValues(method, EvaluationSuccess))
	failed := testutil.ToFloat64(EvaluationsTotal.WithLabelValues(method, EvaluationFailure))
	active := testutil.ToFloat64(ActiveRuns)

	space, err := backtest.NewParameterSpace(backtest.Parameter{Name: "x", Type: backtest.ParamTypeInt, Min: 0, Max: 4})
	require.NoError(t, err)

	fitness := backtest.FitnessFunc(func(_ context.Context, p backtest.Params) (float64, error) {
		if p.Int("x") == 2 {
			return 0, errors.New("simulation failed")
		}
		return p.Float("x"), nil
	})

	run, err := backtest.NewGridSearchOptimizer().Optimize(context.Background(), space, backtest.MaximizeProfit, fitness,
		backtest.GridOptions{Workers: 2, Observer: NewRunObserver()})
	require.NoError(t, err)

	assert.Equal(t, started+1, testutil.ToFloat64(OptimizationRunsStarted.WithLabelValues(method)))
	assert.Equal(t, succeeded+4, testutil.ToFloat64(EvaluationsTotal.WithLabelValues(method, EvaluationSuccess)))
	assert.Equal(t, failed+1, testutil.ToFloat64(EvaluationsTotal.WithLabelValues(method, EvaluationFailure)))
	assert.Equal(t, active, testutil.ToFloat64(ActiveRuns))
	assert.GreaterOrEqual(t, testutil.ToFloat64(OptimizationRunsFinished.WithLabelValues(method, string(run.Status))), 1.0)
	assert.Equal(t, 4.0, testutil.ToFloat64(BestFitness.WithLabelValues(method, string(backtest.MaximizeProfit))))
}

func TestRunObserverClassifiesTimeouts(t *testing.T) {
	run := &backtest.OptimizationRun{Method: "test_method"}
	obs := NewRunObserver()

	timeoutErr := fmt.Errorf("evaluation exceeded 1s: %w", context.DeadlineExceeded)
	obs.IndividualEvaluated(run, 3*time.Millisecond, timeoutErr)
	obs.IndividualEvaluated(run, time.Millisecond, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(EvaluationsTotal.WithLabelValues("test_method", EvaluationTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(EvaluationsTotal.WithLabelValues("test_method", EvaluationSuccess)))
}

func TestRunObserverIgnoresWorstFitness(t *testing.T) {
	run := &backtest.OptimizationRun{Method: "worst_method", Objective: backtest.MaximizeSharpe}
	obs := NewRunObserver()

	obs.GenerationCompleted(run, backtest.GenerationStats{Generation: 1, BestEverFitness: 1.25})
	obs.GenerationCompleted(run, backtest.GenerationStats{Generation: 2, BestEverFitness: backtest.WorstFitness})

	assert.Equal(t, 1.25, testutil.ToFloat64(BestFitness.WithLabelValues("worst_method", string(backtest.MaximizeSharpe))))
	assert.Equal(t, 2.0, testutil.ToFloat64(GenerationsTotal.WithLabelValues("worst_method")))
}
