// Optimizer Unit Tests
package backtest

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

// recordingObserver counts notifications and optionally reacts to generations
type recordingObserver struct {
	started     atomic.Int32
	finished    atomic.Int32
	generations atomic.Int32
	evaluated   atomic.Int32
	failed      atomic.Int32

	active    atomic.Int32
	maxActive atomic.Int32

	onGeneration func(run *OptimizationRun, stats GenerationStats)
}

func (o *recordingObserver) RunStarted(*OptimizationRun) {
	o.started.Add(1)
	n := o.active.Add(1)
	for {
		m := o.maxActive.Load()
		if n <= m || o.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
}

func (o *recordingObserver) GenerationCompleted(run *OptimizationRun, stats GenerationStats) {
	o.generations.Add(1)
	if o.onGeneration != nil {
		o.onGeneration(run, stats)
	}
}

func (o *recordingObserver) IndividualEvaluated(_ *OptimizationRun, _ time.Duration, err error) {
	o.evaluated.Add(1)
	if err != nil {
		o.failed.Add(1)
	}
}

func (o *recordingObserver) RunFinished(*OptimizationRun) {
	o.finished.Add(1)
	o.active.Add(-1)
}

func intSpace(t *testing.T, name string, lo, hi float64) *ParameterSpace {
	t.Helper()
	space, err := NewParameterSpace(Parameter{Name: name, Type: ParamTypeInt, Min: lo, Max: hi})
	require.NoError(t, err)
	return space
}

// quadratic peaks at x = 7
func quadratic(_ context.Context, p Params) (float64, error) {
	x := p.Float("x")
	return -(x - 7) * (x - 7), nil
}

func testOptions() GeneticOptions {
	opts := DefaultGeneticOptions()
	opts.PopulationSize = 20
	opts.Generations = 10
	opts.Seed = 42
	return opts
}

// ============================================================================
// GENETIC ALGORITHM TESTS
// ============================================================================

func TestGeneticOptimizerConstantFitnessConverges(t *testing.T) {
	space := intSpace(t, "x", 0, 20)
	constant := FitnessFunc(func(context.Context, Params) (float64, error) { return 1.0, nil })

	opts := testOptions()
	opts.PopulationSize = 10
	opts.Generations = 5
	opts.EliteSize = 2
	opts.ConvergenceThreshold = 1e-6

	opt := NewGeneticOptimizer()
	run, err := opt.Optimize(context.Background(), space, MaximizeProfit, constant, opts)
	require.NoError(t, err)

	assert.Equal(t, RunStatusConverged, run.Status)
	assert.True(t, run.Converged)
	assert.Equal(t, 1, run.Generations)
	assert.Equal(t, 10, run.Evaluations)
	assert.Equal(t, 1.0, run.BestFitness())
	assert.Equal(t, StateConverged, opt.State())
	assert.True(t, run.Succeeded())
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, MethodGenetic, run.Method)
}

func TestGeneticOptimizerMutationOnlyFindsOptimum(t *testing.T) {
	space := intSpace(t, "x", 0, 20)

	opts := testOptions()
	opts.Generations = 100
	opts.CrossoverRate = 0
	opts.MutationRate = 0.5
	opts.ConvergenceThreshold = 0

	run, err := NewGeneticOptimizer().Optimize(context.Background(), space, MaximizeProfit, FitnessFunc(quadratic), opts)
	require.NoError(t, err)

	assert.Equal(t, RunStatusExhausted, run.Status)
	assert.False(t, run.Converged)
	assert.Equal(t, 100, run.Generations)
	require.NotNil(t, run.Best)
	assert.Equal(t, 0.0, run.Best.Fitness)
	assert.Equal(t, 7, run.Best.Params.Int("x"))
}

func TestGeneticOptimizerBestEverIsMonotonic(t *testing.T) {
	space, err := NewParameterSpace(
		Parameter{Name: "x", Type: ParamTypeInt, Min: 0, Max: 50},
		Parameter{Name: "y", Type: ParamTypeFloat, Min: -1, Max: 1},
	)
	require.NoError(t, err)
	fitness := FitnessFunc(func(_ context.Context, p Params) (float64, error) {
		return -math.Abs(p.Float("x")-31) - p.Float("y")*p.Float("y"), nil
	})

	opts := testOptions()
	opts.Generations = 15
	opts.ConvergenceThreshold = 0

	run, err := NewGeneticOptimizer().Optimize(context.Background(), space, MaximizeProfit, fitness, opts)
	require.NoError(t, err)
	require.Len(t, run.History, run.Generations)

	for i, stats := range run.History {
		assert.Equal(t, i+1, stats.Generation)
		assert.Equal(t, opts.PopulationSize, stats.PopulationSize)
		assert.GreaterOrEqual(t, stats.BestEverFitness, stats.BestFitness)
		assert.GreaterOrEqual(t, stats.BestFitness, stats.AverageFitness)
		assert.GreaterOrEqual(t, stats.AverageFitness, stats.WorstFitness)
		if i > 0 {
			assert.GreaterOrEqual(t, stats.BestEverFitness, run.History[i-1].BestEverFitness)
		}
	}
	assert.Equal(t, run.History[len(run.History)-1].BestEverFitness, run.BestFitness())
	assert.LessOrEqual(t, len(run.TopResults), topResultsLimit)
}

func TestGenerationStatsAverageWithinRange(t *testing.T) {
	// Summing many equal values rounds the plain mean above the max
	const f = -0.054575220732087
	for n := 2; n <= 32; n++ {
		pop := make(Population, n)
		for i := range pop {
			pop[i] = &Individual{Fitness: f, Evaluated: true}
		}
		stats := generationStats(1, pop, 3)
		assert.Equal(t, f, stats.BestFitness)
		assert.LessOrEqual(t, stats.AverageFitness, stats.BestFitness, "n=%d", n)
		assert.GreaterOrEqual(t, stats.AverageFitness, stats.WorstFitness, "n=%d", n)
	}
}

func TestGenerationStatsSkipsFailedIndividuals(t *testing.T) {
	pop := Population{
		{Fitness: 3, Evaluated: true},
		{Fitness: 1, Evaluated: true},
		{Fitness: WorstFitness, Evaluated: true, Error: "boom"},
	}
	stats := generationStats(2, pop, 2)
	assert.Equal(t, 3.0, stats.BestFitness)
	assert.Equal(t, 2.0, stats.AverageFitness)
	assert.Equal(t, WorstFitness, stats.WorstFitness)
	assert.Equal(t, 2.0, stats.TopKSpread)
}

func TestGeneticOptimizerRespectsBounds(t *testing.T) {
	space, err := NewParameterSpace(
		Parameter{Name: "n", Type: ParamTypeInt, Min: 1, Max: 10},
		Parameter{Name: "x", Type: ParamTypeFloat, Min: 0.5, Max: 1.5},
		Parameter{Name: "s", Type: ParamTypeFloat, Min: 2, Max: 3, Step: 0.5},
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []Params
	fitness := FitnessFunc(func(_ context.Context, p Params) (float64, error) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
		return p.Float("x") * p.Float("n"), nil
	})

	opts := testOptions()
	opts.CrossoverRate = 0.9
	opts.MutationRate = 0.3
	opts.ConvergenceThreshold = 0

	_, err = NewGeneticOptimizer().Optimize(context.Background(), space, MaximizeProfit, fitness, opts)
	require.NoError(t, err)

	require.NotEmpty(t, seen)
	for _, p := range seen {
		assert.NoError(t, space.Validate(p), "evaluated out-of-bounds assignment %s", p)
		assert.Equal(t, space.Names(), p.Names())
	}
}

func TestGeneticOptimizerAbsorbsEvaluationFailures(t *testing.T) {
	space := intSpace(t, "x", 0, 9)
	fitness := FitnessFunc(func(_ context.Context, p Params) (float64, error) {
		switch p.Int("x") {
		case 0:
			return 0, errors.New("simulation rejected configuration")
		case 1:
			panic("indicator index out of range")
		case 2:
			return math.NaN(), nil
		}
		return -p.Float("x"), nil
	})

	opts := testOptions()
	opts.PopulationSize = 30
	opts.Generations = 5
	opts.ConvergenceThreshold = 0
	observer := &recordingObserver{}
	opts.Observer = observer

	run, err := NewGeneticOptimizer().Optimize(context.Background(), space, MaximizeProfit, fitness, opts)
	require.NoError(t, err)

	assert.Greater(t, run.Failures, 0)
	assert.Equal(t, int32(run.Failures), observer.failed.Load())
	assert.Equal(t, int32(run.Evaluations), observer.evaluated.Load())

	require.NotNil(t, run.Best)
	assert.False(t, run.Best.Failed())
	assert.GreaterOrEqual(t, run.Best.Params.Int("x"), 3)
	assert.Equal(t, -3.0, run.Best.Fitness)

	for _, ind := range run.TopResults {
		if ind.Failed() {
			assert.Equal(t, WorstFitness, ind.Fitness)
		}
	}
}

func TestGeneticOptimizerAllFailuresStillCompletes(t *testing.T) {
	space := intSpace(t, "x", 0, 9)
	failing := FitnessFunc(func(context.Context, Params) (float64, error) {
		return 0, errors.New("no data")
	})

	opts := testOptions()
	opts.PopulationSize = 6
	opts.Generations = 3

	run, err := NewGeneticOptimizer().Optimize(context.Background(), space, MaximizeProfit, failing, opts)
	require.NoError(t, err)

	assert.Equal(t, RunStatusExhausted, run.Status, "convergence is never declared on failed individuals")
	assert.Equal(t, 3, run.Generations)
	assert.Equal(t, run.Evaluations, run.Failures)
	assert.Equal(t, WorstFitness, run.BestFitness())
	for _, stats := range run.History {
		assert.Equal(t, WorstFitness, stats.AverageFitness)
	}
}

func TestGeneticOptimizerEmptySpaceFailsFast(t *testing.T) {
	opt := NewGeneticOptimizer()

	for _, space := range []*ParameterSpace{nil, {}} {
		run, err := opt.Optimize(context.Background(), space, MaximizeProfit, FitnessFunc(quadratic), testOptions())
		assert.Nil(t, run)
		assert.True(t, IsConfigurationError(err))
		assert.True(t, errors.Is(err, ErrEmptyParameterSpace))
	}

	_, err := opt.Optimize(context.Background(), intSpace(t, "x", 0, 9), MaximizeProfit, nil, testOptions())
	assert.True(t, errors.Is(err, ErrInvalidOptions))
}

func TestGeneticOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultGeneticOptions().Validate())

	tests := []struct {
		name   string
		modify func(*GeneticOptions)
	}{
		{"population too small", func(o *GeneticOptions) { o.PopulationSize = 1 }},
		{"no generations", func(o *GeneticOptions) { o.Generations = 0 }},
		{"mutation above one", func(o *GeneticOptions) { o.MutationRate = 1.5 }},
		{"negative crossover", func(o *GeneticOptions) { o.CrossoverRate = -0.1 }},
		{"elite exceeds population", func(o *GeneticOptions) { o.EliteSize = 51 }},
		{"negative threshold", func(o *GeneticOptions) { o.ConvergenceThreshold = -1 }},
		{"negative timeout", func(o *GeneticOptions) { o.EvaluationTimeout = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultGeneticOptions()
			tt.modify(&opts)
			err := opts.Validate()
			assert.True(t, IsConfigurationError(err))
			assert.True(t, errors.Is(err, ErrInvalidOptions))
		})
	}
}

func TestGeneticOptimizerDeterministicAcrossWorkerCounts(t *testing.T) {
	space, err := NewParameterSpace(
		Parameter{Name: "x", Type: ParamTypeInt, Min: 0, Max: 20},
		Parameter{Name: "y", Type: ParamTypeFloat, Min: 0, Max: 1},
	)
	require.NoError(t, err)
	fitness := FitnessFunc(func(_ context.Context, p Params) (float64, error) {
		x, y := p.Float("x"), p.Float("y")
		return -(x-7)*(x-7) - (y-0.3)*(y-0.3), nil
	})

	runWith := func(workers int) *OptimizationRun {
		opts := testOptions()
		opts.Seed = 7
		opts.Workers = workers
		opts.ConvergenceThreshold = 0
		run, err := NewGeneticOptimizer().Optimize(context.Background(), space, MaximizeProfit, fitness, opts)
		require.NoError(t, err)
		return run
	}

	serial := runWith(1)
	parallel := runWith(8)

	assert.True(t, serial.Best.Params.Equal(parallel.Best.Params))
	assert.Equal(t, serial.Best.Fitness, parallel.Best.Fitness)
	assert.Equal(t, serial.Evaluations, parallel.Evaluations)
	require.Equal(t, len(serial.History), len(parallel.History))
	for i := range serial.History {
		assert.Equal(t, serial.History[i].BestFitness, parallel.History[i].BestFitness)
		assert.Equal(t, serial.History[i].AverageFitness, parallel.History[i].AverageFitness)
	}
}

func TestGeneticOptimizerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := testOptions()
	opts.Generations = 50
	opts.ConvergenceThreshold = 0
	observer := &recordingObserver{onGeneration: func(*OptimizationRun, GenerationStats) { cancel() }}
	opts.Observer = observer

	var completed atomic.Int32
	opts.OnComplete = func(*OptimizationRun) { completed.Add(1) }

	opt := NewGeneticOptimizer()
	run, err := opt.Optimize(ctx, intSpace(t, "x", 0, 20), MaximizeProfit, FitnessFunc(quadratic), opts)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)
	assert.Equal(t, RunStatusCancelled, run.Status)
	assert.NotEmpty(t, run.Error)
	assert.False(t, run.Succeeded())
	assert.Equal(t, 1, run.Generations)
	assert.Equal(t, StateCancelled, opt.State())
	assert.NotNil(t, run.Best)
	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, int32(1), observer.finished.Load())
}

func TestGeneticOptimizerReusesCachedFitness(t *testing.T) {
	var calls atomic.Int32
	fitness := FitnessFunc(func(ctx context.Context, p Params) (float64, error) {
		calls.Add(1)
		return quadratic(ctx, p)
	})

	opts := testOptions()
	opts.Generations = 5
	opts.CrossoverRate = 0
	opts.MutationRate = 0
	opts.ConvergenceThreshold = 0

	run, err := NewGeneticOptimizer().Optimize(context.Background(), intSpace(t, "x", 0, 20), MaximizeProfit, fitness, opts)
	require.NoError(t, err)

	// Without crossover or mutation every child is a clone of a scored parent
	assert.Equal(t, opts.PopulationSize, run.Evaluations)
	assert.Equal(t, int32(opts.PopulationSize), calls.Load())
	assert.Equal(t, 5, run.Generations)
}

func TestGeneticOptimizerSerializesRuns(t *testing.T) {
	opt := NewGeneticOptimizer()
	observer := &recordingObserver{}
	space := intSpace(t, "x", 0, 20)
	slow := FitnessFunc(func(ctx context.Context, p Params) (float64, error) {
		time.Sleep(time.Millisecond)
		return quadratic(ctx, p)
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := testOptions()
			opts.PopulationSize = 8
			opts.Generations = 3
			opts.ConvergenceThreshold = 0
			opts.Observer = observer
			_, errs[i] = opt.Optimize(context.Background(), space, MaximizeProfit, slow, opts)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(3), observer.started.Load())
	assert.Equal(t, int32(1), observer.maxActive.Load())
}

func TestGeneticOptimizerEvaluationTimeout(t *testing.T) {
	blocking := FitnessFunc(func(ctx context.Context, p Params) (float64, error) {
		if p.Int("x") < 5 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return p.Float("x"), nil
	})

	opts := testOptions()
	opts.PopulationSize = 12
	opts.Generations = 1
	opts.Workers = 12
	opts.EvaluationTimeout = 20 * time.Millisecond

	run, err := NewGeneticOptimizer().Optimize(context.Background(), intSpace(t, "x", 0, 9), MaximizeProfit, blocking, opts)
	require.NoError(t, err)

	for _, ind := range run.TopResults {
		if ind.Params.Int("x") < 5 {
			assert.True(t, ind.Failed())
			assert.Equal(t, WorstFitness, ind.Fitness)
		} else {
			assert.False(t, ind.Failed())
		}
	}
}

func TestGeneticOptimizerWithSimulationFitness(t *testing.T) {
	bars := randomWalkBars(400, 3)
	space, err := NewParameterSpace(
		Parameter{Name: "band_period", Type: ParamTypeInt, Min: 10, Max: 30},
		Parameter{Name: "band_deviation", Type: ParamTypeFloat, Min: 1.5, Max: 2.5, Step: 0.5},
	)
	require.NoError(t, err)

	fitness, err := NewSimulationFitness(bars, DefaultStrategyConfig(), MultiObjective, space)
	require.NoError(t, err)

	opts := testOptions()
	opts.PopulationSize = 8
	opts.Generations = 3

	run, err := NewGeneticOptimizer().Optimize(context.Background(), space, MultiObjective, fitness, opts)
	require.NoError(t, err)

	assert.Equal(t, 0, run.Failures)
	require.NotNil(t, run.Best)
	assert.False(t, math.IsNaN(run.Best.Fitness) || math.IsInf(run.Best.Fitness, 0))

	// The best assignment reproduces its fitness when simulated again
	_, m, err := fitness.Backtest(run.Best.Params)
	require.NoError(t, err)
	assert.Equal(t, run.Best.Fitness, MultiObjective.Score(m))
}

// ============================================================================
// GRID SEARCH TESTS
// ============================================================================

func TestGridSearchFindsBest(t *testing.T) {
	space, err := NewParameterSpace(
		Parameter{Name: "x", Type: ParamTypeInt, Min: 1, Max: 5},
		Parameter{Name: "y", Type: ParamTypeFloat, Min: 0, Max: 1, Step: 0.5},
	)
	require.NoError(t, err)
	fitness := FitnessFunc(func(_ context.Context, p Params) (float64, error) {
		x, y := p.Float("x"), p.Float("y")
		return -(x-3)*(x-3) - (y-0.5)*(y-0.5), nil
	})

	observer := &recordingObserver{}
	run, err := NewGridSearchOptimizer().Optimize(context.Background(), space, MaximizeProfit, fitness, GridOptions{Workers: 4, Observer: observer})
	require.NoError(t, err)

	assert.Equal(t, MethodGridSearch, run.Method)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, 15, run.Evaluations)
	assert.Len(t, run.History, 1)
	assert.Equal(t, 3, run.Best.Params.Int("x"))
	assert.Equal(t, 0.5, run.Best.Params.Float("y"))
	assert.Equal(t, 0.0, run.Best.Fitness)
	assert.Len(t, run.TopResults, 10)
	assert.Equal(t, int32(15), observer.evaluated.Load())
	assert.Equal(t, int32(1), observer.generations.Load())
}

func TestGridSearchRejectsOversizedGrid(t *testing.T) {
	space, err := NewParameterSpace(
		Parameter{Name: "x", Type: ParamTypeInt, Min: 0, Max: 1000},
		Parameter{Name: "y", Type: ParamTypeInt, Min: 0, Max: 1000},
	)
	require.NoError(t, err)

	run, err := NewGridSearchOptimizer().Optimize(context.Background(), space, MaximizeProfit, FitnessFunc(quadratic), GridOptions{MaxCombinations: 100})
	assert.Nil(t, run)
	assert.True(t, IsConfigurationError(err))
}

func TestGridSearchEvaluationTimeout(t *testing.T) {
	blocking := FitnessFunc(func(ctx context.Context, p Params) (float64, error) {
		if p.Int("x") < 5 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return p.Float("x"), nil
	})

	run, err := NewGridSearchOptimizer().Optimize(context.Background(), intSpace(t, "x", 0, 9), MaximizeProfit, blocking,
		GridOptions{Workers: 10, EvaluationTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, 10, run.Evaluations)
	assert.Equal(t, 5, run.Failures)
	assert.Equal(t, 9, run.Best.Params.Int("x"))
}

func TestGridSearchDataErrorsScoreWorst(t *testing.T) {
	space := intSpace(t, "band_period", 20, 30)
	fitness, err := NewSimulationFitness(randomWalkBars(25, 3), DefaultStrategyConfig(), MaximizeProfit, space)
	require.NoError(t, err)

	run, err := NewGridSearchOptimizer().Optimize(context.Background(), space, MaximizeProfit, fitness, GridOptions{Workers: 2})
	require.NoError(t, err)

	assert.Equal(t, 11, run.Evaluations)
	assert.GreaterOrEqual(t, run.Failures, 5)
	assert.Less(t, run.Failures, run.Evaluations)
	assert.False(t, run.Best.Failed())
}

func TestGridSearchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := NewGridSearchOptimizer().Optimize(ctx, intSpace(t, "x", 0, 9), MaximizeProfit, FitnessFunc(quadratic), GridOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)
	assert.Equal(t, RunStatusCancelled, run.Status)
	assert.Nil(t, run.Best)
	assert.Equal(t, 0, run.Evaluations)
}

// ============================================================================
// REPORT TESTS
// ============================================================================

func TestGenerateRunReport(t *testing.T) {
	run, err := NewGridSearchOptimizer().Optimize(context.Background(), intSpace(t, "x", 0, 9), MaximizeProfit, FitnessFunc(quadratic), GridOptions{})
	require.NoError(t, err)

	report := GenerateRunReport(run)
	assert.Contains(t, report, "OPTIMIZATION REPORT")
	assert.Contains(t, report, "grid_search")
	assert.Contains(t, report, "BEST CONFIGURATION")
	assert.Contains(t, report, run.ID)
}
