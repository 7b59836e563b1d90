// Walk-forward optimization for backtesting strategies
package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoWindowResults is recorded when no walk-forward window produced an
// out-of-sample score
var ErrNoWindowResults = errors.New("no walk-forward window produced a result")

// ============================================================================
// WALK-FORWARD OPTIMIZER
// ============================================================================

// WalkForwardOptions configures a walk-forward run. Windows are measured in
// bars: each in-sample slice is optimized with the inner method and its best
// configuration is scored on the following out-of-sample slice.
type WalkForwardOptions struct {
	InSampleBars  int    `mapstructure:"in_sample_bars"`
	OutSampleBars int    `mapstructure:"out_sample_bars"`
	Anchored      bool   `mapstructure:"anchored"`     // in-sample always starts at the first bar
	InnerMethod   string `mapstructure:"inner_method"` // genetic_algorithm or grid_search

	// Inner optimizer settings, filled from their own config sections
	Genetic GeneticOptions `mapstructure:"-"`
	Grid    GridOptions    `mapstructure:"-"`

	Observer   Observer       `mapstructure:"-"`
	OnComplete CompletionFunc `mapstructure:"-"`
}

// DefaultWalkForwardOptions returns rolling windows of 1000 training and 250
// test bars optimized with the genetic algorithm
func DefaultWalkForwardOptions() WalkForwardOptions {
	return WalkForwardOptions{
		InSampleBars:  1000,
		OutSampleBars: 250,
		InnerMethod:   MethodGenetic,
		Genetic:       DefaultGeneticOptions(),
		Grid:          GridOptions{Workers: 4, MaxCombinations: DefaultMaxCombinations},
	}
}

// Validate checks window sizes and the inner method. Inner optimizer
// settings are validated by Optimize.
func (o WalkForwardOptions) Validate() error {
	if o.InSampleBars < 2 {
		return configErrorf("in_sample_bars", ErrInvalidOptions, "must be at least 2, got %d", o.InSampleBars)
	}
	if o.OutSampleBars < 1 {
		return configErrorf("out_sample_bars", ErrInvalidOptions, "must be at least 1, got %d", o.OutSampleBars)
	}
	if o.InnerMethod != MethodGenetic && o.InnerMethod != MethodGridSearch {
		return configErrorf("inner_method", ErrInvalidOptions, "unsupported inner method %q", o.InnerMethod)
	}
	return nil
}

// WindowResult records one walk-forward window. Bar indexes are half-open
// ranges into the full series.
type WindowResult struct {
	Index            int       `json:"index"`
	InSampleFrom     int       `json:"in_sample_from"`
	InSampleTo       int       `json:"in_sample_to"`
	OutSampleTo      int       `json:"out_sample_to"`
	InSampleStart    time.Time `json:"in_sample_start"`
	OutSampleStart   time.Time `json:"out_sample_start"`
	OutSampleEnd     time.Time `json:"out_sample_end"`
	RunID            string    `json:"run_id,omitempty"`
	Params           Params    `json:"params"`
	InSampleFitness  float64   `json:"in_sample_fitness"`
	OutSampleFitness float64   `json:"out_sample_fitness"`
	Error            string    `json:"error,omitempty"`
}

// barWindow is a window's position in the bar series
type barWindow struct {
	inFrom, inTo, outTo int
}

// WalkForwardOptimizer re-optimizes on a sliding in-sample window and scores
// each result on the unseen bars that follow it
type WalkForwardOptimizer struct {
	mu sync.Mutex
}

// NewWalkForwardOptimizer creates a new walk-forward optimizer
func NewWalkForwardOptimizer() *WalkForwardOptimizer {
	return &WalkForwardOptimizer{}
}

// Optimize runs every window over bars. The best configuration is the one
// with the highest out-of-sample fitness. Windows whose in-sample search
// yields no usable configuration are recorded with an error and skipped.
func (opt *WalkForwardOptimizer) Optimize(ctx context.Context, bars []*Candlestick, base StrategyConfig, space *ParameterSpace, objective Objective, opts WalkForwardOptions) (*OptimizationRun, error) {
	if space == nil || space.Len() == 0 {
		return nil, &ConfigurationError{Field: "parameters", Err: ErrEmptyParameterSpace}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.InnerMethod == MethodGenetic {
		if err := opts.Genetic.Validate(); err != nil {
			return nil, err
		}
	}
	// Validates objective and parameter catalogue once for every window
	if _, err := NewSimulationFitness(bars, base, objective, space); err != nil {
		return nil, err
	}

	windows := generateWindows(len(bars), opts)
	if len(windows) == 0 {
		return nil, configErrorf("walk_forward", ErrInvalidOptions,
			"%d bars cannot hold one window of %d+%d bars", len(bars), opts.InSampleBars, opts.OutSampleBars)
	}

	opt.mu.Lock()
	defer opt.mu.Unlock()

	run := newRun(MethodWalkForward, objective, space, opts.Genetic.Seed)

	log.Info().
		Str("run_id", run.ID).
		Str("inner_method", opts.InnerMethod).
		Int("in_sample_bars", opts.InSampleBars).
		Int("out_sample_bars", opts.OutSampleBars).
		Bool("anchored", opts.Anchored).
		Int("windows", len(windows)).
		Msg("Starting walk-forward optimization")

	if opts.Observer != nil {
		opts.Observer.RunStarted(run)
	}

	var scored Population
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return opt.finishCancelled(run, scored, err, opts)
		}

		result := WindowResult{
			Index:          i + 1,
			InSampleFrom:   w.inFrom,
			InSampleTo:     w.inTo,
			OutSampleTo:    w.outTo,
			InSampleStart:  bars[w.inFrom].Timestamp,
			OutSampleStart: bars[w.inTo].Timestamp,
			OutSampleEnd:   bars[w.outTo-1].Timestamp,
		}

		log.Info().
			Int("window", result.Index).
			Int("total", len(windows)).
			Time("train_start", result.InSampleStart).
			Time("test_start", result.OutSampleStart).
			Time("test_end", result.OutSampleEnd).
			Msg("Processing walk-forward window")

		inner, err := opt.optimizeInSample(ctx, bars[w.inFrom:w.inTo], base, space, objective, opts, i)
		if inner != nil {
			result.RunID = inner.ID
			run.Evaluations += inner.Evaluations
			run.Failures += inner.Failures
		}
		if ctx.Err() != nil {
			return opt.finishCancelled(run, scored, ctx.Err(), opts)
		}
		if IsConfigurationError(err) {
			// Repeats for every window
			opt.collect(run, scored)
			finishRun(run, RunStatusFailed, err, opts.Observer, opts.OnComplete)
			return run, err
		}
		if err == nil && !usableBest(inner) {
			err = ErrNoWindowResults
		}
		if err != nil {
			log.Warn().Err(err).Int("window", result.Index).Msg("In-sample optimization failed")
			result.Error = err.Error()
			run.Windows = append(run.Windows, result)
			continue
		}

		result.Params = inner.Best.Params.clone()
		result.InSampleFitness = inner.Best.Fitness

		score, err := outOfSampleScore(bars, w, base, objective, result.Params)
		run.Evaluations++
		if err != nil {
			run.Failures++
			log.Warn().Err(err).Int("window", result.Index).Msg("Out-of-sample evaluation failed")
			result.Error = err.Error()
			run.Windows = append(run.Windows, result)
			continue
		}
		result.OutSampleFitness = score
		run.Windows = append(run.Windows, result)
		run.Generations++
		scored = append(scored, &Individual{Params: result.Params.clone(), Fitness: score, Evaluated: true})

		log.Info().
			Int("window", result.Index).
			Float64("in_sample_score", result.InSampleFitness).
			Float64("out_sample_score", result.OutSampleFitness).
			Msg("Walk-forward window complete")
	}

	opt.collect(run, scored)
	if len(scored) == 0 {
		finishRun(run, RunStatusFailed, ErrNoWindowResults, opts.Observer, opts.OnComplete)
		return run, nil
	}
	finishRun(run, RunStatusCompleted, nil, opts.Observer, opts.OnComplete)
	return run, nil
}

// optimizeInSample runs the inner method over one in-sample slice
func (opt *WalkForwardOptimizer) optimizeInSample(ctx context.Context, bars []*Candlestick, base StrategyConfig, space *ParameterSpace, objective Objective, opts WalkForwardOptions, window int) (*OptimizationRun, error) {
	fitness, err := NewSimulationFitness(bars, base, objective, space)
	if err != nil {
		return nil, err
	}

	switch opts.InnerMethod {
	case MethodGridSearch:
		grid := opts.Grid
		grid.Observer, grid.OnComplete = nil, nil
		return NewGridSearchOptimizer().Optimize(ctx, space, objective, fitness, grid)
	default:
		ga := opts.Genetic
		ga.Observer, ga.OnComplete = nil, nil
		if ga.Seed != 0 {
			ga.Seed += int64(window)
		}
		return NewGeneticOptimizer().Optimize(ctx, space, objective, fitness, ga)
	}
}

// collect ranks windows by out-of-sample fitness
func (opt *WalkForwardOptimizer) collect(run *OptimizationRun, scored Population) {
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Fitness > scored[j].Fitness
	})
	if len(scored) > 0 {
		run.Best = scored[0].clone()
	}
	run.TopResults = topResults(scored, topResultsLimit)
}

func (opt *WalkForwardOptimizer) finishCancelled(run *OptimizationRun, scored Population, cause error, opts WalkForwardOptions) (*OptimizationRun, error) {
	opt.collect(run, scored)
	err := fmt.Errorf("walk-forward optimization cancelled: %w", cause)
	finishRun(run, RunStatusCancelled, err, opts.Observer, opts.OnComplete)
	return run, err
}

// generateWindows splits n bars into consecutive windows advancing by the
// out-of-sample length. Anchored windows keep the first bar as their start.
func generateWindows(n int, opts WalkForwardOptions) []barWindow {
	var windows []barWindow
	for start := 0; ; start += opts.OutSampleBars {
		inTo := start + opts.InSampleBars
		outTo := inTo + opts.OutSampleBars
		if outTo > n {
			break
		}
		from := start
		if opts.Anchored {
			from = 0
		}
		windows = append(windows, barWindow{inFrom: from, inTo: inTo, outTo: outTo})
	}
	return windows
}

// outOfSampleScore simulates params on the out-of-sample bars, prefixed with
// the configuration's warm-up history from the end of the in-sample slice
func outOfSampleScore(bars []*Candlestick, w barWindow, base StrategyConfig, objective Objective, params Params) (float64, error) {
	cfg, err := base.Apply(params)
	if err != nil {
		return 0, err
	}
	from := w.inTo - cfg.Warmup()
	if from < 0 {
		from = 0
	}

	fitness, err := NewSimulationFitness(bars[from:w.outTo], base, objective, nil)
	if err != nil {
		return 0, err
	}
	_, m, err := fitness.Backtest(params)
	if err != nil {
		return 0, err
	}
	return objective.Score(m), nil
}

// usableBest reports whether run holds a successfully evaluated best
func usableBest(run *OptimizationRun) bool {
	return run != nil && run.Best != nil && !run.Best.Failed() && run.Best.Fitness != WorstFitness
}
