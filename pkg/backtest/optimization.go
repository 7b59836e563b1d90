// Parameter optimization for backtesting strategies
package backtest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// topResultsLimit is the number of best individuals retained on a run
const topResultsLimit = 10

// ============================================================================
// SHARED EVALUATION
// ============================================================================

// evaluation carries the settings shared by every optimizer's worker pool
type evaluation struct {
	fitness  Evaluator
	workers  int
	timeout  time.Duration
	observer Observer
}

// evaluatePopulation scores every unevaluated individual on a bounded worker
// pool. Each individual is written by exactly one worker. Failures are scored
// as WorstFitness and never abort the batch.
func (e evaluation) evaluatePopulation(ctx context.Context, run *OptimizationRun, pop Population) (evaluated, failed int) {
	pending := pop.unevaluated()
	if len(pending) == 0 {
		return 0, 0
	}

	var evalCount, failCount atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(e.workers)

	for _, idx := range pending {
		ind := pop[idx]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			start := time.Now()
			score, err := evaluateIndividual(ctx, e.fitness, ind.Params, e.timeout)
			if err != nil {
				ind.Fitness = WorstFitness
				ind.Error = err.Error()
				failCount.Add(1)
				log.Warn().
					Err(err).
					Str("run_id", run.ID).
					Str("params", ind.Params.String()).
					Msg("Fitness evaluation failed, scoring as worst fitness")
			} else {
				ind.Fitness = score
				ind.Error = ""
			}
			ind.Evaluated = true
			evalCount.Add(1)

			if e.observer != nil {
				e.observer.IndividualEvaluated(run, time.Since(start), err)
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	return int(evalCount.Load()), int(failCount.Load())
}

// evaluateIndividual runs one evaluation, enforcing the optional watchdog timeout
func evaluateIndividual(ctx context.Context, fitness Evaluator, params Params, timeout time.Duration) (float64, error) {
	if timeout <= 0 {
		return safeEvaluate(ctx, fitness, params)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		score float64
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		score, err := safeEvaluate(ctx, fitness, params)
		done <- outcome{score, err}
	}()

	select {
	case out := <-done:
		return out.score, out.err
	case <-ctx.Done():
		return 0, &EvaluationError{Params: params, Err: fmt.Errorf("evaluation exceeded %s: %w", timeout, ctx.Err())}
	}
}

// safeEvaluate converts panics, errors and non-finite scores into an EvaluationError
func safeEvaluate(ctx context.Context, fitness Evaluator, params Params) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			score = 0
			err = &EvaluationError{Params: params, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	score, err = fitness.Evaluate(ctx, params)
	if err != nil {
		return 0, &EvaluationError{Params: params, Err: err}
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, &EvaluationError{Params: params, Err: fmt.Errorf("non-finite fitness %v", score)}
	}
	return score, nil
}

// sortPopulation orders by fitness descending; ties keep insertion order
func sortPopulation(pop Population) {
	sort.SliceStable(pop, func(i, j int) bool {
		return pop[i].Fitness > pop[j].Fitness
	})
}

// topResults returns clones of the first n individuals of a sorted population
func topResults(pop Population, n int) []*Individual {
	if len(pop) < n {
		n = len(pop)
	}
	out := make([]*Individual, n)
	for i := 0; i < n; i++ {
		out[i] = pop[i].clone()
	}
	return out
}

// generationStats summarizes a sorted population
func generationStats(gen int, pop Population, k int) GenerationStats {
	stats := GenerationStats{
		Generation:     gen,
		PopulationSize: len(pop),
		BestFitness:    pop[0].Fitness,
		WorstFitness:   pop[len(pop)-1].Fitness,
		AverageFitness: WorstFitness,
		TopKSpread:     topKSpread(pop, k),
	}

	var sum float64
	var ok int
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, ind := range pop {
		if ind.Evaluated && !ind.Failed() {
			sum += ind.Fitness
			ok++
			lo = math.Min(lo, ind.Fitness)
			hi = math.Max(hi, ind.Fitness)
		}
	}
	if ok > 0 {
		// Rounding in the sum must not push the mean outside the evaluated range
		stats.AverageFitness = math.Max(lo, math.Min(hi, sum/float64(ok)))
	}
	return stats
}

// topKSpread returns the fitness range among the k best of a sorted population
func topKSpread(pop Population, k int) float64 {
	if k > len(pop) {
		k = len(pop)
	}
	if k < 1 {
		return 0
	}
	spread := pop[0].Fitness - pop[k-1].Fitness
	if math.IsInf(spread, 0) || math.IsNaN(spread) {
		return math.MaxFloat64
	}
	return spread
}

// finishRun finalizes a run and notifies observers
func finishRun(run *OptimizationRun, status RunStatus, err error, observer Observer, onComplete CompletionFunc) {
	run.finish(status, err)

	var event *zerolog.Event
	if err != nil {
		event = log.Warn().Err(err)
	} else {
		event = log.Info()
	}
	event.
		Str("run_id", run.ID).
		Str("method", run.Method).
		Str("status", string(run.Status)).
		Int("generations", run.Generations).
		Int("evaluations", run.Evaluations).
		Int("failures", run.Failures).
		Float64("best_fitness", run.BestFitness()).
		Dur("duration", run.Duration).
		Msg("Optimization complete")

	if observer != nil {
		observer.RunFinished(run)
	}
	if onComplete != nil {
		onComplete(run)
	}
}

// ============================================================================
// GENETIC ALGORITHM OPTIMIZER
// ============================================================================

// GeneticOptions configures a genetic optimization run
type GeneticOptions struct {
	PopulationSize       int           `mapstructure:"population_size"`
	Generations          int           `mapstructure:"generations"`
	MutationRate         float64       `mapstructure:"mutation_rate"`
	CrossoverRate        float64       `mapstructure:"crossover_rate"`
	EliteSize            int           `mapstructure:"elite_size"`
	ConvergenceThreshold float64       `mapstructure:"convergence_threshold"`
	TournamentSize       int           `mapstructure:"tournament_size"`
	ConvergenceTopK      int           `mapstructure:"convergence_top_k"`
	MinGenerations       int           `mapstructure:"min_generations"`
	Workers              int           `mapstructure:"workers"`
	Seed                 int64         `mapstructure:"seed"` // 0 = time-based seed
	EvaluationTimeout    time.Duration `mapstructure:"evaluation_timeout"`

	Observer   Observer       `mapstructure:"-"`
	OnComplete CompletionFunc `mapstructure:"-"`
}

// DefaultGeneticOptions returns the default genetic algorithm settings
func DefaultGeneticOptions() GeneticOptions {
	return GeneticOptions{
		PopulationSize:       50,
		Generations:          20,
		MutationRate:         0.1,
		CrossoverRate:        0.8,
		EliteSize:            2,
		ConvergenceThreshold: 1e-6,
		TournamentSize:       3,
		ConvergenceTopK:      5,
		MinGenerations:       1,
		Workers:              4,
	}
}

// withDefaults fills unset auxiliary settings
func (o GeneticOptions) withDefaults() GeneticOptions {
	if o.TournamentSize <= 0 {
		o.TournamentSize = 3
	}
	if o.ConvergenceTopK <= 0 {
		o.ConvergenceTopK = 5
	}
	if o.ConvergenceTopK > o.PopulationSize {
		o.ConvergenceTopK = o.PopulationSize
	}
	if o.MinGenerations <= 0 {
		o.MinGenerations = 1
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}

// Validate checks the options for values that make a run meaningless
func (o GeneticOptions) Validate() error {
	switch {
	case o.PopulationSize < 2:
		return configErrorf("population_size", ErrInvalidOptions, "must be at least 2, got %d", o.PopulationSize)
	case o.Generations < 1:
		return configErrorf("generations", ErrInvalidOptions, "must be at least 1, got %d", o.Generations)
	case o.MutationRate < 0 || o.MutationRate > 1:
		return configErrorf("mutation_rate", ErrInvalidOptions, "must be in [0, 1], got %v", o.MutationRate)
	case o.CrossoverRate < 0 || o.CrossoverRate > 1:
		return configErrorf("crossover_rate", ErrInvalidOptions, "must be in [0, 1], got %v", o.CrossoverRate)
	case o.EliteSize < 0 || o.EliteSize > o.PopulationSize:
		return configErrorf("elite_size", ErrInvalidOptions, "must be in [0, %d], got %d", o.PopulationSize, o.EliteSize)
	case o.ConvergenceThreshold < 0 || math.IsNaN(o.ConvergenceThreshold):
		return configErrorf("convergence_threshold", ErrInvalidOptions, "must not be negative")
	case o.EvaluationTimeout < 0:
		return configErrorf("evaluation_timeout", ErrInvalidOptions, "must not be negative")
	}
	return nil
}

// GeneticOptimizer searches a parameter space with a genetic algorithm.
// At most one run executes at a time per optimizer; concurrent calls to
// Optimize block until the active run finishes.
type GeneticOptimizer struct {
	mu sync.Mutex

	stateMu sync.RWMutex
	state   GAState
}

// NewGeneticOptimizer creates a genetic algorithm optimizer
func NewGeneticOptimizer() *GeneticOptimizer {
	return &GeneticOptimizer{state: StateInitialized}
}

// State returns the state of the active (or last) run
func (opt *GeneticOptimizer) State() GAState {
	opt.stateMu.RLock()
	defer opt.stateMu.RUnlock()
	return opt.state
}

func (opt *GeneticOptimizer) setState(run *OptimizationRun, state GAState) {
	opt.stateMu.Lock()
	opt.state = state
	opt.stateMu.Unlock()
	run.State = state
}

// Optimize evolves a population over space, scoring individuals with fitness.
//
// Structural problems (empty space, invalid options) fail fast with a
// ConfigurationError and a nil run. A cancelled run is returned together
// with the context error; its Error field is populated.
func (opt *GeneticOptimizer) Optimize(ctx context.Context, space *ParameterSpace, objective Objective, fitness Evaluator, opts GeneticOptions) (*OptimizationRun, error) {
	if space == nil || space.Len() == 0 {
		return nil, &ConfigurationError{Field: "parameters", Err: ErrEmptyParameterSpace}
	}
	if fitness == nil {
		return nil, configErrorf("fitness", ErrInvalidOptions, "fitness function is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	opt.mu.Lock()
	defer opt.mu.Unlock()

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- Non-cryptographic use: reproducible search

	run := newRun(MethodGenetic, objective, space, seed)
	opt.setState(run, StateInitialized)
	eval := evaluation{fitness: fitness, workers: opts.Workers, timeout: opts.EvaluationTimeout, observer: opts.Observer}

	log.Info().
		Str("run_id", run.ID).
		Str("objective", string(objective)).
		Int("population", opts.PopulationSize).
		Int("generations", opts.Generations).
		Float64("mutation_rate", opts.MutationRate).
		Float64("crossover_rate", opts.CrossoverRate).
		Int("elite_size", opts.EliteSize).
		Int64("seed", seed).
		Msg("Starting genetic algorithm optimization")

	if opts.Observer != nil {
		opts.Observer.RunStarted(run)
	}

	population := make(Population, opts.PopulationSize)
	for i := range population {
		population[i] = newIndividual(space.Random(rng))
	}

	var best *Individual
	status := RunStatusExhausted

	for gen := 1; gen <= opts.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return opt.cancel(run, population, err, opts)
		}
		genStart := time.Now()

		opt.setState(run, StateEvaluating)
		evaluated, failed := eval.evaluatePopulation(ctx, run, population)
		run.Evaluations += evaluated
		run.Failures += failed
		if err := ctx.Err(); err != nil {
			return opt.cancel(run, population, err, opts)
		}

		opt.setState(run, StateSelecting)
		sortPopulation(population)
		if best == nil || population[0].Fitness > best.Fitness {
			best = population[0].clone()
		}
		run.Best = best

		stats := generationStats(gen, population, opts.ConvergenceTopK)
		stats.BestEverFitness = best.Fitness
		stats.Evaluations = evaluated
		stats.Failures = failed
		stats.Duration = time.Since(genStart)
		run.History = append(run.History, stats)
		run.Generations = gen

		log.Debug().
			Str("run_id", run.ID).
			Int("generation", gen).
			Float64("best", stats.BestFitness).
			Float64("average", stats.AverageFitness).
			Float64("best_ever", stats.BestEverFitness).
			Float64("spread", stats.TopKSpread).
			Int("evaluations", evaluated).
			Msg("Generation complete")

		if opts.Observer != nil {
			opts.Observer.GenerationCompleted(run, stats)
		}

		if gen >= opts.MinGenerations && population[0].Fitness != WorstFitness && stats.TopKSpread < opts.ConvergenceThreshold {
			status = RunStatusConverged
			break
		}
		if gen == opts.Generations {
			break
		}

		opt.setState(run, StateReproducing)
		population = opt.reproduce(population, space, rng, opts)
	}

	if status == RunStatusConverged {
		opt.setState(run, StateConverged)
	} else {
		opt.setState(run, StateExhausted)
	}
	run.TopResults = topResults(population, topResultsLimit)
	finishRun(run, status, nil, opts.Observer, opts.OnComplete)

	return run, nil
}

func (opt *GeneticOptimizer) cancel(run *OptimizationRun, population Population, err error, opts GeneticOptions) (*OptimizationRun, error) {
	opt.setState(run, StateCancelled)
	evaluated := make(Population, 0, len(population))
	for _, ind := range population {
		if ind.Evaluated {
			evaluated = append(evaluated, ind)
		}
	}
	sortPopulation(evaluated)
	run.TopResults = topResults(evaluated, topResultsLimit)

	err = fmt.Errorf("optimization cancelled: %w", err)
	finishRun(run, RunStatusCancelled, err, opts.Observer, opts.OnComplete)
	return run, err
}

// reproduce builds the next generation from a sorted population: elites are
// carried over with their cached fitness, the rest come from tournament
// selection, single-point crossover and mutation
func (opt *GeneticOptimizer) reproduce(population Population, space *ParameterSpace, rng *rand.Rand, opts GeneticOptions) Population {
	next := make(Population, 0, opts.PopulationSize+1)

	for i := 0; i < opts.EliteSize && i < len(population); i++ {
		next = append(next, population[i].clone())
	}

	for len(next) < opts.PopulationSize {
		parent1 := opt.selectParent(population, rng, opts.TournamentSize)
		parent2 := opt.selectParent(population, rng, opts.TournamentSize)

		var children [2]*Individual
		if rng.Float64() < opts.CrossoverRate {
			if c1, c2, ok := opt.crossover(parent1.Params, parent2.Params, rng); ok {
				children = [2]*Individual{newIndividual(space.Clamp(c1)), newIndividual(space.Clamp(c2))}
			}
		}
		if children[0] == nil {
			children = [2]*Individual{parent1.clone(), parent2.clone()}
		}

		for _, child := range children {
			if rng.Float64() < opts.MutationRate {
				child = opt.mutate(child, space, rng)
			}
			next = append(next, child)
		}
	}

	return next[:opts.PopulationSize]
}

// selectParent selects a parent using tournament selection. The population is
// sorted, so the lowest sampled index is the fittest contestant.
func (opt *GeneticOptimizer) selectParent(population Population, rng *rand.Rand, size int) *Individual {
	best := rng.Intn(len(population))
	for i := 1; i < size; i++ {
		if c := rng.Intn(len(population)); c < best {
			best = c
		}
	}
	return population[best]
}

// crossover splits the ordered parameter list at a random point and swaps tails
func (opt *GeneticOptimizer) crossover(parent1, parent2 Params, rng *rand.Rand) (Params, Params, bool) {
	n := parent1.Len()
	if n < 2 || parent2.Len() != n {
		return Params{}, Params{}, false
	}
	point := 1 + rng.Intn(n-1)

	child1, child2 := parent1.clone(), parent2.clone()
	for i := point; i < n; i++ {
		child1.values[i], child2.values[i] = parent2.values[i], parent1.values[i]
	}
	return child1, child2, true
}

// mutate redraws one parameter uniformly within its bounds
func (opt *GeneticOptimizer) mutate(ind *Individual, space *ParameterSpace, rng *rand.Rand) *Individual {
	i := rng.Intn(space.Len())
	p := space.params[i]
	return newIndividual(space.Clamp(ind.Params.with(i, p.Random(rng))))
}

// ============================================================================
// GRID SEARCH OPTIMIZER
// ============================================================================

// GridOptions configures an exhaustive grid search
type GridOptions struct {
	Workers           int           `mapstructure:"workers"`
	MaxCombinations   int           `mapstructure:"max_combinations"`
	EvaluationTimeout time.Duration `mapstructure:"evaluation_timeout"`

	Observer   Observer       `mapstructure:"-"`
	OnComplete CompletionFunc `mapstructure:"-"`
}

// DefaultMaxCombinations bounds grid size when GridOptions.MaxCombinations is unset
const DefaultMaxCombinations = 10000

// GridSearchOptimizer performs exhaustive grid search over a parameter space
type GridSearchOptimizer struct {
	mu sync.Mutex
}

// NewGridSearchOptimizer creates a new grid search optimizer
func NewGridSearchOptimizer() *GridSearchOptimizer {
	return &GridSearchOptimizer{}
}

// Optimize evaluates every grid point of space
func (opt *GridSearchOptimizer) Optimize(ctx context.Context, space *ParameterSpace, objective Objective, fitness Evaluator, opts GridOptions) (*OptimizationRun, error) {
	if space == nil || space.Len() == 0 {
		return nil, &ConfigurationError{Field: "parameters", Err: ErrEmptyParameterSpace}
	}
	if fitness == nil {
		return nil, configErrorf("fitness", ErrInvalidOptions, "fitness function is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxCombinations <= 0 {
		opts.MaxCombinations = DefaultMaxCombinations
	}

	total := 1
	for _, p := range space.params {
		total *= len(p.Grid())
		if total > opts.MaxCombinations {
			return nil, configErrorf("parameters", ErrInvalidOptions, "grid exceeds %d combinations", opts.MaxCombinations)
		}
	}

	opt.mu.Lock()
	defer opt.mu.Unlock()

	run := newRun(MethodGridSearch, objective, space, 0)
	eval := evaluation{fitness: fitness, workers: opts.Workers, timeout: opts.EvaluationTimeout, observer: opts.Observer}

	log.Info().
		Str("run_id", run.ID).
		Int("parameters", space.Len()).
		Int("combinations", total).
		Int("parallel", opts.Workers).
		Msg("Starting grid search optimization")

	if opts.Observer != nil {
		opts.Observer.RunStarted(run)
	}

	combinations := opt.generateCombinations(space)
	population := make(Population, len(combinations))
	for i, p := range combinations {
		population[i] = newIndividual(p)
	}

	start := time.Now()
	evaluated, failed := eval.evaluatePopulation(ctx, run, population)
	run.Evaluations = evaluated
	run.Failures = failed
	run.Generations = 1

	if err := ctx.Err(); err != nil {
		done := make(Population, 0, len(population))
		for _, ind := range population {
			if ind.Evaluated {
				done = append(done, ind)
			}
		}
		sortPopulation(done)
		if len(done) > 0 {
			run.Best = done[0].clone()
		}
		run.TopResults = topResults(done, topResultsLimit)
		err = fmt.Errorf("grid search cancelled: %w", err)
		finishRun(run, RunStatusCancelled, err, opts.Observer, opts.OnComplete)
		return run, err
	}

	sortPopulation(population)
	run.Best = population[0].clone()
	run.TopResults = topResults(population, topResultsLimit)

	stats := generationStats(1, population, topResultsLimit)
	stats.BestEverFitness = run.Best.Fitness
	stats.Evaluations = evaluated
	stats.Failures = failed
	stats.Duration = time.Since(start)
	run.History = append(run.History, stats)

	if opts.Observer != nil {
		opts.Observer.GenerationCompleted(run, stats)
	}
	finishRun(run, RunStatusCompleted, nil, opts.Observer, opts.OnComplete)

	return run, nil
}

// generateCombinations generates all parameter combinations in space order
func (opt *GridSearchOptimizer) generateCombinations(space *ParameterSpace) []Params {
	grids := make([][]float64, space.Len())
	for i, p := range space.params {
		grids[i] = p.Grid()
	}
	return opt.generateCombinationsRecursive(space.Names(), grids, 0, make([]float64, 0, space.Len()))
}

func (opt *GridSearchOptimizer) generateCombinationsRecursive(names []string, grids [][]float64, idx int, current []float64) []Params {
	if idx >= len(grids) {
		values := make([]float64, len(current))
		copy(values, current)
		return []Params{{names: names, values: values}}
	}

	var combinations []Params
	for _, v := range grids[idx] {
		combinations = append(combinations, opt.generateCombinationsRecursive(names, grids, idx+1, append(current, v))...)
	}
	return combinations
}
