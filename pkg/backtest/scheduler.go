package backtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrAutoOptimizerRunning    = errors.New("auto optimizer is already running")
	ErrAutoOptimizerNotRunning = errors.New("auto optimizer is not running")
)

// JobFunc performs one optimization. The context is cancelled on Stop, which
// the optimizers observe once per generation.
type JobFunc func(ctx context.Context) (*OptimizationRun, error)

// TriggerFunc decides at each wait cycle whether a new optimization is due,
// e.g. when live performance has degraded below a threshold. last is nil
// before the first run.
type TriggerFunc func(ctx context.Context, last *OptimizationRun) (bool, error)

// AutoOptimizerConfig configures the background optimization loop
type AutoOptimizerConfig struct {
	Interval       time.Duration
	RunImmediately bool
	Trigger        TriggerFunc // nil = run on every cycle
	Job            JobFunc
	OnComplete     CompletionFunc
}

// AutoOptimizer runs optimizations periodically or when a trigger fires.
// It is a cooperative loop: a stop request is observed once per wait cycle
// and, through the job context, once per generation.
type AutoOptimizer struct {
	config AutoOptimizerConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastRun *OptimizationRun
	runs    int

	stopRequested atomic.Bool
}

// NewAutoOptimizer creates an auto optimizer
func NewAutoOptimizer(cfg AutoOptimizerConfig) (*AutoOptimizer, error) {
	if cfg.Job == nil {
		return nil, configErrorf("auto_optimize.job", ErrInvalidOptions, "job is required")
	}
	if cfg.Interval <= 0 {
		return nil, configErrorf("auto_optimize.interval", ErrInvalidOptions, "interval must be positive")
	}
	return &AutoOptimizer{config: cfg}, nil
}

// Start launches the loop in the background
func (a *AutoOptimizer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrAutoOptimizerRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true
	a.stopRequested.Store(false)

	a.wg.Add(1)
	go a.loop(loopCtx, cancel)

	log.Info().
		Dur("interval", a.config.Interval).
		Bool("triggered", a.config.Trigger != nil).
		Msg("Auto optimizer started")
	return nil
}

// Stop requests the loop to stop and waits for the active optimization to
// observe it. Completion is bounded by one generation's wall-clock time.
func (a *AutoOptimizer) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return ErrAutoOptimizerNotRunning
	}
	a.stopRequested.Store(true)
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()

	log.Info().Msg("Auto optimizer stopped")
	return nil
}

// IsRunning reports whether the loop is active. It turns false once the
// loop exits, including when the context passed to Start is cancelled.
func (a *AutoOptimizer) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// LastRun returns the most recent completed run
func (a *AutoOptimizer) LastRun() *OptimizationRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRun
}

// Runs returns the number of optimizations started by the loop
func (a *AutoOptimizer) Runs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs
}

func (a *AutoOptimizer) loop(ctx context.Context, cancel context.CancelFunc) {
	defer a.wg.Done()
	defer func() {
		cancel()
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		if !a.stopRequested.Load() {
			log.Info().Err(ctx.Err()).Msg("Auto optimizer loop exited")
		}
	}()

	if a.config.RunImmediately {
		a.cycle(ctx)
	}

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		if a.stopRequested.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

// cycle runs one wait-cycle step: check the stop flag, consult the trigger,
// then run the job
func (a *AutoOptimizer) cycle(ctx context.Context) {
	if a.stopRequested.Load() || ctx.Err() != nil {
		return
	}

	if a.config.Trigger != nil {
		due, err := a.config.Trigger(ctx, a.LastRun())
		if err != nil {
			log.Warn().Err(err).Msg("Auto optimize trigger failed")
			return
		}
		if !due {
			log.Debug().Msg("Auto optimize trigger not met")
			return
		}
	}

	a.mu.Lock()
	a.runs++
	a.mu.Unlock()

	run, err := a.config.Job(ctx)
	if err != nil && run == nil {
		log.Error().Err(err).Msg("Auto optimization failed")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("Auto optimization ended early")
	}

	a.mu.Lock()
	a.lastRun = run
	a.mu.Unlock()

	if a.config.OnComplete != nil {
		a.config.OnComplete(run)
	}
}
