package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/cryptofunk-lab/internal/alerts"
	"github.com/ajitpratap0/cryptofunk-lab/internal/config"
	"github.com/ajitpratap0/cryptofunk-lab/internal/marketdata"
	"github.com/ajitpratap0/cryptofunk-lab/internal/metrics"
	"github.com/ajitpratap0/cryptofunk-lab/internal/notify"
	"github.com/ajitpratap0/cryptofunk-lab/internal/runstore"
	"github.com/ajitpratap0/cryptofunk-lab/internal/strategy"
	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// optimizerApp wires bar loading, the optimizers and result delivery
type optimizerApp struct {
	cfg       *config.Config
	space     *backtest.ParameterSpace
	objective backtest.Objective
	provider  marketdata.Provider
	alerts    *alerts.Manager

	// Optional sinks, nil when disabled
	store     *runstore.RedisStore
	publisher *notify.NATSPublisher
	observer  backtest.Observer
}

func newOptimizerApp(cfg *config.Config, provider marketdata.Provider) (*optimizerApp, error) {
	space, err := cfg.ParameterSpace()
	if err != nil {
		return nil, fmt.Errorf("invalid parameter space: %w", err)
	}
	objective, err := cfg.Optimizer.ObjectiveValue()
	if err != nil {
		return nil, err
	}
	return &optimizerApp{
		cfg:       cfg,
		space:     space,
		objective: objective,
		provider:  provider,
		alerts:    alerts.NewManager(alerts.NewLogAlerter()),
	}, nil
}

// loadBars loads the configured window from the bar source
func (a *optimizerApp) loadBars(ctx context.Context) ([]*backtest.Candlestick, error) {
	from, to, err := a.cfg.Data.TimeRange()
	if err != nil {
		return nil, err
	}
	bars, err := a.provider.LoadBars(ctx, a.cfg.Data.Symbol, backtest.Timeframe(a.cfg.Data.Timeframe), from, to)
	if err != nil {
		if marketdata.IsUnavailable(err) {
			_ = a.alerts.SourceUnavailable(ctx, a.cfg.Data.Source, err)
		}
		return nil, fmt.Errorf("failed to load bars: %w", err)
	}
	return bars, nil
}

// optimize loads fresh bars, runs the configured method and exports the
// best configuration. A cancelled run is returned together with its error.
func (a *optimizerApp) optimize(ctx context.Context) (*backtest.OptimizationRun, error) {
	bars, err := a.loadBars(ctx)
	if err != nil {
		return nil, err
	}

	fitness, err := backtest.NewSimulationFitness(bars, a.cfg.Simulation, a.objective, a.space)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("method", a.cfg.Optimizer.Method).
		Str("objective", string(a.objective)).
		Int("bars", len(bars)).
		Strs("parameters", a.space.Names()).
		Msg("Starting optimization")

	var run *backtest.OptimizationRun
	switch a.cfg.Optimizer.Method {
	case backtest.MethodGenetic:
		opts := a.cfg.Optimizer.Genetic
		opts.Observer = a.observer
		opts.OnComplete = a.completionHook(ctx)
		run, err = backtest.NewGeneticOptimizer().Optimize(ctx, a.space, a.objective, fitness, opts)
	case backtest.MethodGridSearch:
		opts := a.cfg.Optimizer.Grid
		opts.Observer = a.observer
		opts.OnComplete = a.completionHook(ctx)
		run, err = backtest.NewGridSearchOptimizer().Optimize(ctx, a.space, a.objective, fitness, opts)
	case backtest.MethodWalkForward:
		opts := a.cfg.Optimizer.WalkForwardOptions()
		opts.Observer = a.observer
		opts.OnComplete = a.completionHook(ctx)
		run, err = backtest.NewWalkForwardOptimizer().Optimize(ctx, bars, a.cfg.Simulation, a.space, a.objective, opts)
	default:
		return nil, fmt.Errorf("unsupported optimization method %q", a.cfg.Optimizer.Method)
	}

	if hasUsableBest(run) && a.cfg.Output.StrategyFile != "" {
		if exportErr := a.export(run, fitness); exportErr != nil {
			log.Error().Err(exportErr).Str("file", a.cfg.Output.StrategyFile).Msg("Failed to export strategy")
		}
	}

	return run, err
}

// completionHook persists and announces every finished run
func (a *optimizerApp) completionHook(ctx context.Context) backtest.CompletionFunc {
	var announce backtest.CompletionFunc
	if a.publisher != nil {
		announce = a.publisher.Hook(ctx)
	}

	return func(run *backtest.OptimizationRun) {
		_ = a.alerts.RunFinished(context.WithoutCancel(ctx), run)
		if a.store != nil {
			if err := a.store.Save(context.WithoutCancel(ctx), run); err != nil {
				log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to save optimization run")
			}
		}
		if announce != nil {
			announce(run)
		}
	}
}

// export re-simulates the best parameters and writes the strategy document
func (a *optimizerApp) export(run *backtest.OptimizationRun, fitness *backtest.SimulationFitness) error {
	_, m, err := fitness.Backtest(run.Best.Params)
	if err != nil {
		return err
	}

	doc, err := strategy.FromRun(a.cfg.Output.StrategyName, run, a.cfg.Simulation, m)
	if err != nil {
		return err
	}

	if err := strategy.ExportToFile(doc, a.cfg.Output.StrategyFile, strategy.DefaultExportOptions()); err != nil {
		return err
	}

	log.Info().
		Str("file", a.cfg.Output.StrategyFile).
		Str("run_id", run.ID).
		Float64("fitness", run.Best.Fitness).
		Msg("Exported optimized strategy")
	return nil
}

// lastUsableRun returns last, or the newest stored run when last is nil
func (a *optimizerApp) lastUsableRun(ctx context.Context, last *backtest.OptimizationRun) (*backtest.OptimizationRun, error) {
	if last != nil || a.store == nil {
		return last, nil
	}
	run, err := a.store.Latest(ctx)
	if errors.Is(err, runstore.ErrRunNotFound) {
		return nil, nil
	}
	return run, err
}

// degraded reports whether the last best configuration has fallen below the
// minimum Sharpe ratio on fresh bars. With no usable previous run an
// optimization is always due.
func (a *optimizerApp) degraded(ctx context.Context, last *backtest.OptimizationRun) (due bool, err error) {
	defer func() {
		switch {
		case err != nil:
			metrics.RecordAutoOptimizeCycle(metrics.CycleError)
		case due:
			metrics.RecordAutoOptimizeCycle(metrics.CycleTriggered)
		default:
			metrics.RecordAutoOptimizeCycle(metrics.CycleSkipped)
		}
	}()

	last, err = a.lastUsableRun(ctx, last)
	if err != nil {
		return false, err
	}
	if !hasUsableBest(last) {
		return true, nil
	}

	bars, err := a.loadBars(ctx)
	if err != nil {
		return false, err
	}

	fitness, err := backtest.NewSimulationFitness(bars, a.cfg.Simulation, a.objective, nil)
	if err != nil {
		return false, err
	}
	_, m, err := fitness.Backtest(last.Best.Params)
	if err != nil {
		// The stored configuration no longer fits the data
		log.Warn().Err(err).Str("run_id", last.ID).Msg("Re-evaluation of last best failed")
		return true, nil
	}

	log.Info().
		Str("run_id", last.ID).
		Float64("sharpe", m.SharpeRatio).
		Float64("min_sharpe", a.cfg.AutoOptimize.MinSharpe).
		Msg("Re-evaluated last best configuration")

	if m.SharpeRatio >= a.cfg.AutoOptimize.MinSharpe {
		return false, nil
	}
	_ = a.alerts.StrategyDegraded(ctx, last.ID, m.SharpeRatio, a.cfg.AutoOptimize.MinSharpe)
	return true, nil
}

// hasUsableBest reports whether run finished cleanly with a successfully
// evaluated best configuration
func hasUsableBest(run *backtest.OptimizationRun) bool {
	return run != nil && run.Succeeded() && run.Best != nil &&
		!run.Best.Failed() && run.Best.Fitness != backtest.WorstFitness
}
