// Strategy Optimizer CLI
// Searches the strategy parameter space for the best configuration, once or
// continuously when performance degrades
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/cryptofunk-lab/internal/config"
	"github.com/ajitpratap0/cryptofunk-lab/internal/marketdata"
	"github.com/ajitpratap0/cryptofunk-lab/internal/metrics"
	"github.com/ajitpratap0/cryptofunk-lab/internal/notify"
	"github.com/ajitpratap0/cryptofunk-lab/internal/runstore"
	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	configPath = flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	method     = flag.String("method", "", "Optimization method: genetic_algorithm, grid_search or walk_forward (overrides config)")
	objective  = flag.String("objective", "", "Optimization objective (overrides config)")
	auto       = flag.Bool("auto", false, "Keep running and re-optimize when the best configuration degrades")
	outputFile = flag.String("output", "", "Output file for the run report (optional)")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
)

// ============================================================================
// MAIN
// ============================================================================

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *method != "" {
		cfg.Optimizer.Method = *method
	}
	if *objective != "" {
		cfg.Optimizer.Objective = *objective
	}
	if *auto {
		cfg.AutoOptimize.Enabled = true
	}

	level := cfg.App.LogLevel
	if *verbose {
		level = "debug"
	}
	config.InitLogger(level, cfg.App.LogFormat)

	log.Info().
		Str("version", config.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting strategy optimizer")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Optimizer failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	provider, closeProvider, err := marketdata.Open(ctx, cfg.Data)
	if err != nil {
		return fmt.Errorf("failed to open bar source: %w", err)
	}
	defer closeProvider()

	app, err := newOptimizerApp(cfg, provider)
	if err != nil {
		return err
	}

	// ========================================================================
	// OPTIONAL SINKS
	// ========================================================================

	if cfg.Monitoring.EnableMetrics {
		server := metrics.NewServer(cfg.Monitoring.PrometheusPort, config.Version, log.Logger)
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		app.observer = metrics.NewRunObserver()
	}

	if cfg.Redis.Enabled {
		store, err := runstore.NewRedisStoreFromConfig(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer store.Close()
		app.store = store
	}

	if cfg.NATS.Enabled {
		publisher, err := notify.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return err
		}
		defer publisher.Close()
		app.publisher = publisher
	}

	if cfg.AutoOptimize.Enabled {
		return runAuto(ctx, app)
	}
	return runOnce(ctx, app)
}

// ============================================================================
// SINGLE RUN
// ============================================================================

func runOnce(ctx context.Context, app *optimizerApp) error {
	result, err := app.optimize(ctx)
	if result == nil {
		return err
	}

	report := backtest.GenerateRunReport(result)
	fmt.Println(report)

	if *outputFile != "" {
		if writeErr := os.WriteFile(*outputFile, []byte(report), 0600); writeErr != nil {
			log.Warn().Err(writeErr).Str("file", *outputFile).Msg("Failed to write output file")
		} else {
			log.Info().Str("file", *outputFile).Msg("Report written to file")
		}
	}

	if errors.Is(err, context.Canceled) {
		log.Info().Str("run_id", result.ID).Msg("Optimization cancelled, partial results reported")
		return nil
	}
	return err
}

// ============================================================================
// AUTO OPTIMIZATION
// ============================================================================

func runAuto(ctx context.Context, app *optimizerApp) error {
	scheduler, err := backtest.NewAutoOptimizer(backtest.AutoOptimizerConfig{
		Interval:       app.cfg.AutoOptimize.Interval,
		RunImmediately: app.cfg.AutoOptimize.RunImmediately,
		Trigger:        app.degraded,
		Job:            app.optimize,
		OnComplete: func(run *backtest.OptimizationRun) {
			log.Info().
				Str("run_id", run.ID).
				Str("status", string(run.Status)).
				Float64("best_fitness", run.BestFitness()).
				Msg("Auto optimization cycle finished")
		},
	})
	if err != nil {
		return err
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	if err := scheduler.Stop(); err != nil && !errors.Is(err, backtest.ErrAutoOptimizerNotRunning) {
		return err
	}

	log.Info().Int("runs", scheduler.Runs()).Msg("Auto optimizer exited")
	return nil
}
