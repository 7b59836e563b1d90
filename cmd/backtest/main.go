// Backtest Runner CLI
// Replays one strategy configuration over historical bars and prints its metrics
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/cryptofunk-lab/internal/config"
	"github.com/ajitpratap0/cryptofunk-lab/internal/marketdata"
	"github.com/ajitpratap0/cryptofunk-lab/internal/strategy"
	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	configPath   = flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	strategyFile = flag.String("strategy", "", "Optimized strategy file to replay instead of the configured simulation")
	overrides    = flag.String("set", "", "Comma-separated parameter overrides, e.g. band_period=25,take_profit_pips=60")
	outputFile   = flag.String("output", "", "Output file for the report (optional)")
	verbose      = flag.Bool("verbose", false, "Enable verbose logging")
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

	level := cfg.App.LogLevel
	if *verbose {
		level = "debug"
	}
	config.InitLogger(level, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Backtest failed")
	}
}

// ============================================================================
// BACKTEST EXECUTION
// ============================================================================

func run(ctx context.Context, cfg *config.Config) error {
	sim, err := resolveStrategy(cfg.Simulation)
	if err != nil {
		return err
	}

	values, err := parseOverrides(*overrides)
	if err != nil {
		return err
	}
	if sim, err = sim.With(values); err != nil {
		return fmt.Errorf("invalid parameter overrides: %w", err)
	}

	from, to, err := cfg.Data.TimeRange()
	if err != nil {
		return err
	}

	provider, closeProvider, err := marketdata.Open(ctx, cfg.Data)
	if err != nil {
		return fmt.Errorf("failed to open bar source: %w", err)
	}
	defer closeProvider()

	bars, err := provider.LoadBars(ctx, cfg.Data.Symbol, backtest.Timeframe(cfg.Data.Timeframe), from, to)
	if err != nil {
		return fmt.Errorf("failed to load bars: %w", err)
	}

	log.Info().
		Str("symbol", sim.Symbol).
		Str("timeframe", string(sim.Timeframe)).
		Int("bars", len(bars)).
		Int("band_period", sim.BandPeriod).
		Float64("band_deviation", sim.BandDeviation).
		Float64("take_profit_pips", sim.TakeProfitPips).
		Float64("stop_loss_pips", sim.StopLossPips).
		Msg("Starting backtest")

	start := time.Now()
	result, err := backtest.Simulate(bars, sim)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}
	metrics := backtest.CalculateMetrics(result)

	log.Info().
		Int("trades", metrics.TotalTrades).
		Float64("net_profit", metrics.NetProfit).
		Float64("sharpe", metrics.SharpeRatio).
		Dur("duration", time.Since(start)).
		Msg("Backtest completed")

	report := backtest.GenerateReport(metrics)
	fmt.Println(report)

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, []byte(report), 0600); err != nil {
			log.Warn().Err(err).Str("file", *outputFile).Msg("Failed to write output file")
		} else {
			log.Info().Str("file", *outputFile).Msg("Report written to file")
		}
	}

	return nil
}

// resolveStrategy returns the strategy document's configuration when one is
// given, otherwise the configured simulation
func resolveStrategy(fallback backtest.StrategyConfig) (backtest.StrategyConfig, error) {
	if *strategyFile == "" {
		return fallback, nil
	}

	doc, err := strategy.ImportFromFile(*strategyFile, strategy.DefaultImportOptions())
	if err != nil {
		return fallback, fmt.Errorf("failed to import strategy: %w", err)
	}

	log.Info().
		Str("name", doc.Metadata.Name).
		Str("run_id", doc.Metadata.RunID).
		Str("file", *strategyFile).
		Msg("Replaying optimized strategy")

	return doc.Strategy, nil
}

// parseOverrides parses name=value pairs separated by commas
func parseOverrides(s string) (map[string]float64, error) {
	values := make(map[string]float64)
	if strings.TrimSpace(s) == "" {
		return values, nil
	}

	for _, pair := range strings.Split(s, ",") {
		name, raw, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid override %q, expected name=value", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", name, err)
		}
		values[strings.TrimSpace(name)] = v
	}
	return values, nil
}
