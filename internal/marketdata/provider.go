// Package marketdata loads historical candlesticks for backtests from CSV
// files or a Postgres candlestick table
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/cryptofunk-lab/internal/config"
	"github.com/ajitpratap0/cryptofunk-lab/internal/metrics"
	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// ErrNoBars is returned when a query matches no candlesticks
var ErrNoBars = errors.New("no bars found")

// Provider loads an ordered bar series. Zero from/to times are unbounded;
// from is inclusive and to is exclusive.
type Provider interface {
	LoadBars(ctx context.Context, symbol string, tf backtest.Timeframe, from, to time.Time) ([]*backtest.Candlestick, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context, symbol string, tf backtest.Timeframe, from, to time.Time) ([]*backtest.Candlestick, error)

// LoadBars implements Provider
func (f ProviderFunc) LoadBars(ctx context.Context, symbol string, tf backtest.Timeframe, from, to time.Time) ([]*backtest.Candlestick, error) {
	return f(ctx, symbol, tf, from, to)
}

// Open builds the provider described by cfg. The returned close function
// releases any connections and is never nil.
func Open(ctx context.Context, cfg config.DataConfig) (Provider, func(), error) {
	var (
		provider Provider
		closeFn  = func() {}
	)

	switch cfg.Source {
	case "csv":
		provider = NewCSVProvider(cfg.CSVPath)
	case "postgres":
		pg, err := NewPostgresProviderFromDSN(ctx, cfg.Postgres.DSN, cfg.Postgres.Table, cfg.Postgres.PoolSize)
		if err != nil {
			return nil, nil, err
		}
		provider = pg
		closeFn = pg.Close
	default:
		return nil, nil, fmt.Errorf("unsupported data source %q", cfg.Source)
	}

	provider = Instrument(cfg.Source, provider)
	if cfg.RateLimit.Enabled {
		provider = NewRateLimitedProvider(provider, cfg.RateLimit)
	}
	if cfg.Breaker.Enabled {
		provider = NewBreakerProvider(cfg.Source, provider, cfg.Breaker)
	}

	return provider, closeFn, nil
}

// instrumented records load counts, latency and error categories
type instrumented struct {
	source string
	next   Provider
}

// Instrument wraps p with Prometheus load metrics labelled by source
func Instrument(source string, p Provider) Provider {
	return &instrumented{source: source, next: p}
}

func (i *instrumented) LoadBars(ctx context.Context, symbol string, tf backtest.Timeframe, from, to time.Time) ([]*backtest.Candlestick, error) {
	start := time.Now()
	bars, err := i.next.LoadBars(ctx, symbol, tf, from, to)
	if err != nil {
		metrics.RecordDataSourceError(i.source, err)
		return nil, err
	}

	duration := float64(time.Since(start).Microseconds()) / 1000
	metrics.RecordBarsLoaded(i.source, len(bars), duration)

	log.Debug().
		Str("source", i.source).
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("bars", len(bars)).
		Float64("duration_ms", duration).
		Msg("Loaded bars")

	return bars, nil
}

// normalize filters bars to [from, to), sorts them by time and rejects
// duplicate timestamps or impossible prices
func normalize(bars []*backtest.Candlestick, from, to time.Time) ([]*backtest.Candlestick, error) {
	out := bars[:0]
	for _, b := range bars {
		if !from.IsZero() && b.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !b.Timestamp.Before(to) {
			continue
		}
		out = append(out, b)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	for i, b := range out {
		if err := checkBar(b); err != nil {
			return nil, fmt.Errorf("bar at %s: %w", b.Timestamp.Format(time.RFC3339), err)
		}
		if i > 0 && b.Timestamp.Equal(out[i-1].Timestamp) {
			return nil, fmt.Errorf("duplicate bar at %s", b.Timestamp.Format(time.RFC3339))
		}
	}

	return out, nil
}

func checkBar(b *backtest.Candlestick) error {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("invalid price %v", v)
		}
	}
	if b.High < b.Low {
		return fmt.Errorf("invalid range: high %v below low %v", b.High, b.Low)
	}
	if b.Open > b.High || b.Open < b.Low || b.Close > b.High || b.Close < b.Low {
		return fmt.Errorf("invalid range: open/close outside [%v, %v]", b.Low, b.High)
	}
	return nil
}
