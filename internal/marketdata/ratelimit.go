package marketdata

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ajitpratap0/cryptofunk-lab/internal/config"
	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// RateLimitedProvider spaces out loads so scheduled re-optimizations cannot
// flood a shared candlestick database
type RateLimitedProvider struct {
	next    Provider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps p with a token bucket limiter
func NewRateLimitedProvider(p Provider, cfg config.RateLimitConfig) *RateLimitedProvider {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{
		next:    p,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
	}
}

// LoadBars waits for a token, then delegates
func (r *RateLimitedProvider) LoadBars(ctx context.Context, symbol string, tf backtest.Timeframe, from, to time.Time) ([]*backtest.Candlestick, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.LoadBars(ctx, symbol, tf, from, to)
}
