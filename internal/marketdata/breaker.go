package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/ajitpratap0/cryptofunk-lab/internal/config"
	"github.com/ajitpratap0/cryptofunk-lab/internal/metrics"
	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// BreakerProvider stops hammering a failing bar source. After
// FailureThreshold consecutive failures loads fail fast with
// gobreaker.ErrOpenState until the open timeout elapses.
type BreakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerProvider wraps p with a circuit breaker named name
func NewBreakerProvider(name string, p Provider, cfg config.BreakerConfig) *BreakerProvider {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: isSourceHealthy,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Bar source circuit breaker state changed")
			metrics.SetCircuitBreakerState(name, int(to))
		},
	})
	metrics.SetCircuitBreakerState(name, int(cb.State()))

	return &BreakerProvider{next: p, cb: cb}
}

// State returns the current breaker state
func (b *BreakerProvider) State() gobreaker.State {
	return b.cb.State()
}

// LoadBars implements Provider
func (b *BreakerProvider) LoadBars(ctx context.Context, symbol string, tf backtest.Timeframe, from, to time.Time) ([]*backtest.Candlestick, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.LoadBars(ctx, symbol, tf, from, to)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*backtest.Candlestick), nil
}

// isSourceHealthy treats caller cancellation and empty results as healthy responses
func isSourceHealthy(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrNoBars)
}

// IsUnavailable reports whether err was returned by an open or saturated
// breaker without reaching the source
func IsUnavailable(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
