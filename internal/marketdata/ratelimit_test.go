package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/cryptofunk-lab/internal/config"
)

func TestRateLimitedProviderSpacesLoads(t *testing.T) {
	source := &flakySource{}
	limited := NewRateLimitedProvider(source, config.RateLimitConfig{Enabled: true, RequestsPerSecond: 20, Burst: 1})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, load(limited))
	}

	// Burst of one: the second and third loads each wait ~50ms
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, int32(3), source.calls.Load())
}

func TestRateLimitedProviderHonoursContext(t *testing.T) {
	source := &flakySource{}
	limited := NewRateLimitedProvider(source, config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.01, Burst: 1})

	require.NoError(t, load(limited))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := limited.LoadBars(ctx, "EURUSD", "H1", time.Time{}, time.Time{})
	assert.Error(t, err)
	assert.Equal(t, int32(1), source.calls.Load())
}

func TestOpenWithRateLimit(t *testing.T) {
	cfg := config.DataConfig{
		Source:    "csv",
		CSVPath:   writeCSV(t, sampleCSV),
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerSecond: 100, Burst: 2},
	}

	provider, closeFn, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()

	_, ok := provider.(*RateLimitedProvider)
	assert.True(t, ok, "rate limiter should wrap the provider when enabled")
	require.NoError(t, load(provider))
}
