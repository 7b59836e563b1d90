//go:build integration

package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ajitpratap0/cryptofunk-lab/internal/config"
	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

const candlestickSchema = `
CREATE TABLE candlesticks (
	symbol    TEXT NOT NULL,
	interval  TEXT NOT NULL,
	open_time TIMESTAMPTZ NOT NULL,
	open      DOUBLE PRECISION NOT NULL,
	high      DOUBLE PRECISION NOT NULL,
	low       DOUBLE PRECISION NOT NULL,
	close     DOUBLE PRECISION NOT NULL,
	volume    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (symbol, interval, open_time)
)`

// setupCandlestickDatabase starts PostgreSQL and returns its DSN
func setupCandlestickDatabase(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("labfunk_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, candlestickSchema)
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 48; i++ {
		price := 1.1 + float64(i%6)*0.001
		_, err = pool.Exec(ctx,
			`INSERT INTO candlesticks (symbol, interval, open_time, open, high, low, close, volume)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			"EURUSD", "1h", start.Add(time.Duration(i)*time.Hour), price, price+0.002, price-0.002, price+0.0005, 1000.0)
		require.NoError(t, err)
	}
	// Different interval, never returned for H1
	_, err = pool.Exec(ctx,
		`INSERT INTO candlesticks VALUES ('EURUSD', '4h', $1, 1, 1, 1, 1, 1)`, start)
	require.NoError(t, err)

	return dsn
}

func TestPostgresProviderWithTestcontainers(t *testing.T) {
	dsn := setupCandlestickDatabase(t)
	ctx := context.Background()

	provider, closeFn, err := Open(ctx, config.DataConfig{
		Source:   "postgres",
		Postgres: config.PostgresConfig{DSN: dsn, Table: "candlesticks", PoolSize: 2},
		Breaker:  config.BreakerConfig{Enabled: true, MaxRequests: 1, Timeout: time.Second, FailureThreshold: 3},
	})
	require.NoError(t, err)
	defer closeFn()

	bars, err := provider.LoadBars(ctx, "EURUSD", backtest.TimeframeH1, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 48)
	assert.True(t, bars[0].Timestamp.Before(bars[47].Timestamp))

	from := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars, err = provider.LoadBars(ctx, "EURUSD", backtest.TimeframeH1, from, to)
	require.NoError(t, err)
	require.Len(t, bars, 12)
	assert.Equal(t, from, bars[0].Timestamp)

	_, err = provider.LoadBars(ctx, "GBPUSD", backtest.TimeframeH1, time.Time{}, time.Time{})
	assert.ErrorIs(t, err, ErrNoBars)
}
