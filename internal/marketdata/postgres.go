package marketdata

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// PoolInterface defines the interface for database pool operations
type PoolInterface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// intervals maps timeframes onto the candlestick table's interval column
var intervals = map[backtest.Timeframe]string{
	backtest.TimeframeM1:  "1m",
	backtest.TimeframeM5:  "5m",
	backtest.TimeframeM15: "15m",
	backtest.TimeframeM30: "30m",
	backtest.TimeframeH1:  "1h",
	backtest.TimeframeH4:  "4h",
	backtest.TimeframeD1:  "1d",
	backtest.TimeframeW1:  "1w",
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresProvider loads bars from a candlestick table with columns
// symbol, interval, open_time, open, high, low, close and volume
type PostgresProvider struct {
	pool  PoolInterface
	table string
	close func()
}

// NewPostgresProvider creates a provider over an existing pool
func NewPostgresProvider(pool PoolInterface, table string) (*PostgresProvider, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresProvider{
		pool:  pool,
		table: pgx.Identifier(strings.Split(table, ".")).Sanitize(),
		close: func() {},
	}, nil
}

// NewPostgresProviderFromDSN opens a pgx pool and verifies connectivity
func NewPostgresProviderFromDSN(ctx context.Context, dsn, table string, poolSize int) (*PostgresProvider, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	if poolSize > 0 {
		poolCfg.MaxConns = int32(poolSize) // #nosec G115 -- pool size is validated config
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	provider, err := NewPostgresProvider(pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	provider.close = pool.Close

	log.Info().
		Str("table", table).
		Int32("max_conns", poolCfg.MaxConns).
		Msg("Connected to candlestick database")

	return provider, nil
}

// Close releases the underlying pool when the provider owns it
func (p *PostgresProvider) Close() {
	p.close()
}

// LoadBars implements Provider
func (p *PostgresProvider) LoadBars(ctx context.Context, symbol string, tf backtest.Timeframe, from, to time.Time) ([]*backtest.Candlestick, error) {
	interval, ok := intervals[tf]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", tf)
	}

	query, args := p.buildQuery(symbol, interval, from, to)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candlesticks: %w", err)
	}
	defer rows.Close()

	var bars []*backtest.Candlestick
	for rows.Next() {
		bar := &backtest.Candlestick{Symbol: symbol}
		if err := rows.Scan(&bar.Timestamp, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candlestick: %w", err)
		}
		bar.Timestamp = bar.Timestamp.UTC()
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candlesticks: %w", err)
	}

	bars, err = normalize(bars, from, to)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w for %s %s", ErrNoBars, symbol, tf)
	}
	return bars, nil
}

func (p *PostgresProvider) buildQuery(symbol, interval string, from, to time.Time) (string, []interface{}) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT open_time, open, high, low, close, volume FROM %s WHERE symbol = $1 AND interval = $2", p.table)
	args := []interface{}{symbol, interval}

	if !from.IsZero() {
		args = append(args, from)
		fmt.Fprintf(&sb, " AND open_time >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		fmt.Fprintf(&sb, " AND open_time < $%d", len(args))
	}
	sb.WriteString(" ORDER BY open_time ASC")

	return sb.String(), args
}
