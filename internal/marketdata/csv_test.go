package marketdata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/cryptofunk-lab/internal/config"
	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

const sampleCSV = `timestamp,open,high,low,close,volume
2024-01-01T02:00:00Z,1.1010,1.1030,1.1000,1.1020,900
2024-01-01T00:00:00Z,1.1000,1.1010,1.0990,1.1005,1000
2024-01-01T01:00:00Z,1.1005,1.1015,1.0995,1.1010,1100
2024-01-01T03:00:00Z,1.1020,1.1040,1.1015,1.1035,800
`

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bars.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestCSVProviderLoadBars(t *testing.T) {
	provider := NewCSVProvider(writeCSV(t, sampleCSV))

	bars, err := provider.LoadBars(context.Background(), "EURUSD", backtest.TimeframeH1, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 4)

	for i := 1; i < len(bars); i++ {
		assert.True(t, bars[i].Timestamp.After(bars[i-1].Timestamp), "bars must be sorted")
	}
	assert.Equal(t, "EURUSD", bars[0].Symbol)
	assert.Equal(t, 1.1000, bars[0].Open)
	assert.Equal(t, 1000.0, bars[0].Volume)
	assert.Equal(t, 1.1035, bars[3].Close)
}

func TestCSVProviderTimeRange(t *testing.T) {
	provider := NewCSVProvider(writeCSV(t, sampleCSV))

	from := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	bars, err := provider.LoadBars(context.Background(), "EURUSD", backtest.TimeframeH1, from, to)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Timestamp.Equal(from), "from is inclusive")
	assert.Equal(t, 2, bars[1].Timestamp.Hour(), "to is exclusive")

	_, err = provider.LoadBars(context.Background(), "EURUSD", backtest.TimeframeH1,
		time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), time.Time{})
	assert.ErrorIs(t, err, ErrNoBars)
}

func TestReadCSVFormats(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    time.Time
	}{
		{
			name:    "metatrader export",
			content: "Date,Open,High,Low,Close\n2024.03.04 13:00,1.1,1.2,1.0,1.15\n",
			want:    time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC),
		},
		{
			name:    "space separated datetime and aliases",
			content: "datetime, open, high, low, close, vol\n2024-03-04 13:00:00, 1.1, 1.2, 1.0, 1.15, 5\n",
			want:    time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC),
		},
		{
			name:    "unix seconds",
			content: "time,open,high,low,close\n1709557200,1.1,1.2,1.0,1.15\n",
			want:    time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC),
		},
		{
			name:    "byte order mark",
			content: "\ufefftimestamp,open,high,low,close\n2024-03-04,1.1,1.2,1.0,1.15\n",
			want:    time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bars, err := ReadCSV(context.Background(), strings.NewReader(tt.content), "EURUSD")
			require.NoError(t, err)
			require.Len(t, bars, 1)
			assert.True(t, tt.want.Equal(bars[0].Timestamp), "got %s", bars[0].Timestamp)
			assert.Equal(t, 1.15, bars[0].Close)
		})
	}
}

func TestReadCSVErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"missing column", "timestamp,open,high,close\n2024-01-01,1,1,1\n", `missing required column "low"`},
		{"bad price", "timestamp,open,high,low,close\n2024-01-01,1.1,abc,1.0,1.1\n", "line 2: invalid high price"},
		{"bad timestamp", "timestamp,open,high,low,close\nyesterday,1.1,1.2,1.0,1.1\n", `invalid timestamp "yesterday"`},
		{"bad volume", "timestamp,open,high,low,close,volume\n2024-01-01,1.1,1.2,1.0,1.1,lots\n", "invalid volume"},
		{"short record", "timestamp,open,high,low,close\n2024-01-01,1.1,1.2\n", "missing low"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(context.Background(), strings.NewReader(tt.content), "EURUSD")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err := ReadCSV(context.Background(), strings.NewReader(""), "EURUSD")
	assert.ErrorIs(t, err, ErrNoBars)
}

func TestCSVProviderRejectsInvalidSeries(t *testing.T) {
	inverted := "timestamp,open,high,low,close\n2024-01-01T00:00:00Z,1.1,1.0,1.2,1.1\n"
	_, err := NewCSVProvider(writeCSV(t, inverted)).LoadBars(context.Background(), "EURUSD", backtest.TimeframeH1, time.Time{}, time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid range")

	duplicate := "timestamp,open,high,low,close\n2024-01-01T00:00:00Z,1.1,1.2,1.0,1.1\n2024-01-01T00:00:00Z,1.1,1.2,1.0,1.1\n"
	_, err = NewCSVProvider(writeCSV(t, duplicate)).LoadBars(context.Background(), "EURUSD", backtest.TimeframeH1, time.Time{}, time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate bar")
}

func TestCSVProviderMissingFile(t *testing.T) {
	_, err := NewCSVProvider(filepath.Join(t.TempDir(), "missing.csv")).
		LoadBars(context.Background(), "EURUSD", backtest.TimeframeH1, time.Time{}, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCSVProviderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCSVProvider(writeCSV(t, sampleCSV)).LoadBars(ctx, "EURUSD", backtest.TimeframeH1, time.Time{}, time.Time{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen(t *testing.T) {
	cfg := config.DataConfig{
		Source:  "csv",
		CSVPath: writeCSV(t, sampleCSV),
		Breaker: config.BreakerConfig{Enabled: true, FailureThreshold: 2, Timeout: time.Second},
	}

	provider, closeFn, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()

	_, ok := provider.(*BreakerProvider)
	assert.True(t, ok, "breaker should wrap the provider when enabled")

	bars, err := provider.LoadBars(context.Background(), "EURUSD", backtest.TimeframeH1, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, bars, 4)

	_, _, err = Open(context.Background(), config.DataConfig{Source: "s3"})
	assert.Error(t, err)
}
