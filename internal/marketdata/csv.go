package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// timestampLayouts are tried in order for the time column.
// Unix seconds are accepted as well.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006.01.02 15:04",
	"2006-01-02",
}

// columnAliases maps accepted header names onto canonical columns
var columnAliases = map[string]string{
	"timestamp": "timestamp",
	"time":      "timestamp",
	"date":      "timestamp",
	"datetime":  "timestamp",
	"open_time": "timestamp",
	"open":      "open",
	"high":      "high",
	"low":       "low",
	"close":     "close",
	"volume":    "volume",
	"vol":       "volume",
}

var requiredColumns = []string{"timestamp", "open", "high", "low", "close"}

// CSVProvider reads bars from a headed CSV file holding a single symbol and timeframe
type CSVProvider struct {
	path string
}

// NewCSVProvider creates a provider for the file at path
func NewCSVProvider(path string) *CSVProvider {
	return &CSVProvider{path: path}
}

// LoadBars implements Provider. The symbol stamps the returned bars; the file
// itself is assumed to hold the requested timeframe.
func (p *CSVProvider) LoadBars(ctx context.Context, symbol string, tf backtest.Timeframe, from, to time.Time) ([]*backtest.Candlestick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bar file: %w", err)
	}
	defer f.Close()

	bars, err := ReadCSV(ctx, f, symbol)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.path, err)
	}

	bars, err = normalize(bars, from, to)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.path, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w for %s %s in %s", ErrNoBars, symbol, tf, p.path)
	}
	return bars, nil
}

// ReadCSV parses candlesticks from r in file order
func ReadCSV(ctx context.Context, r io.Reader, symbol string) ([]*backtest.Candlestick, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoBars
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make(map[string]int)
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if canonical, ok := columnAliases[name]; ok {
			if _, seen := columns[canonical]; !seen {
				columns[canonical] = i
			}
		}
	}
	for _, col := range requiredColumns {
		if _, ok := columns[col]; !ok {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}

	var bars []*backtest.Candlestick
	for line := 2; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}

		bar, err := parseRecord(record, columns, symbol)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, bar)
	}

	return bars, nil
}

func parseRecord(record []string, columns map[string]int, symbol string) (*backtest.Candlestick, error) {
	field := func(name string) (string, bool) {
		idx, ok := columns[name]
		if !ok || idx >= len(record) {
			return "", false
		}
		return strings.TrimSpace(record[idx]), true
	}

	raw, ok := field("timestamp")
	if !ok {
		return nil, errors.New("missing timestamp")
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		return nil, err
	}

	bar := &backtest.Candlestick{Symbol: symbol, Timestamp: ts}
	prices := []struct {
		name string
		dst  *float64
	}{
		{"open", &bar.Open},
		{"high", &bar.High},
		{"low", &bar.Low},
		{"close", &bar.Close},
	}
	for _, p := range prices {
		raw, ok := field(p.name)
		if !ok {
			return nil, fmt.Errorf("missing %s", p.name)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s price %q", p.name, raw)
		}
		*p.dst = v
	}

	if raw, ok := field("volume"); ok && raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid volume %q", raw)
		}
		bar.Volume = v
	}

	return bar, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}
