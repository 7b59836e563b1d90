package backtest

import (
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

// minRelativeBandWidth is the band width, relative to the middle band, below
// which the bands are treated as collapsed and carry no signal
const minRelativeBandWidth = 1e-9

// Indicators holds per-bar indicator columns aligned with the input bars.
// Values on bars before Warmup are NaN.
type Indicators struct {
	Middle []float64
	Upper  []float64
	Lower  []float64
	RSI    []float64 // nil when the RSI filter is disabled
	Warmup int
}

// Preprocess derives moving bands (and the optional RSI filter) from closes
func Preprocess(bars []*Candlestick, cfg StrategyConfig) *Indicators {
	n := len(bars)
	closes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
	}

	middle, offset := alignTail(n, computeSeries(closes, trend.NewSmaWithPeriod[float64](cfg.BandPeriod).Compute))
	std, stdOffset := alignTail(n, computeSeries(closes, volatility.NewMovingStdWithPeriod[float64](cfg.BandPeriod).Compute))

	ind := &Indicators{
		Middle: middle,
		Upper:  make([]float64, n),
		Lower:  make([]float64, n),
		Warmup: maxInt(cfg.Warmup(), offset, stdOffset),
	}
	for i := 0; i < n; i++ {
		ind.Upper[i] = middle[i] + cfg.BandDeviation*std[i]
		ind.Lower[i] = middle[i] - cfg.BandDeviation*std[i]
	}

	if cfg.RSIPeriod > 0 {
		rsi, rsiOffset := alignTail(n, computeSeries(closes, momentum.NewRsiWithPeriod[float64](cfg.RSIPeriod).Compute))
		ind.RSI = rsi
		ind.Warmup = maxInt(ind.Warmup, rsiOffset)
	}

	if ind.Warmup > n {
		ind.Warmup = n
	}
	return ind
}

// Signal returns the entry direction for bar i, or "" for no entry.
// A close strictly below the lower band is a buy and strictly above the
// upper band is a sell; with the RSI filter the oscillator must agree.
func (ind *Indicators) Signal(i int, close float64, cfg StrategyConfig) Direction {
	if i < ind.Warmup || i >= len(ind.Middle) {
		return ""
	}

	upper, lower, middle := ind.Upper[i], ind.Lower[i], ind.Middle[i]
	if math.IsNaN(upper) || math.IsNaN(lower) {
		return ""
	}
	if !(upper-lower > minRelativeBandWidth*math.Abs(middle)) {
		return ""
	}

	var dir Direction
	switch {
	case close < lower:
		dir = DirectionBuy
	case close > upper:
		dir = DirectionSell
	default:
		return ""
	}

	if ind.RSI != nil {
		rsi := ind.RSI[i]
		if math.IsNaN(rsi) {
			return ""
		}
		if dir == DirectionBuy && !(rsi < cfg.RSIOversold) {
			return ""
		}
		if dir == DirectionSell && !(rsi > 100-cfg.RSIOversold) {
			return ""
		}
	}

	return dir
}

// computeSeries feeds values through a channel-based indicator and collects its output
func computeSeries(values []float64, compute func(<-chan float64) <-chan float64) []float64 {
	in := make(chan float64, len(values))
	for _, v := range values {
		in <- v
	}
	close(in)

	out := make([]float64, 0, len(values))
	for v := range compute(in) {
		out = append(out, v)
	}
	return out
}

// alignTail right-aligns out against n bars, padding the idle head with NaN,
// and returns the number of padded bars
func alignTail(n int, out []float64) ([]float64, int) {
	if len(out) > n {
		out = out[len(out)-n:]
	}
	offset := n - len(out)

	aligned := make([]float64, n)
	for i := 0; i < offset; i++ {
		aligned[i] = math.NaN()
	}
	copy(aligned[offset:], out)
	return aligned, offset
}

func maxInt(first int, rest ...int) int {
	m := first
	for _, v := range rest {
		if v > m {
			m = v
		}
	}
	return m
}
