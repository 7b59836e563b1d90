package backtest

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// TIMEFRAMES
// ============================================================================

// Timeframe is the bar period of a price series
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
	TimeframeW1  Timeframe = "W1"
)

const tradingDaysPerYear = 252

var timeframeDurations = map[Timeframe]time.Duration{
	TimeframeM1:  time.Minute,
	TimeframeM5:  5 * time.Minute,
	TimeframeM15: 15 * time.Minute,
	TimeframeM30: 30 * time.Minute,
	TimeframeH1:  time.Hour,
	TimeframeH4:  4 * time.Hour,
	TimeframeD1:  24 * time.Hour,
	TimeframeW1:  7 * 24 * time.Hour,
}

// ParseTimeframe parses a timeframe name such as "H1"
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the length of one bar
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// PeriodsPerYear returns the annualization factor for per-bar returns
func (tf Timeframe) PeriodsPerYear() float64 {
	switch tf {
	case TimeframeW1:
		return 52
	case TimeframeD1, "":
		return tradingDaysPerYear
	}
	d, ok := timeframeDurations[tf]
	if !ok {
		return tradingDaysPerYear
	}
	return tradingDaysPerYear * float64(24*time.Hour) / float64(d)
}

// ============================================================================
// STRATEGY CONFIGURATION
// ============================================================================

// ParamName is a member of the closed catalogue of optimizable strategy fields
type ParamName string

const (
	ParamBandPeriod     ParamName = "band_period"
	ParamBandDeviation  ParamName = "band_deviation"
	ParamTakeProfitPips ParamName = "take_profit_pips"
	ParamStopLossPips   ParamName = "stop_loss_pips"
	ParamLotSize        ParamName = "lot_size"
	ParamMaxOpenTrades  ParamName = "max_open_trades"
	ParamRSIPeriod      ParamName = "rsi_period"
	ParamRSIOversold    ParamName = "rsi_oversold"
)

// Catalogue lists every optimizable parameter name
var Catalogue = []ParamName{
	ParamBandPeriod,
	ParamBandDeviation,
	ParamTakeProfitPips,
	ParamStopLossPips,
	ParamLotSize,
	ParamMaxOpenTrades,
	ParamRSIPeriod,
	ParamRSIOversold,
}

// IsCatalogued reports whether name is an optimizable field
func IsCatalogued(name string) bool {
	for _, n := range Catalogue {
		if string(n) == name {
			return true
		}
	}
	return false
}

// CheckCatalogue rejects any parameter in space that does not map to a strategy field
func CheckCatalogue(space *ParameterSpace) error {
	for _, name := range space.Names() {
		if !IsCatalogued(name) {
			return configErrorf(name, ErrUnknownParameter, "not an optimizable strategy field")
		}
	}
	return nil
}

// StrategyConfig describes a band-reversion strategy and its account model.
// It is a value type; Apply returns a modified copy.
type StrategyConfig struct {
	Symbol         string    `json:"symbol" yaml:"symbol" mapstructure:"symbol"`
	Timeframe      Timeframe `json:"timeframe" yaml:"timeframe" mapstructure:"timeframe"`
	InitialBalance float64   `json:"initial_balance" yaml:"initial_balance" mapstructure:"initial_balance"`

	// Commission schedule, fixed amount per trade side
	CommissionOpen  float64 `json:"commission_open" yaml:"commission_open" mapstructure:"commission_open"`
	CommissionClose float64 `json:"commission_close" yaml:"commission_close" mapstructure:"commission_close"`

	PipSize      float64 `json:"pip_size" yaml:"pip_size" mapstructure:"pip_size"`                // e.g. 0.0001
	ContractSize float64 `json:"contract_size" yaml:"contract_size" mapstructure:"contract_size"` // units per lot, e.g. 100000
	LotSize      float64 `json:"lot_size" yaml:"lot_size" mapstructure:"lot_size"`

	TakeProfitPips float64 `json:"take_profit_pips" yaml:"take_profit_pips" mapstructure:"take_profit_pips"`
	StopLossPips   float64 `json:"stop_loss_pips" yaml:"stop_loss_pips" mapstructure:"stop_loss_pips"`
	MaxOpenTrades  int     `json:"max_open_trades" yaml:"max_open_trades" mapstructure:"max_open_trades"`

	BandPeriod    int     `json:"band_period" yaml:"band_period" mapstructure:"band_period"`
	BandDeviation float64 `json:"band_deviation" yaml:"band_deviation" mapstructure:"band_deviation"`

	// RSI confirmation filter, disabled when RSIPeriod is 0
	RSIPeriod   int     `json:"rsi_period" yaml:"rsi_period" mapstructure:"rsi_period"`
	RSIOversold float64 `json:"rsi_oversold" yaml:"rsi_oversold" mapstructure:"rsi_oversold"`

	// Annual risk-free rate as a fraction (0.02 = 2%), subtracted per bar in Sharpe and Sortino
	RiskFreeRate float64 `json:"risk_free_rate" yaml:"risk_free_rate" mapstructure:"risk_free_rate"`
}

// DefaultStrategyConfig returns a conservative EURUSD H1 configuration
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		Symbol:          "EURUSD",
		Timeframe:       TimeframeH1,
		InitialBalance:  10000,
		CommissionOpen:  2,
		CommissionClose: 2,
		PipSize:         0.0001,
		ContractSize:    100000,
		LotSize:         0.1,
		TakeProfitPips:  50,
		StopLossPips:    30,
		MaxOpenTrades:   1,
		BandPeriod:      20,
		BandDeviation:   2,
		RSIPeriod:       0,
		RSIOversold:     30,
		RiskFreeRate:    0,
	}
}

// Warmup returns the number of leading bars on which indicators are undefined
func (c StrategyConfig) Warmup() int {
	w := c.BandPeriod - 1
	if c.RSIPeriod > w {
		w = c.RSIPeriod
	}
	if w < 0 {
		return 0
	}
	return w
}

// Validate checks the configuration for values that make simulation meaningless
func (c StrategyConfig) Validate() error {
	if _, ok := timeframeDurations[c.Timeframe]; !ok {
		return configErrorf("timeframe", ErrInvalidBounds, "unknown timeframe %q", c.Timeframe)
	}

	positive := []struct {
		field string
		value float64
	}{
		{"initial_balance", c.InitialBalance},
		{"pip_size", c.PipSize},
		{"contract_size", c.ContractSize},
		{"lot_size", c.LotSize},
		{"take_profit_pips", c.TakeProfitPips},
		{"stop_loss_pips", c.StopLossPips},
		{"band_deviation", c.BandDeviation},
	}
	for _, p := range positive {
		if !(p.value > 0) || math.IsInf(p.value, 0) {
			return configErrorf(p.field, ErrInvalidBounds, "must be positive, got %v", p.value)
		}
	}

	if c.CommissionOpen < 0 || c.CommissionClose < 0 {
		return configErrorf("commission", ErrInvalidBounds, "commission must not be negative")
	}
	if c.MaxOpenTrades < 1 {
		return configErrorf("max_open_trades", ErrInvalidBounds, "must be at least 1, got %d", c.MaxOpenTrades)
	}
	if c.BandPeriod < 2 {
		return configErrorf("band_period", ErrInvalidBounds, "must be at least 2, got %d", c.BandPeriod)
	}
	if c.RSIPeriod < 0 {
		return configErrorf("rsi_period", ErrInvalidBounds, "must not be negative, got %d", c.RSIPeriod)
	}
	if c.RSIPeriod > 0 && (c.RSIOversold <= 0 || c.RSIOversold >= 50) {
		return configErrorf("rsi_oversold", ErrInvalidBounds, "must be in (0, 50), got %v", c.RSIOversold)
	}
	if !(c.RiskFreeRate > -1 && c.RiskFreeRate < 1) {
		return configErrorf("risk_free_rate", ErrInvalidBounds, "must be in (-1, 1), got %v", c.RiskFreeRate)
	}
	return nil
}

// Apply returns a copy of c with every catalogued value in p assigned.
// Unknown names are rejected.
func (c StrategyConfig) Apply(p Params) (StrategyConfig, error) {
	out := c
	for _, name := range p.Names() {
		v := p.Float(name)
		switch ParamName(name) {
		case ParamBandPeriod:
			out.BandPeriod = int(math.Round(v))
		case ParamBandDeviation:
			out.BandDeviation = v
		case ParamTakeProfitPips:
			out.TakeProfitPips = v
		case ParamStopLossPips:
			out.StopLossPips = v
		case ParamLotSize:
			out.LotSize = v
		case ParamMaxOpenTrades:
			out.MaxOpenTrades = int(math.Round(v))
		case ParamRSIPeriod:
			out.RSIPeriod = int(math.Round(v))
		case ParamRSIOversold:
			out.RSIOversold = v
		default:
			return c, configErrorf(name, ErrUnknownParameter, "not an optimizable strategy field")
		}
	}
	return out, nil
}

// With applies named overrides in name order and validates the result
func (c StrategyConfig) With(values map[string]float64) (StrategyConfig, error) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	p := Params{names: names, values: make([]float64, len(names))}
	for i, name := range names {
		p.values[i] = values[name]
	}

	out, err := c.Apply(p)
	if err != nil {
		return c, err
	}
	if err := out.Validate(); err != nil {
		return c, err
	}
	return out, nil
}

// Values returns the catalogued fields of c keyed by parameter name
func (c StrategyConfig) Values() map[string]float64 {
	return map[string]float64{
		string(ParamBandPeriod):     float64(c.BandPeriod),
		string(ParamBandDeviation):  c.BandDeviation,
		string(ParamTakeProfitPips): c.TakeProfitPips,
		string(ParamStopLossPips):   c.StopLossPips,
		string(ParamLotSize):        c.LotSize,
		string(ParamMaxOpenTrades):  float64(c.MaxOpenTrades),
		string(ParamRSIPeriod):      float64(c.RSIPeriod),
		string(ParamRSIOversold):    c.RSIOversold,
	}
}
