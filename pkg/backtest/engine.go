// Package backtest provides a deterministic bar-by-bar trade simulator,
// performance metrics and parameter optimizers for trading strategies
package backtest

import (
	"errors"
	"time"
)

// ErrUnorderedSeries is returned when bar timestamps go backwards
var ErrUnorderedSeries = errors.New("bar series is not ordered by time")

// ============================================================================
// DATA STRUCTURES
// ============================================================================

// Candlestick represents OHLCV data for a time period
type Candlestick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Direction is the side of a trade
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// TradeStatus is the lifecycle state of a trade
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// ExitReason records why a trade was closed
type ExitReason string

const (
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitEndOfData  ExitReason = "END_OF_DATA"
)

// Trade represents a simulated trade. Profit is realized P&L net of both commissions.
type Trade struct {
	ID         int         `json:"id"`
	Symbol     string      `json:"symbol"`
	Direction  Direction   `json:"direction"`
	OpenTime   time.Time   `json:"open_time"`
	CloseTime  time.Time   `json:"close_time"`
	OpenPrice  float64     `json:"open_price"`
	ClosePrice float64     `json:"close_price"`
	Volume     float64     `json:"volume"` // lots
	TakeProfit float64     `json:"take_profit"`
	StopLoss   float64     `json:"stop_loss"`
	Profit     float64     `json:"profit"`
	Commission float64     `json:"commission"`
	Status     TradeStatus `json:"status"`
	ExitReason ExitReason  `json:"exit_reason,omitempty"`
}

// HoldingTime returns how long the trade was open
func (t *Trade) HoldingTime() time.Duration {
	if t.Status != TradeClosed {
		return 0
	}
	return t.CloseTime.Sub(t.OpenTime)
}

// EquityPoint represents account equity and balance at the close of a bar
type EquityPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Equity     float64   `json:"equity"`  // balance + unrealized P&L
	Balance    float64   `json:"balance"` // realized only
	OpenTrades int       `json:"open_trades"`
}

// SimulationResult is the output of one simulation
type SimulationResult struct {
	Symbol         string         `json:"symbol"`
	Timeframe      Timeframe      `json:"timeframe"`
	InitialBalance float64        `json:"initial_balance"`
	Trades         []*Trade       `json:"trades"`
	EquityCurve    []*EquityPoint `json:"equity_curve"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        time.Time      `json:"end_time"`
	Warmup         int            `json:"warmup"`
	BarsProcessed  int            `json:"bars_processed"`
	RiskFreeRate   float64        `json:"risk_free_rate"` // Annual, fraction
}

// Equities returns the equity curve values
func (r *SimulationResult) Equities() []float64 {
	out := make([]float64, len(r.EquityCurve))
	for i, p := range r.EquityCurve {
		out[i] = p.Equity
	}
	return out
}

// Balances returns the balance curve values
func (r *SimulationResult) Balances() []float64 {
	out := make([]float64, len(r.EquityCurve))
	for i, p := range r.EquityCurve {
		out[i] = p.Balance
	}
	return out
}

// FinalEquity returns the last equity value, or the initial balance for an empty curve
func (r *SimulationResult) FinalEquity() float64 {
	if len(r.EquityCurve) == 0 {
		return r.InitialBalance
	}
	return r.EquityCurve[len(r.EquityCurve)-1].Equity
}

// ============================================================================
// TRADE SIMULATOR
// ============================================================================

// Simulator replays bars against a strategy configuration. It holds no
// mutable state and is safe for concurrent use.
type Simulator struct {
	config StrategyConfig
}

// NewSimulator validates cfg and creates a simulator
func NewSimulator(cfg StrategyConfig) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Simulator{config: cfg}, nil
}

// Config returns the simulator's strategy configuration
func (s *Simulator) Config() StrategyConfig { return s.config }

// Simulate is a convenience wrapper around NewSimulator and Run
func Simulate(bars []*Candlestick, cfg StrategyConfig) (*SimulationResult, error) {
	sim, err := NewSimulator(cfg)
	if err != nil {
		return nil, err
	}
	return sim.Run(bars)
}

// Run simulates the strategy over bars. Identical inputs always produce an
// identical result; bars are never modified.
func (s *Simulator) Run(bars []*Candlestick) (*SimulationResult, error) {
	cfg := s.config

	if len(bars) == 0 {
		return nil, &DataError{Warmup: cfg.Warmup(), Err: ErrEmptySeries}
	}
	if len(bars) <= cfg.Warmup() {
		return nil, &DataError{Bars: len(bars), Warmup: cfg.Warmup(), Err: ErrInsufficientWarmup}
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Before(bars[i-1].Timestamp) {
			return nil, &DataError{Bars: len(bars), Warmup: cfg.Warmup(), Err: ErrUnorderedSeries}
		}
	}

	ind := Preprocess(bars, cfg)
	if len(bars) <= ind.Warmup {
		return nil, &DataError{Bars: len(bars), Warmup: ind.Warmup, Err: ErrInsufficientWarmup}
	}

	st := newSimulationState(cfg, len(bars)-ind.Warmup)
	last := len(bars) - 1

	for i := ind.Warmup; i <= last; i++ {
		bar := bars[i]

		st.resolveExits(bar)

		if i < last && len(st.open) < cfg.MaxOpenTrades {
			if dir := ind.Signal(i, bar.Close, cfg); dir != "" {
				st.openTrade(dir, bar)
			}
		}

		if i == last {
			st.closeAll(bar)
		}

		st.recordEquityPoint(bar)
	}

	return &SimulationResult{
		Symbol:         cfg.Symbol,
		Timeframe:      cfg.Timeframe,
		InitialBalance: cfg.InitialBalance,
		Trades:         st.closed,
		EquityCurve:    st.equity,
		StartTime:      bars[ind.Warmup].Timestamp,
		EndTime:        bars[last].Timestamp,
		Warmup:         ind.Warmup,
		BarsProcessed:  len(bars) - ind.Warmup,
		RiskFreeRate:   cfg.RiskFreeRate,
	}, nil
}

// ============================================================================
// SIMULATION STATE
// ============================================================================

// simulationState is the mutable account owned by a single Run call
type simulationState struct {
	config  StrategyConfig
	balance float64
	nextID  int
	open    []*Trade
	closed  []*Trade
	equity  []*EquityPoint
}

func newSimulationState(cfg StrategyConfig, bars int) *simulationState {
	return &simulationState{
		config:  cfg,
		balance: cfg.InitialBalance,
		nextID:  1,
		closed:  []*Trade{},
		equity:  make([]*EquityPoint, 0, bars),
	}
}

// openTrade opens a trade at the bar close and charges the entry commission
func (s *simulationState) openTrade(dir Direction, bar *Candlestick) {
	tp := s.config.TakeProfitPips * s.config.PipSize
	sl := s.config.StopLossPips * s.config.PipSize

	trade := &Trade{
		ID:         s.nextID,
		Symbol:     s.config.Symbol,
		Direction:  dir,
		OpenTime:   bar.Timestamp,
		OpenPrice:  bar.Close,
		Volume:     s.config.LotSize,
		Commission: s.config.CommissionOpen,
		Status:     TradeOpen,
	}
	if dir == DirectionBuy {
		trade.TakeProfit = bar.Close + tp
		trade.StopLoss = bar.Close - sl
	} else {
		trade.TakeProfit = bar.Close - tp
		trade.StopLoss = bar.Close + sl
	}

	s.nextID++
	s.balance -= s.config.CommissionOpen
	s.open = append(s.open, trade)
}

// resolveExits closes every open trade whose stop-loss or take-profit lies
// inside the bar's range. When both do, the stop-loss is assumed to fill first.
func (s *simulationState) resolveExits(bar *Candlestick) {
	remaining := s.open[:0]
	for _, t := range s.open {
		price, reason, hit := exitLevel(t, bar)
		if hit {
			s.closeTrade(t, price, bar.Timestamp, reason)
			continue
		}
		remaining = append(remaining, t)
	}
	s.open = remaining
}

func exitLevel(t *Trade, bar *Candlestick) (float64, ExitReason, bool) {
	if t.Direction == DirectionBuy {
		if bar.Low <= t.StopLoss {
			return t.StopLoss, ExitStopLoss, true
		}
		if bar.High >= t.TakeProfit {
			return t.TakeProfit, ExitTakeProfit, true
		}
		return 0, "", false
	}

	if bar.High >= t.StopLoss {
		return t.StopLoss, ExitStopLoss, true
	}
	if bar.Low <= t.TakeProfit {
		return t.TakeProfit, ExitTakeProfit, true
	}
	return 0, "", false
}

// closeAll force-closes every open trade at the bar close
func (s *simulationState) closeAll(bar *Candlestick) {
	for _, t := range s.open {
		s.closeTrade(t, bar.Close, bar.Timestamp, ExitEndOfData)
	}
	s.open = nil
}

func (s *simulationState) closeTrade(t *Trade, price float64, at time.Time, reason ExitReason) {
	gross := s.grossPL(t, price)

	t.ClosePrice = price
	t.CloseTime = at
	t.ExitReason = reason
	t.Status = TradeClosed
	t.Commission += s.config.CommissionClose
	t.Profit = gross - t.Commission

	s.balance += gross - s.config.CommissionClose
	s.closed = append(s.closed, t)
}

// grossPL returns the P&L of t marked at price, before commission
func (s *simulationState) grossPL(t *Trade, price float64) float64 {
	diff := price - t.OpenPrice
	if t.Direction == DirectionSell {
		diff = -diff
	}
	return diff * t.Volume * s.config.ContractSize
}

// recordEquityPoint appends realized plus unrealized equity for the bar
func (s *simulationState) recordEquityPoint(bar *Candlestick) {
	unrealized := 0.0
	for _, t := range s.open {
		unrealized += s.grossPL(t, bar.Close)
	}

	s.equity = append(s.equity, &EquityPoint{
		Timestamp:  bar.Timestamp,
		Equity:     s.balance + unrealized,
		Balance:    s.balance,
		OpenTrades: len(s.open),
	})
}
