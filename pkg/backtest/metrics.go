// Performance metrics calculation for backtesting
package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// RatioSentinel is reported for a ratio whose denominator is zero while its
// numerator is positive (e.g. profit with no losing trades). A zero or
// negative numerator over a zero denominator reports 0.
//
// CAGR uses the same cap: a run too short to annualize meaningfully reports
// at most RatioSentinel percent. Losses need no cap since CAGR is bounded
// below by -100%.
const RatioSentinel = 999.99

// varConfidence is the tail probability used for Value-at-Risk
const varConfidence = 0.05

// ============================================================================
// PERFORMANCE METRICS
// ============================================================================

// Metrics holds all performance metrics for a simulation
type Metrics struct {
	// Trade statistics
	TotalTrades          int     `json:"total_trades"`
	WinningTrades        int     `json:"winning_trades"`
	LosingTrades         int     `json:"losing_trades"`
	WinRate              float64 `json:"win_rate"` // Percentage of winning trades
	GrossProfit          float64 `json:"gross_profit"`
	GrossLoss            float64 `json:"gross_loss"` // Positive magnitude
	NetProfit            float64 `json:"net_profit"`
	ProfitFactor         float64 `json:"profit_factor"`
	LargestWin           float64 `json:"largest_win"`
	LargestLoss          float64 `json:"largest_loss"`
	AverageWin           float64 `json:"average_win"`
	AverageLoss          float64 `json:"average_loss"`
	MaxConsecutiveWins   int     `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	Expectancy           float64 `json:"expectancy"`     // Net profit per trade
	KellyFraction        float64 `json:"kelly_fraction"` // Optimal fraction of capital per trade
	TotalCommission      float64 `json:"total_commission"`

	// Exit breakdown
	TakeProfitExits int `json:"take_profit_exits"`
	StopLossExits   int `json:"stop_loss_exits"`
	EndOfDataExits  int `json:"end_of_data_exits"`

	// Risk metrics
	MaxDrawdown    float64 `json:"max_drawdown"`     // Maximum drawdown in account currency
	MaxDrawdownPct float64 `json:"max_drawdown_pct"` // Maximum drawdown percentage of peak
	Volatility     float64 `json:"volatility"`       // Annualized std of per-bar returns, percent
	SharpeRatio    float64 `json:"sharpe_ratio"`  // Annualized mean per-bar excess return over its sample std
	SortinoRatio   float64 `json:"sortino_ratio"` // Annualized mean excess return over downside deviation
	CalmarRatio    float64 `json:"calmar_ratio"`
	RecoveryFactor float64 `json:"recovery_factor"`
	ValueAtRisk95  float64 `json:"value_at_risk_95"` // 5th percentile of trade P&L
	CVaR95         float64 `json:"cvar_95"`          // Mean trade P&L at or below ValueAtRisk95
	UlcerIndex     float64 `json:"ulcer_index"`
	Skewness       float64 `json:"skewness"`
	Kurtosis       float64 `json:"kurtosis"` // Excess kurtosis

	// Returns
	TotalReturnPct float64 `json:"total_return_pct"`
	CAGR           float64 `json:"cagr"` // Percent

	// Portfolio statistics
	InitialBalance     float64       `json:"initial_balance"`
	FinalBalance       float64       `json:"final_balance"`
	FinalEquity        float64       `json:"final_equity"`
	PeakEquity         float64       `json:"peak_equity"`
	AverageHoldingTime time.Duration `json:"average_holding_time"`
	StartDate          time.Time     `json:"start_date"`
	EndDate            time.Time     `json:"end_date"`
	Duration           time.Duration `json:"duration"`
}

// CalculateMetrics computes every statistic from a simulation result. It never
// fails: degenerate inputs produce zero or RatioSentinel values, never NaN or Inf.
func CalculateMetrics(result *SimulationResult) *Metrics {
	m := &Metrics{}
	if result == nil {
		return m
	}

	m.InitialBalance = result.InitialBalance
	m.StartDate = result.StartTime
	m.EndDate = result.EndTime
	m.Duration = result.EndTime.Sub(result.StartTime)
	m.FinalEquity = result.FinalEquity()
	m.FinalBalance = result.InitialBalance
	if n := len(result.EquityCurve); n > 0 {
		m.FinalBalance = result.EquityCurve[n-1].Balance
	}

	pnl := tradePnL(result.Trades)

	calculateTradeStatistics(m, result.Trades)
	calculateDrawdown(m, result)
	calculateRiskMetrics(m, result)
	calculateReturns(m, result)
	calculateTailRisk(m, pnl)
	calculateMoments(m, pnl)

	m.CalmarRatio = guardedRatio(m.CAGR, m.MaxDrawdownPct)
	m.RecoveryFactor = guardedRatio(m.NetProfit, m.MaxDrawdown)

	sanitize(m)
	return m
}

// calculateTradeStatistics computes counts, gross figures, extremes and
// streaks in a single forward pass over closed trades
func calculateTradeStatistics(m *Metrics, trades []*Trade) {
	var winStreak, lossStreak int
	var holding time.Duration

	for _, t := range trades {
		m.TotalTrades++
		m.TotalCommission += t.Commission
		holding += t.HoldingTime()

		switch t.ExitReason {
		case ExitTakeProfit:
			m.TakeProfitExits++
		case ExitStopLoss:
			m.StopLossExits++
		case ExitEndOfData:
			m.EndOfDataExits++
		}

		switch {
		case t.Profit > 0:
			m.WinningTrades++
			m.GrossProfit += t.Profit
			if t.Profit > m.LargestWin {
				m.LargestWin = t.Profit
			}
			winStreak++
			lossStreak = 0
		case t.Profit < 0:
			m.LosingTrades++
			m.GrossLoss += -t.Profit
			if t.Profit < m.LargestLoss {
				m.LargestLoss = t.Profit
			}
			lossStreak++
			winStreak = 0
		default:
			winStreak, lossStreak = 0, 0
		}

		if winStreak > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = winStreak
		}
		if lossStreak > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = lossStreak
		}
	}

	m.NetProfit = m.GrossProfit - m.GrossLoss
	m.ProfitFactor = guardedRatio(m.GrossProfit, m.GrossLoss)

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100.0
		m.Expectancy = m.NetProfit / float64(m.TotalTrades)
		m.AverageHoldingTime = holding / time.Duration(m.TotalTrades)
	}
	if m.WinningTrades > 0 {
		m.AverageWin = m.GrossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = -m.GrossLoss / float64(m.LosingTrades)
	}
	m.KellyFraction = kellyFraction(m)
}

// kellyFraction applies the Kelly criterion f* = (p*b - q) / b where p is the
// win probability, q = 1 - p and b the average win over average loss.
// Without losing trades f* = p; without winning trades it is 0.
func kellyFraction(m *Metrics) float64 {
	if m.TotalTrades == 0 || m.WinningTrades == 0 {
		return 0
	}
	p := float64(m.WinningTrades) / float64(m.TotalTrades)
	if m.AverageLoss == 0 {
		return p
	}
	b := m.AverageWin / math.Abs(m.AverageLoss)
	return (p*b - (1 - p)) / b
}

// drawdownSeries returns absolute and percent drawdown from the running peak for every equity point
func drawdownSeries(result *SimulationResult) (abs, pct []float64, peakEquity float64) {
	peak := result.InitialBalance
	abs = make([]float64, len(result.EquityCurve))
	pct = make([]float64, len(result.EquityCurve))

	for i, p := range result.EquityCurve {
		if p.Equity > peak {
			peak = p.Equity
		}
		abs[i] = peak - p.Equity
		if peak > 0 {
			pct[i] = abs[i] / peak * 100.0
		}
	}
	return abs, pct, peak
}

// calculateDrawdown computes maximum drawdown and the Ulcer index
func calculateDrawdown(m *Metrics, result *SimulationResult) {
	abs, pct, peak := drawdownSeries(result)
	m.PeakEquity = peak

	var sumSquares float64
	for i := range abs {
		if abs[i] > m.MaxDrawdown {
			m.MaxDrawdown = abs[i]
		}
		if pct[i] > m.MaxDrawdownPct {
			m.MaxDrawdownPct = pct[i]
		}
		sumSquares += pct[i] * pct[i]
	}
	if len(pct) > 0 {
		m.UlcerIndex = math.Sqrt(sumSquares / float64(len(pct)))
	}
}

// barReturns returns the per-bar equity returns, starting from the initial balance
func barReturns(result *SimulationResult) []float64 {
	returns := make([]float64, 0, len(result.EquityCurve))
	prev := result.InitialBalance
	for _, p := range result.EquityCurve {
		if prev <= 0 {
			return returns
		}
		returns = append(returns, (p.Equity-prev)/prev)
		prev = p.Equity
	}
	return returns
}

// calculateRiskMetrics computes volatility, Sharpe and Sortino from per-bar returns
func calculateRiskMetrics(m *Metrics, result *SimulationResult) {
	returns := barReturns(result)
	if len(returns) < 2 {
		return
	}

	periods := result.Timeframe.PeriodsPerYear()
	annualization := math.Sqrt(periods)

	// Excess over the per-bar risk-free rate; the shift leaves the std unchanged
	rf := result.RiskFreeRate / periods
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - rf
	}
	mean := meanOf(excess)

	// Sample standard deviation
	var sumSquaredDiff float64
	for _, r := range excess {
		d := r - mean
		sumSquaredDiff += d * d
	}
	stdDev := math.Sqrt(sumSquaredDiff / float64(len(returns)-1))

	m.Volatility = stdDev * annualization * 100.0
	if stdDev > 0 {
		m.SharpeRatio = mean / stdDev * annualization
	}

	// Downside deviation over all periods
	var sumSquaredNeg float64
	for _, r := range excess {
		if r < 0 {
			sumSquaredNeg += r * r
		}
	}
	downside := math.Sqrt(sumSquaredNeg / float64(len(returns)))
	m.SortinoRatio = guardedRatio(mean*annualization, downside)
}

// calculateReturns computes total return and CAGR
func calculateReturns(m *Metrics, result *SimulationResult) {
	if m.InitialBalance <= 0 {
		return
	}
	m.TotalReturnPct = (m.FinalEquity - m.InitialBalance) / m.InitialBalance * 100.0

	years := m.Duration.Hours() / 24.0 / 365.25
	if years <= 0 {
		years = float64(result.BarsProcessed) / result.Timeframe.PeriodsPerYear()
	}
	if years > 0 && m.FinalEquity > 0 {
		m.CAGR = annualizedGrowth(m.FinalEquity/m.InitialBalance, years)
	}
}

// annualizedGrowth returns the compound annual growth rate in percent for a
// growth factor over years, computed in log space and capped at RatioSentinel
func annualizedGrowth(factor, years float64) float64 {
	logRate := math.Log(factor) / years
	if math.IsNaN(logRate) {
		return 0
	}
	if logRate >= math.Log1p(RatioSentinel/100.0) {
		return RatioSentinel
	}
	return math.Expm1(logRate) * 100.0
}

// calculateTailRisk computes empirical VaR and CVaR of the trade P&L distribution
func calculateTailRisk(m *Metrics, pnl []float64) {
	if len(pnl) == 0 {
		return
	}
	sorted := make([]float64, len(pnl))
	copy(sorted, pnl)
	sort.Float64s(sorted)

	m.ValueAtRisk95 = percentile(sorted, varConfidence)

	var tail float64
	var count int
	for _, v := range sorted {
		if v > m.ValueAtRisk95 {
			break
		}
		tail += v
		count++
	}
	if count > 0 {
		m.CVaR95 = tail / float64(count)
	}
}

// calculateMoments computes population skewness and excess kurtosis of trade P&L
func calculateMoments(m *Metrics, pnl []float64) {
	n := len(pnl)
	if n < 3 {
		return
	}
	mean := meanOf(pnl)

	var m2, m3, m4 float64
	for _, v := range pnl {
		d := v - mean
		d2 := d * d
		m2 += d2
		m3 += d2 * d
		m4 += d2 * d2
	}
	m2 /= float64(n)
	m3 /= float64(n)
	m4 /= float64(n)

	if m2 == 0 {
		return
	}
	m.Skewness = m3 / math.Pow(m2, 1.5)
	if n >= 4 {
		m.Kurtosis = m4/(m2*m2) - 3.0
	}
}

// ============================================================================
// NUMERIC HELPERS
// ============================================================================

// guardedRatio divides, applying the RatioSentinel policy for a zero denominator
func guardedRatio(num, den float64) float64 {
	if den == 0 {
		if num > 0 {
			return RatioSentinel
		}
		return 0
	}
	return num / den
}

// percentile returns the p-quantile of sorted values using linear interpolation
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func tradePnL(trades []*Trade) []float64 {
	out := make([]float64, len(trades))
	for i, t := range trades {
		out[i] = t.Profit
	}
	return out
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// sanitize replaces any non-finite statistic with 0
func sanitize(m *Metrics) {
	for _, f := range []*float64{
		&m.WinRate, &m.GrossProfit, &m.GrossLoss, &m.NetProfit, &m.ProfitFactor,
		&m.LargestWin, &m.LargestLoss, &m.AverageWin, &m.AverageLoss, &m.Expectancy, &m.KellyFraction,
		&m.TotalCommission, &m.MaxDrawdown, &m.MaxDrawdownPct, &m.Volatility,
		&m.SharpeRatio, &m.SortinoRatio, &m.CalmarRatio, &m.RecoveryFactor,
		&m.ValueAtRisk95, &m.CVaR95, &m.UlcerIndex, &m.Skewness, &m.Kurtosis,
		&m.TotalReturnPct, &m.CAGR, &m.FinalBalance, &m.FinalEquity, &m.PeakEquity,
	} {
		*f = finite(*f)
	}
}

// ============================================================================
// REPORT GENERATION
// ============================================================================

// GenerateReport generates a human-readable performance report
func GenerateReport(metrics *Metrics) string {
	return fmt.Sprintf(`
================================================================================
BACKTEST PERFORMANCE REPORT
================================================================================

OVERVIEW
--------
Period:           %s to %s (%.1f days)
Initial Balance:  $%.2f
Final Balance:    $%.2f
Final Equity:     $%.2f
Peak Equity:      $%.2f

RETURNS
-------
Net Profit:       $%.2f (%.2f%%)
CAGR:             %.2f%%

RISK METRICS
------------
Max Drawdown:     $%.2f (%.2f%%)
Volatility:       %.2f%%
Sharpe Ratio:     %.2f
Sortino Ratio:    %.2f
Calmar Ratio:     %.2f
Recovery Factor:  %.2f
VaR (95%%):        $%.2f
CVaR (95%%):       $%.2f
Ulcer Index:      %.2f

TRADE STATISTICS
----------------
Total Trades:     %d (TP %d / SL %d / EOD %d)
Winning Trades:   %d
Losing Trades:    %d
Win Rate:         %.2f%%
Profit Factor:    %.2f
Expectancy:       $%.2f per trade
Kelly Fraction:   %.2f%%
Average Win:      $%.2f
Average Loss:     $%.2f
Largest Win:      $%.2f
Largest Loss:     $%.2f
Win Streak:       %d
Loss Streak:      %d
Skewness:         %.2f
Kurtosis:         %.2f
Commission:       $%.2f
Avg Holding:      %s

================================================================================
`,
		metrics.StartDate.Format("2006-01-02"),
		metrics.EndDate.Format("2006-01-02"),
		metrics.Duration.Hours()/24,
		metrics.InitialBalance,
		metrics.FinalBalance,
		metrics.FinalEquity,
		metrics.PeakEquity,
		metrics.NetProfit,
		metrics.TotalReturnPct,
		metrics.CAGR,
		metrics.MaxDrawdown,
		metrics.MaxDrawdownPct,
		metrics.Volatility,
		metrics.SharpeRatio,
		metrics.SortinoRatio,
		metrics.CalmarRatio,
		metrics.RecoveryFactor,
		metrics.ValueAtRisk95,
		metrics.CVaR95,
		metrics.UlcerIndex,
		metrics.TotalTrades,
		metrics.TakeProfitExits,
		metrics.StopLossExits,
		metrics.EndOfDataExits,
		metrics.WinningTrades,
		metrics.LosingTrades,
		metrics.WinRate,
		metrics.ProfitFactor,
		metrics.Expectancy,
		metrics.KellyFraction*100,
		metrics.AverageWin,
		metrics.AverageLoss,
		metrics.LargestWin,
		metrics.LargestLoss,
		metrics.MaxConsecutiveWins,
		metrics.MaxConsecutiveLosses,
		metrics.Skewness,
		metrics.Kurtosis,
		metrics.TotalCommission,
		formatDuration(metrics.AverageHoldingTime),
	)
}

// formatDuration formats a duration in a human-readable format
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
