package backtest

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// ============================================================================
// OBJECTIVE FUNCTIONS
// ============================================================================

// Objective selects how metrics are reduced to a scalar fitness. Higher is always better.
type Objective string

const (
	MaximizeProfit   Objective = "max_profit"
	MaximizeSharpe   Objective = "max_sharpe"
	MinimizeDrawdown Objective = "min_drawdown"
	MaximizeWinRate  Objective = "max_win_rate"
	MultiObjective   Objective = "multi"
)

// drawdownFloor bounds the inverted drawdown objective when drawdown is near zero
const drawdownFloor = 0.01

// Weights of the multi-objective sum
const (
	multiWeightProfit   = 0.3
	multiWeightSharpe   = 0.3
	multiWeightDrawdown = 0.2
	multiWeightWinRate  = 0.2
)

// Objectives lists every supported objective
var Objectives = []Objective{MaximizeProfit, MaximizeSharpe, MinimizeDrawdown, MaximizeWinRate, MultiObjective}

// ParseObjective parses an objective name
func ParseObjective(s string) (Objective, error) {
	o := Objective(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Objectives {
		if o == known {
			return o, nil
		}
	}
	return "", &ConfigurationError{Field: "objective", Err: fmt.Errorf("unknown objective %q", s)}
}

// Score reduces metrics to a fitness value
func (o Objective) Score(m *Metrics) float64 {
	switch o {
	case MaximizeProfit:
		return m.NetProfit
	case MaximizeSharpe:
		return m.SharpeRatio
	case MinimizeDrawdown:
		return 1.0 / math.Max(m.MaxDrawdownPct, drawdownFloor)
	case MaximizeWinRate:
		return m.WinRate / 100.0
	case MultiObjective:
		normalizedProfit := 0.0
		if m.InitialBalance > 0 {
			normalizedProfit = m.NetProfit / m.InitialBalance
		}
		return multiWeightProfit*normalizedProfit +
			multiWeightSharpe*m.SharpeRatio +
			multiWeightDrawdown*(1.0/(1.0+m.MaxDrawdownPct)) +
			multiWeightWinRate*(m.WinRate/100.0)
	}
	return 0
}

// ============================================================================
// FITNESS FUNCTIONS
// ============================================================================

// Evaluator scores one parameter assignment
type Evaluator interface {
	Evaluate(ctx context.Context, params Params) (float64, error)
}

// FitnessFunc adapts an ordinary function to the Evaluator interface
type FitnessFunc func(ctx context.Context, params Params) (float64, error)

// Evaluate calls f(ctx, params)
func (f FitnessFunc) Evaluate(ctx context.Context, params Params) (float64, error) {
	return f(ctx, params)
}

// SimulationFitness scores parameters by simulating a base strategy with the
// parameters applied and reducing the resulting metrics with an objective
type SimulationFitness struct {
	bars      []*Candlestick
	base      StrategyConfig
	objective Objective
}

// NewSimulationFitness checks that every parameter in space maps to a strategy field
func NewSimulationFitness(bars []*Candlestick, base StrategyConfig, objective Objective, space *ParameterSpace) (*SimulationFitness, error) {
	if _, err := ParseObjective(string(objective)); err != nil {
		return nil, err
	}
	if space != nil {
		if err := CheckCatalogue(space); err != nil {
			return nil, err
		}
	}
	return &SimulationFitness{bars: bars, base: base, objective: objective}, nil
}

// Evaluate runs one simulation. Invalid configurations and unusable data are
// returned as errors for the optimizer to score as worst fitness.
func (f *SimulationFitness) Evaluate(ctx context.Context, params Params) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	_, m, err := f.Backtest(params)
	if err != nil {
		return 0, err
	}
	return f.objective.Score(m), nil
}

// Backtest simulates params and returns the raw result with its metrics
func (f *SimulationFitness) Backtest(params Params) (*SimulationResult, *Metrics, error) {
	cfg, err := f.base.Apply(params)
	if err != nil {
		return nil, nil, err
	}

	result, err := Simulate(f.bars, cfg)
	if err != nil {
		return nil, nil, err
	}
	return result, CalculateMetrics(result), nil
}
