// Package strategy turns the best configuration found by an optimization run
// into a versioned, portable strategy document. Documents are the hand-off
// format between the optimizer and whatever applies a configuration live.
package strategy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// SchemaVersion is the current strategy document schema version
const SchemaVersion = "1.0"

// Document is an exportable, optimized strategy configuration
type Document struct {
	Metadata Metadata `yaml:"metadata" json:"metadata"`

	// Strategy is the complete configuration with the optimized values applied
	Strategy backtest.StrategyConfig `yaml:"strategy" json:"strategy"`

	// Parameters holds only the optimized values, keyed by parameter name
	Parameters map[string]float64 `yaml:"parameters" json:"parameters"`

	Performance *Performance `yaml:"performance,omitempty" json:"performance,omitempty"`
}

// Metadata identifies a document and the run that produced it
type Metadata struct {
	// Schema version for compatibility
	SchemaVersion string `yaml:"schema_version" json:"schema_version"`

	ID          string   `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Provenance
	RunID     string  `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Method    string  `yaml:"method,omitempty" json:"method,omitempty"`
	Objective string  `yaml:"objective,omitempty" json:"objective,omitempty"`
	Fitness   float64 `yaml:"fitness" json:"fitness"`

	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`

	// Source (e.g., "optimizer", "auto_optimize", "import")
	Source string `yaml:"source,omitempty" json:"source,omitempty"`
}

// Performance is the backtest summary of the exported configuration
type Performance struct {
	TotalTrades    int     `yaml:"total_trades" json:"total_trades"`
	WinRate        float64 `yaml:"win_rate" json:"win_rate"`
	NetProfit      float64 `yaml:"net_profit" json:"net_profit"`
	ProfitFactor   float64 `yaml:"profit_factor" json:"profit_factor"`
	SharpeRatio    float64 `yaml:"sharpe_ratio" json:"sharpe_ratio"`
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
	TotalReturnPct float64 `yaml:"total_return_pct" json:"total_return_pct"`
}

// NewPerformance summarizes metrics for a document
func NewPerformance(m *backtest.Metrics) *Performance {
	if m == nil {
		return nil
	}
	return &Performance{
		TotalTrades:    m.TotalTrades,
		WinRate:        m.WinRate,
		NetProfit:      m.NetProfit,
		ProfitFactor:   m.ProfitFactor,
		SharpeRatio:    m.SharpeRatio,
		MaxDrawdownPct: m.MaxDrawdownPct,
		TotalReturnPct: m.TotalReturnPct,
	}
}

// FromRun builds a document from the best individual of run applied to base.
// metrics may be nil when the caller did not re-simulate the best configuration.
func FromRun(name string, run *backtest.OptimizationRun, base backtest.StrategyConfig, metrics *backtest.Metrics) (*Document, error) {
	if run == nil {
		return nil, fmt.Errorf("optimization run cannot be nil")
	}
	if run.Best == nil || run.Best.Failed() || run.Best.Fitness == backtest.WorstFitness {
		return nil, fmt.Errorf("run %s has no successfully evaluated configuration", run.ID)
	}

	cfg, err := base.Apply(run.Best.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to apply best parameters: %w", err)
	}

	now := time.Now()
	doc := &Document{
		Metadata: Metadata{
			SchemaVersion: SchemaVersion,
			ID:            uuid.New().String(),
			Name:          name,
			RunID:         run.ID,
			Method:        run.Method,
			Objective:     string(run.Objective),
			Fitness:       run.Best.Fitness,
			CreatedAt:     now,
			UpdatedAt:     now,
			Source:        "optimizer",
		},
		Strategy:    cfg,
		Parameters:  run.Best.Params.Map(),
		Performance: NewPerformance(metrics),
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}
