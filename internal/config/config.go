package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig               `mapstructure:"app"`
	Simulation   backtest.StrategyConfig `mapstructure:"simulation"`
	Optimizer    OptimizerConfig         `mapstructure:"optimizer"`
	Parameters   []backtest.Parameter    `mapstructure:"parameters"`
	Data         DataConfig              `mapstructure:"data"`
	Output       OutputConfig            `mapstructure:"output"`
	Redis        RedisConfig             `mapstructure:"redis"`
	NATS         NATSConfig              `mapstructure:"nats"`
	Monitoring   MonitoringConfig        `mapstructure:"monitoring"`
	AutoOptimize AutoOptimizeConfig      `mapstructure:"auto_optimize"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// OptimizerConfig selects the search method and its settings
type OptimizerConfig struct {
	Method      string                      `mapstructure:"method"` // genetic_algorithm, grid_search or walk_forward
	Objective   string                      `mapstructure:"objective"`
	Genetic     backtest.GeneticOptions     `mapstructure:"genetic"`
	Grid        backtest.GridOptions        `mapstructure:"grid"`
	WalkForward backtest.WalkForwardOptions `mapstructure:"walk_forward"`
}

// DataConfig describes where bars are loaded from
type DataConfig struct {
	Source    string          `mapstructure:"source"` // csv or postgres
	CSVPath   string          `mapstructure:"csv_path"`
	Symbol    string          `mapstructure:"symbol"`
	Timeframe string          `mapstructure:"timeframe"`
	From      string          `mapstructure:"from"` // RFC3339, empty = unbounded
	To        string          `mapstructure:"to"`   // RFC3339, empty = unbounded
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// PostgresConfig contains the candlestick database settings
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	PoolSize int    `mapstructure:"pool_size"`
}

// BreakerConfig contains circuit breaker settings for the bar source
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      uint32        `mapstructure:"max_requests"`      // Allowed requests when half-open
	Interval         time.Duration `mapstructure:"interval"`          // Closed-state counter reset period
	Timeout          time.Duration `mapstructure:"timeout"`           // Open-state duration
	FailureThreshold uint32        `mapstructure:"failure_threshold"` // Consecutive failures to trip
}

// RateLimitConfig bounds how often bars are requested from the source
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// OutputConfig controls where results are written
type OutputConfig struct {
	StrategyFile string `mapstructure:"strategy_file"` // Best configuration export, empty = none
	StrategyName string `mapstructure:"strategy_name"`
}

// RedisConfig contains run store settings
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// NATSConfig contains completion event settings
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// AutoOptimizeConfig contains background re-optimization settings
type AutoOptimizeConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	RunImmediately bool          `mapstructure:"run_immediately"`
	MinSharpe      float64       `mapstructure:"min_sharpe"` // Re-optimize when the current best falls below
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides, e.g. LABFUNK_OPTIMIZER_OBJECTIVE
	v.SetEnvPrefix("LABFUNK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "CryptoFunk Lab")
	v.SetDefault("app.version", Version)
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Simulation defaults
	sim := backtest.DefaultStrategyConfig()
	v.SetDefault("simulation.symbol", sim.Symbol)
	v.SetDefault("simulation.timeframe", string(sim.Timeframe))
	v.SetDefault("simulation.initial_balance", sim.InitialBalance)
	v.SetDefault("simulation.commission_open", sim.CommissionOpen)
	v.SetDefault("simulation.commission_close", sim.CommissionClose)
	v.SetDefault("simulation.pip_size", sim.PipSize)
	v.SetDefault("simulation.contract_size", sim.ContractSize)
	v.SetDefault("simulation.lot_size", sim.LotSize)
	v.SetDefault("simulation.take_profit_pips", sim.TakeProfitPips)
	v.SetDefault("simulation.stop_loss_pips", sim.StopLossPips)
	v.SetDefault("simulation.max_open_trades", sim.MaxOpenTrades)
	v.SetDefault("simulation.band_period", sim.BandPeriod)
	v.SetDefault("simulation.band_deviation", sim.BandDeviation)
	v.SetDefault("simulation.rsi_period", sim.RSIPeriod)
	v.SetDefault("simulation.rsi_oversold", sim.RSIOversold)
	v.SetDefault("simulation.risk_free_rate", sim.RiskFreeRate)

	// Optimizer defaults
	ga := backtest.DefaultGeneticOptions()
	v.SetDefault("optimizer.method", backtest.MethodGenetic)
	v.SetDefault("optimizer.objective", string(backtest.MultiObjective))
	v.SetDefault("optimizer.genetic.population_size", ga.PopulationSize)
	v.SetDefault("optimizer.genetic.generations", ga.Generations)
	v.SetDefault("optimizer.genetic.mutation_rate", ga.MutationRate)
	v.SetDefault("optimizer.genetic.crossover_rate", ga.CrossoverRate)
	v.SetDefault("optimizer.genetic.elite_size", ga.EliteSize)
	v.SetDefault("optimizer.genetic.convergence_threshold", ga.ConvergenceThreshold)
	v.SetDefault("optimizer.genetic.tournament_size", ga.TournamentSize)
	v.SetDefault("optimizer.genetic.convergence_top_k", ga.ConvergenceTopK)
	v.SetDefault("optimizer.genetic.min_generations", ga.MinGenerations)
	v.SetDefault("optimizer.genetic.workers", ga.Workers)
	v.SetDefault("optimizer.genetic.seed", 0)
	v.SetDefault("optimizer.genetic.evaluation_timeout", "0s")
	v.SetDefault("optimizer.grid.workers", 4)
	v.SetDefault("optimizer.grid.max_combinations", backtest.DefaultMaxCombinations)
	wf := backtest.DefaultWalkForwardOptions()
	v.SetDefault("optimizer.walk_forward.in_sample_bars", wf.InSampleBars)
	v.SetDefault("optimizer.walk_forward.out_sample_bars", wf.OutSampleBars)
	v.SetDefault("optimizer.walk_forward.anchored", wf.Anchored)
	v.SetDefault("optimizer.walk_forward.inner_method", wf.InnerMethod)

	// Parameter space defaults
	v.SetDefault("parameters", []map[string]interface{}{
		{"name": "band_period", "type": "int", "min": 10, "max": 40},
		{"name": "band_deviation", "type": "float", "min": 1.5, "max": 3.0, "step": 0.1},
		{"name": "take_profit_pips", "type": "float", "min": 20, "max": 100, "step": 5},
		{"name": "stop_loss_pips", "type": "float", "min": 10, "max": 60, "step": 5},
	})

	// Data defaults
	v.SetDefault("data.source", "csv")
	v.SetDefault("data.csv_path", "./data/EURUSD_H1.csv")
	v.SetDefault("data.symbol", sim.Symbol)
	v.SetDefault("data.timeframe", string(sim.Timeframe))
	v.SetDefault("data.postgres.table", "candlesticks")
	v.SetDefault("data.postgres.pool_size", 4)
	v.SetDefault("data.breaker.enabled", true)
	v.SetDefault("data.breaker.max_requests", 1)
	v.SetDefault("data.breaker.interval", "1m")
	v.SetDefault("data.breaker.timeout", "30s")
	v.SetDefault("data.breaker.failure_threshold", 3)
	v.SetDefault("data.rate_limit.enabled", false)
	v.SetDefault("data.rate_limit.requests_per_second", 2)
	v.SetDefault("data.rate_limit.burst", 1)

	// Output defaults
	v.SetDefault("output.strategy_name", "optimized-bands")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "labfunk:runs")
	v.SetDefault("redis.ttl", "720h")

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "labfunk.optimization.completed")

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9101)
	v.SetDefault("monitoring.enable_metrics", false)

	// Auto-optimize defaults
	v.SetDefault("auto_optimize.enabled", false)
	v.SetDefault("auto_optimize.interval", "24h")
	v.SetDefault("auto_optimize.run_immediately", true)
	v.SetDefault("auto_optimize.min_sharpe", 0.5)
}

// ParameterSpace builds the validated optimization space
func (c *Config) ParameterSpace() (*backtest.ParameterSpace, error) {
	space, err := backtest.NewParameterSpace(c.Parameters...)
	if err != nil {
		return nil, err
	}
	if err := backtest.CheckCatalogue(space); err != nil {
		return nil, err
	}
	return space, nil
}

// WalkForwardOptions returns the walk-forward section with the genetic and
// grid sections as its inner optimizer settings
func (c *OptimizerConfig) WalkForwardOptions() backtest.WalkForwardOptions {
	opts := c.WalkForward
	opts.Genetic = c.Genetic
	opts.Grid = c.Grid
	return opts
}

// ObjectiveValue returns the parsed optimization objective
func (c *OptimizerConfig) ObjectiveValue() (backtest.Objective, error) {
	return backtest.ParseObjective(c.Objective)
}

// TimeRange returns the parsed data window; zero times are unbounded
func (c *DataConfig) TimeRange() (from, to time.Time, err error) {
	if c.From != "" {
		if from, err = time.Parse(time.RFC3339, c.From); err != nil {
			return from, to, fmt.Errorf("invalid data.from: %w", err)
		}
	}
	if c.To != "" {
		if to, err = time.Parse(time.RFC3339, c.To); err != nil {
			return from, to, fmt.Errorf("invalid data.to: %w", err)
		}
	}
	return from, to, nil
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetMetricsAddr returns the Prometheus listen address
func (c *MonitoringConfig) GetMetricsAddr() string {
	return fmt.Sprintf(":%d", c.PrometheusPort)
}
