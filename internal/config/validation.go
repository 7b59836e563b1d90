package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// HasField reports whether any error concerns field
func (ve ValidationErrors) HasField(field string) bool {
	for _, err := range ve {
		if err.Field == field {
			return true
		}
	}
	return false
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errs ValidationErrors

	errs = append(errs, c.validateApp()...)
	errs = append(errs, c.validateSimulation()...)
	errs = append(errs, c.validateOptimizer()...)
	errs = append(errs, c.validateParameters()...)
	errs = append(errs, c.validateData()...)
	errs = append(errs, c.validateRedis()...)
	errs = append(errs, c.validateNATS()...)
	errs = append(errs, c.validateMonitoring()...)
	errs = append(errs, c.validateAutoOptimize()...)

	if len(errs) > 0 {
		return errs
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errs ValidationErrors

	if c.App.Name == "" {
		errs = append(errs, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	validEnvs := []string{"development", "staging", "production"}
	if !contains(validEnvs, c.App.Environment) {
		errs = append(errs, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
		})
	}

	if c.App.LogLevel == "" {
		errs = append(errs, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	if c.App.LogFormat != "" && c.App.LogFormat != "json" && c.App.LogFormat != "console" {
		errs = append(errs, ValidationError{
			Field:   "app.log_format",
			Message: fmt.Sprintf("Invalid log format '%s'. Must be 'json' or 'console'", c.App.LogFormat),
		})
	}

	return errs
}

func (c *Config) validateSimulation() ValidationErrors {
	if err := c.Simulation.Validate(); err != nil {
		return ValidationErrors{fromConfigurationError("simulation", err)}
	}
	return nil
}

func (c *Config) validateOptimizer() ValidationErrors {
	var errs ValidationErrors

	switch c.Optimizer.Method {
	case backtest.MethodGenetic:
		if err := c.Optimizer.Genetic.Validate(); err != nil {
			errs = append(errs, fromConfigurationError("optimizer.genetic", err))
		}
	case backtest.MethodGridSearch:
		errs = append(errs, c.validateGrid()...)
	case backtest.MethodWalkForward:
		wf := c.Optimizer.WalkForwardOptions()
		if err := wf.Validate(); err != nil {
			errs = append(errs, fromConfigurationError("optimizer.walk_forward", err))
		}
		switch wf.InnerMethod {
		case backtest.MethodGenetic:
			if err := wf.Genetic.Validate(); err != nil {
				errs = append(errs, fromConfigurationError("optimizer.genetic", err))
			}
		case backtest.MethodGridSearch:
			errs = append(errs, c.validateGrid()...)
		}
	default:
		errs = append(errs, ValidationError{
			Field: "optimizer.method",
			Message: fmt.Sprintf("Invalid method '%s'. Must be '%s', '%s' or '%s'",
				c.Optimizer.Method, backtest.MethodGenetic, backtest.MethodGridSearch, backtest.MethodWalkForward),
		})
	}

	if _, err := c.Optimizer.ObjectiveValue(); err != nil {
		errs = append(errs, ValidationError{
			Field:   "optimizer.objective",
			Message: fmt.Sprintf("Invalid objective '%s'. Must be one of: %v", c.Optimizer.Objective, backtest.Objectives),
		})
	}

	return errs
}

func (c *Config) validateParameters() ValidationErrors {
	if _, err := c.ParameterSpace(); err != nil {
		return ValidationErrors{fromConfigurationError("parameters", err)}
	}
	return nil
}

func (c *Config) validateData() ValidationErrors {
	var errs ValidationErrors

	switch c.Data.Source {
	case "csv":
		if c.Data.CSVPath == "" {
			errs = append(errs, ValidationError{
				Field:   "data.csv_path",
				Message: "CSV path is required when data.source is 'csv'",
			})
		}
	case "postgres":
		if c.Data.Postgres.DSN == "" {
			errs = append(errs, ValidationError{
				Field:   "data.postgres.dsn",
				Message: "Postgres DSN is required when data.source is 'postgres'",
			})
		}
		if c.Data.Postgres.Table == "" {
			errs = append(errs, ValidationError{
				Field:   "data.postgres.table",
				Message: "Postgres table is required",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "data.source",
			Message: fmt.Sprintf("Invalid data source '%s'. Must be 'csv' or 'postgres'", c.Data.Source),
		})
	}

	if c.Data.Symbol == "" {
		errs = append(errs, ValidationError{
			Field:   "data.symbol",
			Message: "Symbol is required",
		})
	}

	if _, err := backtest.ParseTimeframe(c.Data.Timeframe); err != nil {
		errs = append(errs, ValidationError{
			Field:   "data.timeframe",
			Message: err.Error(),
		})
	}

	from, to, err := c.Data.TimeRange()
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "data.range",
			Message: err.Error(),
		})
	} else if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		errs = append(errs, ValidationError{
			Field:   "data.range",
			Message: "data.from must be before data.to",
		})
	}

	if c.Data.Breaker.Enabled && c.Data.Breaker.FailureThreshold == 0 {
		errs = append(errs, ValidationError{
			Field:   "data.breaker.failure_threshold",
			Message: "Failure threshold must be at least 1 when the breaker is enabled",
		})
	}

	if c.Data.RateLimit.Enabled && (c.Data.RateLimit.RequestsPerSecond <= 0 || c.Data.RateLimit.Burst < 1) {
		errs = append(errs, ValidationError{
			Field:   "data.rate_limit",
			Message: "Rate limit needs a positive requests_per_second and a burst of at least 1",
		})
	}

	return errs
}

func (c *Config) validateRedis() ValidationErrors {
	var errs ValidationErrors
	if !c.Redis.Enabled {
		return errs
	}

	if c.Redis.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required",
		})
	}

	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Redis.Port),
		})
	}

	if c.Redis.TTL < 0 {
		errs = append(errs, ValidationError{
			Field:   "redis.ttl",
			Message: "TTL must be non-negative",
		})
	}

	return errs
}

func (c *Config) validateNATS() ValidationErrors {
	var errs ValidationErrors
	if !c.NATS.Enabled {
		return errs
	}

	if c.NATS.URL == "" {
		errs = append(errs, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required",
		})
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") {
		errs = append(errs, ValidationError{
			Field:   "nats.url",
			Message: fmt.Sprintf("Invalid NATS URL '%s'. Must start with nats://", c.NATS.URL),
		})
	}

	if c.NATS.Subject == "" {
		errs = append(errs, ValidationError{
			Field:   "nats.subject",
			Message: "NATS subject is required",
		})
	}

	return errs
}

func (c *Config) validateMonitoring() ValidationErrors {
	var errs ValidationErrors

	if c.Monitoring.EnableMetrics && (c.Monitoring.PrometheusPort < 1 || c.Monitoring.PrometheusPort > 65535) {
		errs = append(errs, ValidationError{
			Field:   "monitoring.prometheus_port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Monitoring.PrometheusPort),
		})
	}

	return errs
}

func (c *Config) validateAutoOptimize() ValidationErrors {
	var errs ValidationErrors
	if !c.AutoOptimize.Enabled {
		return errs
	}

	if c.AutoOptimize.Interval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "auto_optimize.interval",
			Message: "Interval must be positive when auto optimization is enabled",
		})
	}

	return errs
}

// fromConfigurationError maps a domain ConfigurationError onto a prefixed field
func (c *Config) validateGrid() ValidationErrors {
	if c.Optimizer.Grid.MaxCombinations < 0 {
		return ValidationErrors{{
			Field:   "optimizer.grid.max_combinations",
			Message: "Max combinations must be non-negative",
		}}
	}
	return nil
}

func fromConfigurationError(prefix string, err error) ValidationError {
	field := prefix
	var ce *backtest.ConfigurationError
	if errors.As(err, &ce) && ce.Field != "" && ce.Field != prefix {
		field = prefix + "." + ce.Field
	}
	return ValidationError{Field: field, Message: err.Error()}
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// ValidateAndLoad loads and validates configuration
// configPath can be empty to use default config locations
func ValidateAndLoad(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
