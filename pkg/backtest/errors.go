package backtest

import (
	"errors"
	"fmt"
)

// Sentinel errors for structural and data failures
var (
	ErrEmptySeries          = errors.New("empty bar series")
	ErrInsufficientWarmup   = errors.New("bar series does not exceed the indicator warm-up window")
	ErrEmptyParameterSpace  = errors.New("parameter space is empty")
	ErrUnknownParameter     = errors.New("unknown parameter")
	ErrInvalidBounds        = errors.New("invalid parameter bounds")
	ErrDuplicateParameter   = errors.New("duplicate parameter")
	ErrParameterOutOfBounds = errors.New("parameter value out of bounds")
	ErrInvalidOptions       = errors.New("invalid optimizer options")
)

// ConfigurationError reports an invalid strategy configuration or parameter space.
// It is always raised before any simulation runs.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(field string, sentinel error, format string, args ...interface{}) error {
	return &ConfigurationError{
		Field: field,
		Err:   fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)),
	}
}

// DataError reports a bar series that cannot be simulated
type DataError struct {
	Bars   int
	Warmup int
	Err    error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data error (bars=%d, warmup=%d): %v", e.Bars, e.Warmup, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// EvaluationError wraps a failure raised by a fitness function for a single individual
type EvaluationError struct {
	Params Params
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation of %s failed: %v", e.Params, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsDataError reports whether err is, or wraps, a DataError
func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}
