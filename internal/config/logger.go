package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  string
	Format string // "json" or "console"
	Output io.Writer
}

// InitLogger initializes the global logger writing to stdout
func InitLogger(level, format string) {
	InitLoggerWithConfig(LoggerConfig{Level: level, Format: format, Output: os.Stdout})
}

// InitLoggerWithConfig initializes the global logger
func InitLoggerWithConfig(cfg LoggerConfig) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	log.Info().
		Str("level", logLevel.String()).
		Str("format", cfg.Format).
		Msg("Logger initialized")
}

// NewLogger creates a new logger with a component name
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewRunLogger creates a logger scoped to one optimization run
func NewRunLogger(runID, method string) zerolog.Logger {
	return log.With().
		Str("component", "optimizer").
		Str("run_id", runID).
		Str("method", method).
		Logger()
}
