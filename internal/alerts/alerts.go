// Package alerts raises operator alerts for optimization events that need
// attention: failed runs, degraded strategies and an unavailable bar source.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert represents an alert message
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter defines the interface for sending alerts
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans alerts out to multiple channels
type Manager struct {
	alerters []Alerter
}

// NewManager creates a new alert manager
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
	}
}

// Send sends an alert to all configured alerters. Every alerter is tried;
// the last failure is returned.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			lastErr = err
		}
	}

	return lastErr
}

// SendCritical is a convenience method for sending critical alerts
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityCritical, Metadata: metadata})
}

// SendWarning is a convenience method for sending warning alerts
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityWarning, Metadata: metadata})
}

// SendInfo is a convenience method for sending info alerts
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityInfo, Metadata: metadata})
}

// LogAlerter logs alerts using zerolog
type LogAlerter struct{}

// NewLogAlerter creates a new log-based alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send logs the alert at a level matching its severity
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Log()

	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	case SeverityInfo:
		event = log.Info()
	}

	// Sorted for stable output
	keys := make([]string, 0, len(alert.Metadata))
	for key := range alert.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		event = event.Interface(key, alert.Metadata[key])
	}

	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg("ALERT: " + alert.Message)

	return nil
}

// ============================================================================
// OPTIMIZATION ALERTS
// ============================================================================

// RunFinished raises a critical alert for failed runs and a warning for runs
// that ended without a usable configuration. Clean runs are not alerted.
func (m *Manager) RunFinished(ctx context.Context, run *backtest.OptimizationRun) error {
	if run == nil {
		return nil
	}

	metadata := map[string]interface{}{
		"run_id":      run.ID,
		"method":      run.Method,
		"status":      string(run.Status),
		"evaluations": run.Evaluations,
		"failures":    run.Failures,
	}

	switch {
	case run.Status == backtest.RunStatusFailed:
		return m.SendCritical(ctx, "Optimization Failed",
			fmt.Sprintf("Optimization run %s failed: %s", run.ID, run.Error), metadata)
	case run.Status == backtest.RunStatusCancelled:
		return nil
	case run.Best == nil || run.Best.Failed() || run.Best.Fitness == backtest.WorstFitness:
		return m.SendWarning(ctx, "No Usable Configuration",
			fmt.Sprintf("Optimization run %s evaluated %d configurations and none succeeded", run.ID, run.Evaluations), metadata)
	}
	return nil
}

// StrategyDegraded warns that the deployed configuration no longer meets
// the minimum Sharpe ratio
func (m *Manager) StrategyDegraded(ctx context.Context, runID string, sharpe, minSharpe float64) error {
	return m.SendWarning(ctx, "Strategy Degraded",
		fmt.Sprintf("Sharpe ratio %.2f of run %s fell below %.2f, re-optimizing", sharpe, runID, minSharpe),
		map[string]interface{}{
			"run_id":     runID,
			"sharpe":     sharpe,
			"min_sharpe": minSharpe,
		})
}

// SourceUnavailable reports a bar source whose circuit breaker opened
func (m *Manager) SourceUnavailable(ctx context.Context, source string, err error) error {
	metadata := map[string]interface{}{"source": source}
	if err != nil {
		metadata["error"] = err.Error()
	}
	return m.SendCritical(ctx, "Bar Source Unavailable",
		fmt.Sprintf("Circuit breaker for %s is open, optimizations are paused", source), metadata)
}
