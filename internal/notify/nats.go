// Package notify announces finished optimization runs on NATS so live
// trading components can pick up a new parameter set
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/cryptofunk-lab/internal/metrics"
	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// DefaultSubject is used when no subject is configured
const DefaultSubject = "labfunk.optimization.completed"

const flushTimeout = 2 * time.Second

// CompletionEvent is the message published for every finished run
type CompletionEvent struct {
	EventID     uuid.UUID          `json:"event_id"`
	RunID       string             `json:"run_id"`
	Method      string             `json:"method"`
	Objective   string             `json:"objective"`
	Status      string             `json:"status"`
	Generations int                `json:"generations"`
	Evaluations int                `json:"evaluations"`
	Failures    int                `json:"failures"`
	BestFitness *float64           `json:"best_fitness,omitempty"` // Nil when no individual evaluated successfully
	BestParams  map[string]float64 `json:"best_params,omitempty"`
	DurationMS  int64              `json:"duration_ms"`
	CompletedAt time.Time          `json:"completed_at"`
	Error       string             `json:"error,omitempty"`
}

// NewCompletionEvent summarizes run
func NewCompletionEvent(run *backtest.OptimizationRun) *CompletionEvent {
	event := &CompletionEvent{
		EventID:     uuid.New(),
		RunID:       run.ID,
		Method:      run.Method,
		Objective:   string(run.Objective),
		Status:      string(run.Status),
		Generations: run.Generations,
		Evaluations: run.Evaluations,
		Failures:    run.Failures,
		DurationMS:  run.Duration.Milliseconds(),
		CompletedAt: run.CompletedAt,
		Error:       run.Error,
	}
	if run.Best != nil && run.Best.Error == "" && run.Best.Fitness != backtest.WorstFitness {
		fitness := run.Best.Fitness
		event.BestFitness = &fitness
		event.BestParams = run.Best.Params.Map()
	}
	return event
}

// NATSPublisher publishes completion events on a NATS subject
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher connects to url and publishes on subject
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}

	nc, err := nats.Connect(
		url,
		nats.Name("labfunk-optimizer"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().
		Str("nats_url", url).
		Str("subject", subject).
		Msg("Completion publisher initialized")

	return &NATSPublisher{nc: nc, subject: subject}, nil
}

// Subject returns the publish subject
func (p *NATSPublisher) Subject() string {
	return p.subject
}

// PublishCompletion publishes the run's completion event and waits for the
// server to acknowledge the flush
func (p *NATSPublisher) PublishCompletion(ctx context.Context, run *backtest.OptimizationRun) (err error) {
	defer func() { metrics.RecordEventPublished(p.subject, err == nil) }()

	if run == nil {
		return errors.New("run is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.nc.IsConnected() {
		return errors.New("completion publisher not connected")
	}

	event := NewCompletionEvent(run)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal completion event: %w", err)
	}

	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish completion event: %w", err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := p.nc.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("failed to flush completion event: %w", err)
	}

	log.Debug().
		Str("subject", p.subject).
		Str("run_id", run.ID).
		Str("event_id", event.EventID.String()).
		Msg("Published completion event")

	return nil
}

// Hook adapts the publisher to an optimizer completion callback.
// Publish failures are logged, never propagated.
func (p *NATSPublisher) Hook(ctx context.Context) backtest.CompletionFunc {
	return func(run *backtest.OptimizationRun) {
		// The run may have been cancelled through ctx; still announce it
		if err := p.PublishCompletion(context.WithoutCancel(ctx), run); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to publish completion event")
		}
	}
}

// Subscribe delivers decoded completion events to handler until the
// subscription is drained or the connection closes
func (p *NATSPublisher) Subscribe(handler func(*CompletionEvent)) (*nats.Subscription, error) {
	sub, err := p.nc.Subscribe(p.subject, func(msg *nats.Msg) {
		var event CompletionEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed completion event")
			return
		}
		handler(&event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", p.subject, err)
	}
	return sub, nil
}

// Close drains and closes the connection
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
