package backtest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorstFitness is assigned to individuals whose evaluation failed
const WorstFitness = -math.MaxFloat64

// Optimization methods
const (
	MethodGenetic     = "genetic_algorithm"
	MethodGridSearch  = "grid_search"
	MethodWalkForward = "walk_forward"
)

// ============================================================================
// INDIVIDUALS
// ============================================================================

// Individual is one candidate assignment with its cached fitness
type Individual struct {
	Params    Params  `json:"params"`
	Fitness   float64 `json:"fitness"`
	Evaluated bool    `json:"evaluated"`
	Error     string  `json:"error,omitempty"`
}

func newIndividual(p Params) *Individual {
	return &Individual{Params: p, Fitness: WorstFitness}
}

// clone copies the individual including its cached fitness
func (ind *Individual) clone() *Individual {
	c := *ind
	c.Params = ind.Params.clone()
	return &c
}

// Failed reports whether evaluation produced an error
func (ind *Individual) Failed() bool { return ind.Error != "" }

// Population is a fixed-size ordered collection of individuals
type Population []*Individual

// unevaluated returns the indexes of individuals lacking a cached fitness
func (p Population) unevaluated() []int {
	var idx []int
	for i, ind := range p {
		if !ind.Evaluated {
			idx = append(idx, i)
		}
	}
	return idx
}

// ============================================================================
// RUN RECORD
// ============================================================================

// RunStatus is the terminal or current status of an optimization run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusConverged RunStatus = "converged"
	RunStatusExhausted RunStatus = "exhausted"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// GAState is the genetic optimizer's position in its generation loop
type GAState string

const (
	StateInitialized GAState = "INITIALIZED"
	StateEvaluating  GAState = "EVALUATING"
	StateSelecting   GAState = "SELECTING"
	StateReproducing GAState = "REPRODUCING"
	StateConverged   GAState = "CONVERGED"
	StateExhausted   GAState = "EXHAUSTED"
	StateCancelled   GAState = "CANCELLED"
)

// GenerationStats summarizes one generation
type GenerationStats struct {
	Generation      int           `json:"generation"`
	PopulationSize  int           `json:"population_size"`
	BestFitness     float64       `json:"best_fitness"`
	AverageFitness  float64       `json:"average_fitness"` // Over successfully evaluated individuals
	WorstFitness    float64       `json:"worst_fitness"`
	BestEverFitness float64       `json:"best_ever_fitness"`
	TopKSpread      float64       `json:"top_k_spread"`
	Evaluations     int           `json:"evaluations"`
	Failures        int           `json:"failures"`
	Duration        time.Duration `json:"duration"`
}

// OptimizationRun aggregates the outcome of one optimization
type OptimizationRun struct {
	ID          string            `json:"id"`
	Method      string            `json:"method"`
	Objective   Objective         `json:"objective"`
	Status      RunStatus         `json:"status"`
	State       GAState           `json:"state,omitempty"`
	Seed        int64             `json:"seed"`
	Parameters  []Parameter       `json:"parameters"`
	History     []GenerationStats `json:"history"`
	Best        *Individual       `json:"best,omitempty"`
	TopResults  []*Individual     `json:"top_results,omitempty"`
	Windows     []WindowResult    `json:"windows,omitempty"` // Walk-forward only
	Converged   bool              `json:"converged"`
	Generations int               `json:"generations"`
	Evaluations int               `json:"evaluations"`
	Failures    int               `json:"failures"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Duration    time.Duration     `json:"duration"`
	Error       string            `json:"error,omitempty"`
}

func newRun(method string, objective Objective, space *ParameterSpace, seed int64) *OptimizationRun {
	return &OptimizationRun{
		ID:         uuid.New().String(),
		Method:     method,
		Objective:  objective,
		Status:     RunStatusRunning,
		Seed:       seed,
		Parameters: space.Parameters(),
		History:    []GenerationStats{},
		StartedAt:  time.Now(),
	}
}

func (r *OptimizationRun) finish(status RunStatus, err error) {
	r.Status = status
	r.Converged = status == RunStatusConverged
	r.CompletedAt = time.Now()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
	if err != nil {
		r.Error = err.Error()
	}
}

// Succeeded reports whether the run ended without an error
func (r *OptimizationRun) Succeeded() bool {
	return r.Error == "" && r.Status != RunStatusFailed && r.Status != RunStatusCancelled
}

// BestFitness returns the best-ever fitness, or WorstFitness when nothing was evaluated
func (r *OptimizationRun) BestFitness() float64 {
	if r.Best == nil {
		return WorstFitness
	}
	return r.Best.Fitness
}

// ============================================================================
// OBSERVATION
// ============================================================================

// Observer receives progress notifications from optimizers.
// IndividualEvaluated is called concurrently from evaluation workers.
type Observer interface {
	RunStarted(run *OptimizationRun)
	GenerationCompleted(run *OptimizationRun, stats GenerationStats)
	IndividualEvaluated(run *OptimizationRun, duration time.Duration, err error)
	RunFinished(run *OptimizationRun)
}

// CompletionFunc is invoked once with every finished run, including failed ones
type CompletionFunc func(run *OptimizationRun)

// ============================================================================
// REPORT
// ============================================================================

// GenerateRunReport renders a plain-text summary of an optimization run
func GenerateRunReport(run *OptimizationRun) string {
	var sb strings.Builder

	sb.WriteString("================================================================================\n")
	sb.WriteString("OPTIMIZATION REPORT\n")
	sb.WriteString("================================================================================\n\n")
	sb.WriteString(fmt.Sprintf("Run ID:        %s\n", run.ID))
	sb.WriteString(fmt.Sprintf("Method:        %s\n", run.Method))
	sb.WriteString(fmt.Sprintf("Objective:     %s\n", run.Objective))
	sb.WriteString(fmt.Sprintf("Status:        %s\n", run.Status))
	sb.WriteString(fmt.Sprintf("Generations:   %d\n", run.Generations))
	sb.WriteString(fmt.Sprintf("Evaluations:   %d (%d failed)\n", run.Evaluations, run.Failures))
	sb.WriteString(fmt.Sprintf("Duration:      %s\n", run.Duration.Round(time.Millisecond)))
	if run.Error != "" {
		sb.WriteString(fmt.Sprintf("Error:         %s\n", run.Error))
	}

	if run.Best != nil {
		sb.WriteString("\nBEST CONFIGURATION\n------------------\n")
		sb.WriteString(fmt.Sprintf("Fitness:       %.6f\n", run.Best.Fitness))
		for _, name := range run.Best.Params.Names() {
			sb.WriteString(fmt.Sprintf("  %-18s %g\n", name, run.Best.Params.Float(name)))
		}
	}

	if len(run.Windows) > 0 {
		sb.WriteString("\nWALK-FORWARD WINDOWS\n--------------------\n")
		sb.WriteString(fmt.Sprintf("%4s %-16s %-16s %14s %14s\n", "win", "train start", "test start", "in-sample", "out-sample"))
		for _, w := range run.Windows {
			if w.Error != "" {
				sb.WriteString(fmt.Sprintf("%4d %-16s %-16s %s\n", w.Index,
					w.InSampleStart.Format("2006-01-02 15:04"), w.OutSampleStart.Format("2006-01-02 15:04"), w.Error))
				continue
			}
			sb.WriteString(fmt.Sprintf("%4d %-16s %-16s %14.6f %14.6f\n", w.Index,
				w.InSampleStart.Format("2006-01-02 15:04"), w.OutSampleStart.Format("2006-01-02 15:04"),
				w.InSampleFitness, w.OutSampleFitness))
		}
	}

	if len(run.History) > 0 {
		sb.WriteString("\nGENERATIONS\n-----------\n")
		sb.WriteString(fmt.Sprintf("%5s %14s %14s %14s %6s\n", "gen", "best", "average", "best-ever", "evals"))
		for _, g := range run.History {
			sb.WriteString(fmt.Sprintf("%5d %14.6f %14.6f %14.6f %6d\n",
				g.Generation, g.BestFitness, g.AverageFitness, g.BestEverFitness, g.Evaluations))
		}
	}

	return sb.String()
}
