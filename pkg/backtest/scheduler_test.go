package backtest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubJob(calls *atomic.Int32) JobFunc {
	return func(context.Context) (*OptimizationRun, error) {
		calls.Add(1)
		return &OptimizationRun{ID: "stub", Status: RunStatusCompleted}, nil
	}
}

func TestNewAutoOptimizerValidation(t *testing.T) {
	_, err := NewAutoOptimizer(AutoOptimizerConfig{Interval: time.Second})
	assert.True(t, IsConfigurationError(err))

	var calls atomic.Int32
	_, err = NewAutoOptimizer(AutoOptimizerConfig{Job: stubJob(&calls)})
	assert.True(t, IsConfigurationError(err))
}

func TestAutoOptimizerStartStop(t *testing.T) {
	var calls, completed atomic.Int32
	auto, err := NewAutoOptimizer(AutoOptimizerConfig{
		Interval:       10 * time.Millisecond,
		RunImmediately: true,
		Job:            stubJob(&calls),
		OnComplete:     func(*OptimizationRun) { completed.Add(1) },
	})
	require.NoError(t, err)

	require.NoError(t, auto.Start(context.Background()))
	assert.True(t, auto.IsRunning())
	assert.ErrorIs(t, auto.Start(context.Background()), ErrAutoOptimizerRunning)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, auto.Stop())
	assert.False(t, auto.IsRunning())
	assert.ErrorIs(t, auto.Stop(), ErrAutoOptimizerNotRunning)

	assert.Equal(t, int(calls.Load()), auto.Runs())
	assert.Equal(t, calls.Load(), completed.Load())
	require.NotNil(t, auto.LastRun())
	assert.Equal(t, "stub", auto.LastRun().ID)

	// No further runs after Stop returns
	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestAutoOptimizerTriggerGatesRuns(t *testing.T) {
	var calls, checks atomic.Int32
	auto, err := NewAutoOptimizer(AutoOptimizerConfig{
		Interval: 5 * time.Millisecond,
		Trigger: func(context.Context, *OptimizationRun) (bool, error) {
			checks.Add(1)
			return false, nil
		},
		Job: stubJob(&calls),
	})
	require.NoError(t, err)

	require.NoError(t, auto.Start(context.Background()))
	require.Eventually(t, func() bool { return checks.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, auto.Stop())

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, auto.Runs())
	assert.Nil(t, auto.LastRun())
}

func TestAutoOptimizerTriggerErrorSkipsCycle(t *testing.T) {
	var calls, checks atomic.Int32
	auto, err := NewAutoOptimizer(AutoOptimizerConfig{
		Interval: 5 * time.Millisecond,
		Trigger: func(_ context.Context, last *OptimizationRun) (bool, error) {
			if checks.Add(1) == 1 {
				return false, errors.New("performance feed unavailable")
			}
			// Only the first successful check fires
			return last == nil, nil
		},
		Job: stubJob(&calls),
	})
	require.NoError(t, err)

	require.NoError(t, auto.Start(context.Background()))
	require.Eventually(t, func() bool { return checks.Load() >= 4 }, time.Second, 5*time.Millisecond)
	require.NoError(t, auto.Stop())

	assert.Equal(t, int32(1), calls.Load())
}

func TestAutoOptimizerStopCancelsActiveRun(t *testing.T) {
	started := make(chan struct{})
	var once atomic.Bool

	slow := FitnessFunc(func(ctx context.Context, p Params) (float64, error) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		time.Sleep(5 * time.Millisecond)
		return quadratic(ctx, p)
	})

	opt := NewGeneticOptimizer()
	space := intSpace(t, "x", 0, 20)
	opts := testOptions()
	opts.PopulationSize = 4
	opts.Generations = 10000
	opts.Workers = 4
	opts.MutationRate = 1
	opts.ConvergenceThreshold = 0

	auto, err := NewAutoOptimizer(AutoOptimizerConfig{
		Interval:       time.Hour,
		RunImmediately: true,
		Job: func(ctx context.Context) (*OptimizationRun, error) {
			return opt.Optimize(ctx, space, MaximizeProfit, slow, opts)
		},
	})
	require.NoError(t, err)

	require.NoError(t, auto.Start(context.Background()))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("optimization never started")
	}

	require.NoError(t, auto.Stop())

	last := auto.LastRun()
	require.NotNil(t, last)
	assert.Equal(t, RunStatusCancelled, last.Status)
	assert.NotEmpty(t, last.Error)
	assert.Less(t, last.Generations, opts.Generations)
	assert.Equal(t, StateCancelled, opt.State())
}

func TestAutoOptimizerParentCancelResetsRunning(t *testing.T) {
	var calls atomic.Int32
	auto, err := NewAutoOptimizer(AutoOptimizerConfig{
		Interval: 5 * time.Millisecond,
		Job:      stubJob(&calls),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, auto.Start(ctx))
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !auto.IsRunning() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, auto.Stop(), ErrAutoOptimizerNotRunning)

	// A fresh start works after the loop exited on its own
	before := calls.Load()
	require.NoError(t, auto.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() > before }, time.Second, 5*time.Millisecond)
	require.NoError(t, auto.Stop())
	assert.False(t, auto.IsRunning())
}
