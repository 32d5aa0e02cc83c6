package optimizer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// paramRunner derives deterministic performance from the parameters so runs
// are reproducible and the optimizer has a real gradient to climb.
type paramRunner struct{}

func (paramRunner) RunEvaluation(ctx context.Context, params ParameterSet, strategy StrategyDescriptor, evalCtx EvaluationContext) (*PerformanceResult, error) {
	fast := float64(params["fast_period"].Int())
	slow := float64(params["slow_period"].Int())

	// Peak performance at fast=20, slow=120
	quality := 1 - (math.Abs(fast-20)/40 + math.Abs(slow-120)/160)

	return &PerformanceResult{
		AnnualizedReturn: 10 + 30*quality,
		SharpeRatio:      0.8 + 1.5*quality,
		MaxDrawdownPct:   30 - 20*quality,
		WinRate:          40 + 20*quality,
		TotalTrades:      50,
		Volatility:       25 - 10*quality,
		ProfitFactor:     1 + quality,
	}, nil
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.PopulationSize = 10
	cfg.MaxGenerations = 4
	cfg.MaxConcurrentEvaluations = 2
	cfg.ConvergenceGenerations = 100 // Effectively disabled
	cfg.ConvergenceThreshold = 0
	cfg.CheckpointInterval = 0
	cfg.Seed = 42
	return cfg
}

func newTestOptimizer(t *testing.T, cfg Config) *Optimizer {
	t.Helper()
	opt, err := NewOptimizer(testSpace(t), paramRunner{}, StrategyDescriptor{Name: "test"}, EvaluationContext{}, cfg)
	require.NoError(t, err)
	return opt
}

func TestNewOptimizerValidation(t *testing.T) {
	t.Run("nil space rejected", func(t *testing.T) {
		_, err := NewOptimizer(nil, paramRunner{}, StrategyDescriptor{}, nil, quickConfig())
		assert.Error(t, err)
	})

	t.Run("invalid config rejected", func(t *testing.T) {
		cfg := quickConfig()
		cfg.PopulationSize = 1
		_, err := NewOptimizer(testSpace(t), paramRunner{}, StrategyDescriptor{}, nil, cfg)
		assert.Error(t, err)
	})

	t.Run("starts idle", func(t *testing.T) {
		opt := newTestOptimizer(t, quickConfig())
		assert.Equal(t, StateIdle, opt.State())
	})
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"crossover rate above one", func(c *Config) { c.CrossoverRate = 1.5 }},
		{"negative mutation rate", func(c *Config) { c.MutationRate = -0.1 }},
		{"elitism above one", func(c *Config) { c.ElitismRatio = 2 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentEvaluations = 0 }},
		{"unknown selection", func(c *Config) { c.SelectionMethod = "bogus" }},
		{"zero generations", func(c *Config) { c.MaxGenerations = 0 }},
		{"zero convergence window", func(c *Config) { c.ConvergenceGenerations = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	valid := DefaultConfig()
	assert.NoError(t, valid.Validate())
}

func TestOptimizeCompletes(t *testing.T) {
	opt := newTestOptimizer(t, quickConfig())

	result, err := opt.Optimize(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, StateCompleted, result.Status)
	assert.Equal(t, StateCompleted, opt.State())
	assert.Equal(t, 4, result.Generations)
	assert.Len(t, result.FinalPopulation, 10)
	assert.NotNil(t, result.Best)
	assert.NotNil(t, result.BestParameters)
	assert.NoError(t, opt.Codec().Space().ValidateSet(result.BestParameters))
	assert.Greater(t, result.BestFitness.Aggregate, PenaltyFitness)
	assert.Greater(t, result.TotalRuns, 0)
	require.Len(t, result.History, 4)

	// TopResults are sorted best-first
	for i := 1; i < len(result.TopResults); i++ {
		assert.GreaterOrEqual(t,
			result.TopResults[i-1].AggregateFitness(),
			result.TopResults[i].AggregateFitness())
	}
}

func TestOptimizeRejectsReuse(t *testing.T) {
	opt := newTestOptimizer(t, quickConfig())

	_, err := opt.Optimize(context.Background())
	require.NoError(t, err)

	_, err = opt.Optimize(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestControlMisuse(t *testing.T) {
	opt := newTestOptimizer(t, quickConfig())

	assert.ErrorIs(t, opt.Pause(), ErrNotRunning)
	assert.ErrorIs(t, opt.Resume(), ErrNotPaused)
	assert.ErrorIs(t, opt.Stop(), ErrNotRunning)
}

func TestPauseResumeCycle(t *testing.T) {
	cfg := quickConfig()
	cfg.MaxGenerations = 6
	opt := newTestOptimizer(t, cfg)

	pausedOnce := false
	opt.SetProgressFunc(func(e ProgressEvent) {
		if !pausedOnce {
			pausedOnce = true
			assert.NoError(t, opt.Pause())
		}
	})

	type outcome struct {
		result *OptimizationResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := opt.Optimize(context.Background())
		done <- outcome{result, err}
	}()

	require.Eventually(t, func() bool { return opt.State() == StatePaused },
		2*time.Second, 5*time.Millisecond, "run never reached the paused state")

	// Pausing an already-paused run is misuse
	assert.ErrorIs(t, opt.Pause(), ErrNotRunning)

	// Give the loop time to park on the pause wait before resuming
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, opt.Resume())

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, StateCompleted, out.result.Status)
		assert.Equal(t, 6, out.result.Generations, "the resumed run finishes every generation")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete after resume")
	}
}

func TestCancelWhilePausedUnblocksRun(t *testing.T) {
	cfg := quickConfig()
	cfg.MaxGenerations = 50
	opt := newTestOptimizer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pausedOnce := false
	opt.SetProgressFunc(func(e ProgressEvent) {
		if !pausedOnce {
			pausedOnce = true
			assert.NoError(t, opt.Pause())
		}
	})

	type outcome struct {
		result *OptimizationResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := opt.Optimize(ctx)
		done <- outcome{result, err}
	}()

	require.Eventually(t, func() bool { return opt.State() == StatePaused },
		2*time.Second, 5*time.Millisecond, "run never reached the paused state")

	// Let the loop park on the pause wait so cancellation must wake it
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, StateStopped, out.result.Status)
		assert.Less(t, out.result.Generations, 50)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancellation while paused")
	}
}

func TestStopEndsRunEarly(t *testing.T) {
	cfg := quickConfig()
	cfg.MaxGenerations = 50
	opt := newTestOptimizer(t, cfg)

	stopped := false
	opt.SetProgressFunc(func(e ProgressEvent) {
		if !stopped {
			stopped = true
			require.NoError(t, opt.Stop())
		}
	})

	result, err := opt.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, result.Status)
	assert.Less(t, result.Generations, 50)
}

func TestContextCancellationStopsRun(t *testing.T) {
	cfg := quickConfig()
	cfg.MaxGenerations = 50
	opt := newTestOptimizer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	fired := false
	opt.SetProgressFunc(func(e ProgressEvent) {
		if !fired {
			fired = true
			cancel()
		}
	})

	result, err := opt.Optimize(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, result.Status)
	assert.Less(t, result.Generations, 50)
}

func TestTimeLimitTermination(t *testing.T) {
	cfg := quickConfig()
	cfg.MaxGenerations = 10000
	cfg.MaxDuration = time.Millisecond
	opt := newTestOptimizer(t, cfg)

	result, err := opt.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.Status, "resource limits end the run normally")
	assert.Less(t, result.Generations, 10000)
	assert.NotEmpty(t, result.Warnings)
}

func TestConvergenceTermination(t *testing.T) {
	cfg := quickConfig()
	cfg.MaxGenerations = 100
	cfg.ConvergenceGenerations = 2
	cfg.MutationRate = 0 // Nothing can improve, stagnation hits immediately
	cfg.CrossoverRate = 0
	opt := newTestOptimizer(t, cfg)

	result, err := opt.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.Status)
	assert.Less(t, result.Generations, 100)
}

func TestProgressEvents(t *testing.T) {
	opt := newTestOptimizer(t, quickConfig())

	var events []ProgressEvent
	opt.SetProgressFunc(func(e ProgressEvent) { events = append(events, e) })

	_, err := opt.Optimize(context.Background())
	require.NoError(t, err)

	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, i, e.Generation)
		assert.Equal(t, 4, e.MaxGenerations)
		assert.Len(t, e.Population, 10)
		assert.Greater(t, e.BestFitness, PenaltyFitness)
	}
}

func TestSeededRunsAreReproducible(t *testing.T) {
	cfg := quickConfig()
	cfg.MaxConcurrentEvaluations = 1

	a := newTestOptimizer(t, cfg)
	b := newTestOptimizer(t, cfg)

	ra, err := a.Optimize(context.Background())
	require.NoError(t, err)
	rb, err := b.Optimize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ra.BestFitness.Aggregate, rb.BestFitness.Aggregate)
	assert.True(t, ra.BestParameters["fast_period"].Equal(rb.BestParameters["fast_period"]))
}

func TestMultiObjectiveRunProducesParetoFront(t *testing.T) {
	cfg := quickConfig()
	cfg.MultiObjective = true
	opt := newTestOptimizer(t, cfg)

	result, err := opt.Optimize(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result.ParetoFront)
	for _, ind := range result.ParetoFront {
		assert.Equal(t, 0, ind.Rank)
	}
}

func TestCheckpointAndResume(t *testing.T) {
	cfg := quickConfig()
	cfg.MaxGenerations = 6
	cfg.CheckpointInterval = 2
	opt := newTestOptimizer(t, cfg)

	var first, latest *Checkpoint
	opt.SetCheckpointFunc(func(cp *Checkpoint) {
		if first == nil {
			first = cp
		}
		latest = cp
	})

	_, err := opt.Optimize(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, CheckpointSchemaVersion, first.SchemaVersion)
	assert.Len(t, first.Population, 10)
	assert.Equal(t, 1, first.Generation, "first snapshot lands at the second generation")
	assert.Same(t, latest, opt.LatestCheckpoint())

	t.Run("resume continues from snapshot", func(t *testing.T) {
		resumed := newTestOptimizer(t, cfg)
		require.NoError(t, resumed.ResumeFromCheckpoint(first))

		result, err := resumed.Optimize(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, result.Status)
		assert.Equal(t, first.RunID, result.RunID)
		// History spans the snapshot's generations plus the re-run remainder
		assert.Equal(t, 6, result.Generations)
	})

	t.Run("resume after start rejected", func(t *testing.T) {
		assert.ErrorIs(t, opt.ResumeFromCheckpoint(latest), ErrNotIdle)
	})

	t.Run("incompatible schema rejected", func(t *testing.T) {
		bad := *latest
		bad.SchemaVersion = "99.0.0"
		fresh := newTestOptimizer(t, cfg)
		assert.Error(t, fresh.ResumeFromCheckpoint(&bad))
	})

	t.Run("malformed version rejected", func(t *testing.T) {
		bad := *latest
		bad.SchemaVersion = "not-a-version"
		fresh := newTestOptimizer(t, cfg)
		assert.Error(t, fresh.ResumeFromCheckpoint(&bad))
	})

	t.Run("gene length mismatch rejected", func(t *testing.T) {
		bad := *latest
		bad.Population = clonePopulation(latest.Population)
		bad.Population[0].Genes = Genes{0.5}
		fresh := newTestOptimizer(t, cfg)
		assert.Error(t, fresh.ResumeFromCheckpoint(&bad))
	})
}

func TestAdaptiveParametersStayBounded(t *testing.T) {
	cfg := quickConfig()
	cfg.MaxGenerations = 10
	cfg.Adaptive.Enabled = true
	opt := newTestOptimizer(t, cfg)

	_, err := opt.Optimize(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, opt.config.MutationRate, cfg.Adaptive.MinMutationRate)
	assert.LessOrEqual(t, opt.config.MutationRate, cfg.Adaptive.MaxMutationRate)
	assert.LessOrEqual(t, opt.config.SelectionPressure, float64(cfg.Adaptive.MaxTournamentSize))
}

func TestSetObjectivesBeforeRun(t *testing.T) {
	opt := newTestOptimizer(t, quickConfig())

	objectives := []Objective{{
		Name:      "sharpe_only",
		Direction: Maximize,
		Weight:    1,
		Score:     func(r *PerformanceResult) float64 { return r.SharpeRatio },
		Min:       -1,
		Max:       4,
	}}
	require.NoError(t, opt.SetObjectives(objectives, []Constraint{}))

	result, err := opt.Optimize(context.Background())
	require.NoError(t, err)
	require.Len(t, result.BestFitness.Objectives, 1)
	assert.Equal(t, "sharpe_only", result.BestFitness.Objectives[0].Name)

	t.Run("rejected after run", func(t *testing.T) {
		assert.ErrorIs(t, opt.SetObjectives(objectives, nil), ErrAlreadyRunning)
	})
}
