package optimizer

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRunner records invocations and serves canned results
type countingRunner struct {
	calls  atomic.Int64
	result *PerformanceResult
	err    error
}

func (r *countingRunner) RunEvaluation(ctx context.Context, params ParameterSet, strategy StrategyDescriptor, evalCtx EvaluationContext) (*PerformanceResult, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func goodResult() *PerformanceResult {
	return &PerformanceResult{
		AnnualizedReturn: 25.0,
		SharpeRatio:      1.8,
		MaxDrawdownPct:   12.0,
		WinRate:          55.0,
		TotalTrades:      80,
		Volatility:       18.0,
		ProfitFactor:     1.6,
		CalmarRatio:      2.1,
	}
}

func newTestEvaluator(t *testing.T, runner EvaluationRunner) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(runner, StrategyDescriptor{Name: "test"}, EvaluationContext{}, nil, nil, DefaultEvaluatorConfig())
	require.NoError(t, err)
	return e
}

func testParams() ParameterSet {
	return ParameterSet{
		"fast_period": IntValue(12),
		"slow_period": IntValue(60),
	}
}

func TestNewEvaluatorValidation(t *testing.T) {
	runner := &countingRunner{result: goodResult()}

	t.Run("nil runner rejected", func(t *testing.T) {
		_, err := NewEvaluator(nil, StrategyDescriptor{}, nil, nil, nil, DefaultEvaluatorConfig())
		assert.Error(t, err)
	})

	t.Run("objective without score function rejected", func(t *testing.T) {
		objectives := []Objective{{Name: "broken", Direction: Maximize, Weight: 1}}
		_, err := NewEvaluator(runner, StrategyDescriptor{}, nil, objectives, nil, DefaultEvaluatorConfig())
		assert.Error(t, err)
	})

	t.Run("risk aversion out of range rejected", func(t *testing.T) {
		cfg := DefaultEvaluatorConfig()
		cfg.RiskAversion = 1.0
		_, err := NewEvaluator(runner, StrategyDescriptor{}, nil, nil, nil, cfg)
		assert.Error(t, err)
	})
}

func TestEvaluateCaching(t *testing.T) {
	runner := &countingRunner{result: goodResult()}
	e := newTestEvaluator(t, runner)
	ctx := context.Background()

	first := e.Evaluate(ctx, testParams())
	require.NotNil(t, first)

	// Second call with an equal set hits the cache: same pointer, no new
	// collaborator invocation.
	second := e.Evaluate(ctx, testParams())
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), runner.calls.Load())

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Evaluations)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, 1, e.CacheSize())

	// A different set misses
	other := testParams()
	other["fast_period"] = IntValue(13)
	third := e.Evaluate(ctx, other)
	assert.NotSame(t, first, third)
	assert.Equal(t, int64(2), runner.calls.Load())
}

func TestEvaluateCacheExpiry(t *testing.T) {
	runner := &countingRunner{result: goodResult()}
	cfg := DefaultEvaluatorConfig()
	cfg.CacheTTL = time.Nanosecond
	e, err := NewEvaluator(runner, StrategyDescriptor{}, nil, nil, nil, cfg)
	require.NoError(t, err)

	e.Evaluate(context.Background(), testParams())
	time.Sleep(time.Millisecond)
	e.Evaluate(context.Background(), testParams())

	assert.Equal(t, int64(2), runner.calls.Load())
}

func TestEvaluateFailureYieldsPenalty(t *testing.T) {
	runner := &countingRunner{err: errors.New("backend unavailable")}
	e := newTestEvaluator(t, runner)

	scores := e.Evaluate(context.Background(), testParams())
	require.NotNil(t, scores)
	assert.Equal(t, PenaltyFitness, scores.Aggregate)
	assert.False(t, scores.Feasible)
	assert.Equal(t, int64(1), e.Stats().Failures)
}

func TestHardConstraintViolation(t *testing.T) {
	noTrades := goodResult()
	noTrades.TotalTrades = 0

	runner := &countingRunner{result: noTrades}
	e := newTestEvaluator(t, runner)

	scores := e.Evaluate(context.Background(), testParams())
	require.NotNil(t, scores)
	assert.False(t, scores.Feasible)

	// The infeasible aggregate must rank below any feasible one
	feasibleRunner := &countingRunner{result: goodResult()}
	fe := newTestEvaluator(t, feasibleRunner)
	feasible := fe.Evaluate(context.Background(), testParams())
	assert.True(t, feasible.Feasible)
	assert.Less(t, scores.Aggregate, feasible.Aggregate)
}

func TestSoftConstraintPenalty(t *testing.T) {
	lowSharpe := goodResult()
	lowSharpe.SharpeRatio = 0.1 // Violates minimum_sharpe but no hard constraint

	e := newTestEvaluator(t, &countingRunner{result: lowSharpe})
	scores, err := e.Score(lowSharpe)
	require.NoError(t, err)

	assert.True(t, scores.Feasible, "soft violations keep the result feasible")
	var sawPenalty bool
	for _, c := range scores.Constraints {
		if c.Name == "minimum_sharpe" {
			assert.False(t, c.Satisfied)
			assert.Greater(t, c.Penalty, 0.0)
			sawPenalty = true
		}
	}
	assert.True(t, sawPenalty)
}

func TestNormalizationDirection(t *testing.T) {
	e := newTestEvaluator(t, &countingRunner{result: goodResult()})

	lowDD := goodResult()
	lowDD.MaxDrawdownPct = 5.0
	highDD := goodResult()
	highDD.MaxDrawdownPct = 40.0

	lowScores, err := e.Score(lowDD)
	require.NoError(t, err)
	highScores, err := e.Score(highDD)
	require.NoError(t, err)

	// Minimize objectives invert: lower drawdown must normalize higher
	var lowNorm, highNorm float64
	for _, o := range lowScores.Objectives {
		if o.Name == "max_drawdown" {
			lowNorm = o.Normalized
		}
	}
	for _, o := range highScores.Objectives {
		if o.Name == "max_drawdown" {
			highNorm = o.Normalized
		}
	}
	assert.Greater(t, lowNorm, highNorm)
	assert.Greater(t, lowScores.Aggregate, highScores.Aggregate)
}

func TestNormalizedScoresInUnitInterval(t *testing.T) {
	e := newTestEvaluator(t, &countingRunner{result: goodResult()})

	extreme := &PerformanceResult{
		AnnualizedReturn: 5000.0, // Far beyond the declared range
		SharpeRatio:      -10.0,
		MaxDrawdownPct:   95.0,
		WinRate:          100.0,
		TotalTrades:      500,
		Volatility:       300.0,
	}
	scores, err := e.Score(extreme)
	require.NoError(t, err)

	for _, o := range scores.Objectives {
		assert.GreaterOrEqual(t, o.Normalized, 0.0, o.Name)
		assert.LessOrEqual(t, o.Normalized, 1.0, o.Name)
	}
}

func TestAggregationMethods(t *testing.T) {
	for _, method := range []AggregationMethod{AggregateWeightedSum, AggregateWeightedProduct, AggregateTchebycheff} {
		t.Run(string(method), func(t *testing.T) {
			cfg := DefaultEvaluatorConfig()
			cfg.Aggregation = method
			e, err := NewEvaluator(&countingRunner{result: goodResult()}, StrategyDescriptor{}, nil, nil, nil, cfg)
			require.NoError(t, err)

			better, err := e.Score(goodResult())
			require.NoError(t, err)

			worse := goodResult()
			worse.SharpeRatio = 0.6
			worse.AnnualizedReturn = 5.0
			worseScores, err := e.Score(worse)
			require.NoError(t, err)

			assert.Greater(t, better.Aggregate, worseScores.Aggregate)
		})
	}
}

func TestRiskAversionDiscountsFitness(t *testing.T) {
	plain := newTestEvaluator(t, &countingRunner{result: goodResult()})

	cfg := DefaultEvaluatorConfig()
	cfg.RiskAversion = 0.3
	averse, err := NewEvaluator(&countingRunner{result: goodResult()}, StrategyDescriptor{}, nil, nil, nil, cfg)
	require.NoError(t, err)

	base, err := plain.Score(goodResult())
	require.NoError(t, err)
	discounted, err := averse.Score(goodResult())
	require.NoError(t, err)

	assert.Less(t, discounted.Aggregate, base.Aggregate)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	runner := &countingRunner{err: errors.New("backend down")}
	cfg := DefaultEvaluatorConfig()
	cfg.BreakerThreshold = 3
	cfg.CacheTTL = 0 // Disable caching so every call reaches the breaker
	e, err := NewEvaluator(runner, StrategyDescriptor{}, nil, nil, nil, cfg)
	require.NoError(t, err)

	params := testParams()
	for i := 0; i < 10; i++ {
		params["fast_period"] = IntValue(int64(i))
		scores := e.Evaluate(context.Background(), params)
		assert.Equal(t, PenaltyFitness, scores.Aggregate)
	}

	// Once open, the breaker short-circuits without reaching the backend
	assert.Less(t, runner.calls.Load(), int64(10))
}

func TestNormalizedVector(t *testing.T) {
	e := newTestEvaluator(t, &countingRunner{result: goodResult()})
	scores, err := e.Score(goodResult())
	require.NoError(t, err)

	vec := scores.NormalizedVector()
	require.Len(t, vec, len(e.Objectives()))
	for i, o := range scores.Objectives {
		assert.Equal(t, o.Normalized, vec[i])
	}
}

func TestRobustness(t *testing.T) {
	space := testSpace(t)
	params := ParameterSet{
		"fast_period":   IntValue(12),
		"slow_period":   IntValue(60),
		"ma_type":       CategoryValue("sma"),
		"stop_loss_pct": FloatValue(2.5),
		"long_only":     BoolValue(true),
	}
	rng := rand.New(rand.NewSource(1)) // #nosec G404

	t.Run("stable backend scores 1.0", func(t *testing.T) {
		e := newTestEvaluator(t, &countingRunner{result: goodResult()})
		score := e.Robustness(context.Background(), params, space, rng)
		assert.InDelta(t, 1.0, score, 1e-9, "identical results under perturbation mean full robustness")
	})

	t.Run("failing base evaluation scores zero", func(t *testing.T) {
		e := newTestEvaluator(t, &countingRunner{err: errors.New("backend down")})
		score := e.Robustness(context.Background(), params, space, rng)
		assert.Equal(t, 0.0, score)
	})
}
