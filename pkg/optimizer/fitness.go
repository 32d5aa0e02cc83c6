// Multi-objective fitness evaluation with constraint handling and caching
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// PenaltyFitness is the aggregate assigned to failed or rejected evaluations.
// Far below any feasible value so the optimizer evolves away from them.
const PenaltyFitness = -1e9

// ============================================================================
// OBJECTIVES
// ============================================================================

// ObjectiveDirection declares whether higher or lower raw values are better
type ObjectiveDirection string

const (
	Maximize ObjectiveDirection = "maximize"
	Minimize ObjectiveDirection = "minimize"
)

// Objective scores one dimension of strategy performance
type Objective struct {
	Name      string
	Direction ObjectiveDirection
	Weight    float64
	Score     func(*PerformanceResult) float64
	Min       float64 // Expected range for normalization
	Max       float64
	Priority  int // Lower is more important; informational for callers
}

// DefaultObjectives returns the standard multi-objective set
func DefaultObjectives() []Objective {
	return []Objective{
		{
			Name:      "sharpe_ratio",
			Direction: Maximize,
			Weight:    0.35,
			Score:     func(r *PerformanceResult) float64 { return r.SharpeRatio },
			Min:       -1.0,
			Max:       4.0,
			Priority:  0,
		},
		{
			Name:      "annualized_return",
			Direction: Maximize,
			Weight:    0.30,
			Score:     func(r *PerformanceResult) float64 { return r.AnnualizedReturn },
			Min:       -50.0,
			Max:       100.0,
			Priority:  1,
		},
		{
			Name:      "max_drawdown",
			Direction: Minimize,
			Weight:    0.20,
			Score:     func(r *PerformanceResult) float64 { return r.MaxDrawdownPct },
			Min:       0.0,
			Max:       60.0,
			Priority:  1,
		},
		{
			Name:      "volatility",
			Direction: Minimize,
			Weight:    0.15,
			Score:     func(r *PerformanceResult) float64 { return r.Volatility },
			Min:       0.0,
			Max:       80.0,
			Priority:  2,
		},
	}
}

// ============================================================================
// CONSTRAINTS
// ============================================================================

// Constraint rejects or penalizes unacceptable strategy behavior.
// Check returns whether the constraint holds and the violation magnitude
// (zero when satisfied).
type Constraint struct {
	Name          string
	Hard          bool
	PenaltyWeight float64
	Check         func(*PerformanceResult) (bool, float64)
}

// DefaultConstraints returns the standard constraint set
func DefaultConstraints() []Constraint {
	return []Constraint{
		{
			Name:          "minimum_trades",
			Hard:          true,
			PenaltyWeight: 10.0,
			Check: func(r *PerformanceResult) (bool, float64) {
				const minTrades = 10
				if r.TotalTrades >= minTrades {
					return true, 0
				}
				return false, float64(minTrades - r.TotalTrades)
			},
		},
		{
			Name:          "maximum_drawdown",
			Hard:          true,
			PenaltyWeight: 5.0,
			Check: func(r *PerformanceResult) (bool, float64) {
				const maxDD = 50.0
				if r.MaxDrawdownPct <= maxDD {
					return true, 0
				}
				return false, r.MaxDrawdownPct - maxDD
			},
		},
		{
			Name:          "minimum_sharpe",
			Hard:          false,
			PenaltyWeight: 2.0,
			Check: func(r *PerformanceResult) (bool, float64) {
				const minSharpe = 0.5
				if r.SharpeRatio >= minSharpe {
					return true, 0
				}
				return false, minSharpe - r.SharpeRatio
			},
		},
		{
			Name:          "minimum_win_rate",
			Hard:          false,
			PenaltyWeight: 1.0,
			Check: func(r *PerformanceResult) (bool, float64) {
				const minWinRate = 30.0
				if r.WinRate >= minWinRate {
					return true, 0
				}
				return false, (minWinRate - r.WinRate) / 100.0
			},
		},
	}
}

// ============================================================================
// FITNESS SCORES
// ============================================================================

// ObjectiveScore is one objective's contribution to a fitness value
type ObjectiveScore struct {
	Name       string  `json:"name"`
	Raw        float64 `json:"raw"`
	Normalized float64 `json:"normalized"` // In [0,1], 1.0 always means better
	Weight     float64 `json:"weight"`
}

// ConstraintResult records one constraint evaluation
type ConstraintResult struct {
	Name      string  `json:"name"`
	Satisfied bool    `json:"satisfied"`
	Violation float64 `json:"violation"`
	Penalty   float64 `json:"penalty"`
}

// FitnessScores is the immutable outcome of one fitness evaluation.
// Re-evaluation produces a new value, never an in-place update.
type FitnessScores struct {
	Aggregate   float64            `json:"aggregate"`
	Objectives  []ObjectiveScore   `json:"objectives"`
	Constraints []ConstraintResult `json:"constraints"`
	Feasible    bool               `json:"feasible"`

	// Derived risk-adjusted metrics
	ReturnPerVolatility float64 `json:"return_per_volatility"`
	ReturnPerDrawdown   float64 `json:"return_per_drawdown"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// NormalizedVector returns the normalized objective scores in declaration
// order, used for dominance comparison.
func (f *FitnessScores) NormalizedVector() []float64 {
	v := make([]float64, len(f.Objectives))
	for i, o := range f.Objectives {
		v[i] = o.Normalized
	}
	return v
}

// ============================================================================
// EVALUATOR CONFIG
// ============================================================================

// AggregationMethod combines normalized objective scores into a scalar
type AggregationMethod string

const (
	AggregateWeightedSum     AggregationMethod = "weighted_sum"
	AggregateWeightedProduct AggregationMethod = "weighted_product"
	AggregateTchebycheff     AggregationMethod = "tchebycheff"
)

// OutlierPolicy controls handling of raw values outside the expected range
type OutlierPolicy string

const (
	OutlierClip      OutlierPolicy = "clip"
	OutlierWinsorize OutlierPolicy = "winsorize"
	OutlierReject    OutlierPolicy = "reject"
)

// EvaluatorConfig holds fitness evaluator settings
type EvaluatorConfig struct {
	Aggregation       AggregationMethod `json:"aggregation" yaml:"aggregation"`
	OutlierPolicy     OutlierPolicy     `json:"outlier_policy" yaml:"outlier_policy"`
	RiskAversion      float64           `json:"risk_aversion" yaml:"risk_aversion"` // Uniform fitness discount in [0,1)
	AdaptiveRanges    bool              `json:"adaptive_ranges" yaml:"adaptive_ranges"`
	CacheTTL          time.Duration     `json:"cache_ttl" yaml:"cache_ttl"`
	EvaluationTimeout time.Duration     `json:"evaluation_timeout" yaml:"evaluation_timeout"`

	// RateLimit caps collaborator calls per second; zero disables.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`

	// BreakerThreshold opens the circuit after this many consecutive
	// collaborator failures; zero disables the breaker.
	BreakerThreshold uint32 `json:"breaker_threshold" yaml:"breaker_threshold"`

	// Robustness scoring
	RobustnessSamples      int     `json:"robustness_samples" yaml:"robustness_samples"`
	RobustnessPerturbation float64 `json:"robustness_perturbation" yaml:"robustness_perturbation"`
}

// DefaultEvaluatorConfig returns standard evaluator settings
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		Aggregation:            AggregateWeightedSum,
		OutlierPolicy:          OutlierClip,
		RiskAversion:           0.0,
		AdaptiveRanges:         false,
		CacheTTL:               30 * time.Minute,
		EvaluationTimeout:      2 * time.Minute,
		RobustnessSamples:      3,
		RobustnessPerturbation: 0.05,
	}
}

// ============================================================================
// EVALUATOR
// ============================================================================

var errOutlierRejected = errors.New("objective value rejected by outlier policy")

type cacheEntry struct {
	scores    *FitnessScores
	expiresAt time.Time
}

// runningRange tracks the observed raw value range per objective for
// adaptive normalization.
type runningRange struct {
	min, max float64
	seen     bool
}

// EvaluatorStats are cumulative counters for one evaluator
type EvaluatorStats struct {
	Evaluations int64 `json:"evaluations"` // Collaborator invocations
	CacheHits   int64 `json:"cache_hits"`
	Failures    int64 `json:"failures"`
	Timeouts    int64 `json:"timeouts"`
}

// Evaluator converts decoded parameter sets into multi-objective fitness via
// the external evaluation collaborator. Safe for concurrent use.
type Evaluator struct {
	runner      EvaluationRunner
	strategy    StrategyDescriptor
	evalCtx     EvaluationContext
	objectives  []Objective
	constraints []Constraint
	config      EvaluatorConfig
	log         zerolog.Logger
	prom        *optimizerMetrics

	cacheMu sync.RWMutex
	cache   map[string]*cacheEntry

	rangesMu sync.Mutex
	ranges   map[string]*runningRange

	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	evaluations atomic.Int64
	cacheHits   atomic.Int64
	failures    atomic.Int64
	timeouts    atomic.Int64
}

// NewEvaluator creates a fitness evaluator. Nil objectives or constraints
// select the defaults; configuration errors fail fast.
func NewEvaluator(runner EvaluationRunner, strategy StrategyDescriptor, evalCtx EvaluationContext, objectives []Objective, constraints []Constraint, config EvaluatorConfig) (*Evaluator, error) {
	if runner == nil {
		return nil, fmt.Errorf("evaluation runner is required")
	}
	if objectives == nil {
		objectives = DefaultObjectives()
	}
	if constraints == nil {
		constraints = DefaultConstraints()
	}
	if len(objectives) == 0 {
		return nil, fmt.Errorf("at least one objective is required")
	}
	for _, obj := range objectives {
		if obj.Score == nil {
			return nil, fmt.Errorf("objective %s has no scoring function", obj.Name)
		}
		if obj.Weight < 0 {
			return nil, fmt.Errorf("objective %s has negative weight", obj.Name)
		}
		if obj.Direction != Maximize && obj.Direction != Minimize {
			return nil, fmt.Errorf("objective %s has invalid direction %q", obj.Name, obj.Direction)
		}
	}
	if config.RiskAversion < 0 || config.RiskAversion >= 1 {
		return nil, fmt.Errorf("risk aversion %.4f outside [0,1)", config.RiskAversion)
	}

	e := &Evaluator{
		runner:      runner,
		strategy:    strategy,
		evalCtx:     evalCtx,
		objectives:  objectives,
		constraints: constraints,
		config:      config,
		log:         log.With().Str("component", "fitness_evaluator").Logger(),
		prom:        getOrCreateMetrics(),
		cache:       make(map[string]*cacheEntry),
		ranges:      make(map[string]*runningRange),
	}

	if config.BreakerThreshold > 0 {
		e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "evaluation-runner",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.BreakerThreshold
			},
			Timeout: 30 * time.Second,
		})
	}
	if config.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	return e, nil
}

// Objectives returns the configured objective set
func (e *Evaluator) Objectives() []Objective { return e.objectives }

// Stats returns cumulative evaluator counters
func (e *Evaluator) Stats() EvaluatorStats {
	return EvaluatorStats{
		Evaluations: e.evaluations.Load(),
		CacheHits:   e.cacheHits.Load(),
		Failures:    e.failures.Load(),
		Timeouts:    e.timeouts.Load(),
	}
}

// Evaluate computes fitness for a parameter set. A cache hit returns the
// previously computed FitnessScores without re-invoking the collaborator;
// collaborator failures and timeouts yield penalty fitness, never an error.
func (e *Evaluator) Evaluate(ctx context.Context, params ParameterSet) *FitnessScores {
	key := params.CanonicalKey()

	if cached := e.lookup(key); cached != nil {
		e.cacheHits.Add(1)
		e.prom.CacheHitsTotal.Inc()
		return cached
	}

	scores := e.evaluateUncached(ctx, params)
	return e.store(key, scores)
}

func (e *Evaluator) evaluateUncached(ctx context.Context, params ParameterSet) *FitnessScores {
	result, err := e.runExternal(ctx, params)
	if err != nil {
		e.failures.Add(1)
		e.prom.EvaluationFailures.Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			e.timeouts.Add(1)
			e.prom.EvaluationTimeouts.Inc()
		}
		e.log.Warn().
			Err(err).
			Str("params", params.CanonicalKey()).
			Msg("Evaluation failed, assigning penalty fitness")
		return e.penaltyScores()
	}

	scores, err := e.Score(result)
	if err != nil {
		e.failures.Add(1)
		e.prom.EvaluationFailures.Inc()
		e.log.Warn().Err(err).Msg("Scoring rejected evaluation result, assigning penalty fitness")
		return e.penaltyScores()
	}
	return scores
}

// runExternal invokes the collaborator through the rate limiter, circuit
// breaker, and per-evaluation timeout.
func (e *Evaluator) runExternal(ctx context.Context, params ParameterSet) (*PerformanceResult, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	if e.config.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.EvaluationTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		e.prom.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	invoke := func() (*PerformanceResult, error) {
		e.evaluations.Add(1)
		e.prom.EvaluationsTotal.Inc()
		res, err := e.runner.RunEvaluation(ctx, params, e.strategy, e.evalCtx)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, fmt.Errorf("collaborator returned nil result")
		}
		return res, nil
	}

	if e.breaker == nil {
		res, err := invoke()
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return res, err
	}

	out, err := e.breaker.Execute(func() (interface{}, error) {
		return invoke()
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return out.(*PerformanceResult), nil
}

// Score converts a performance result into fitness scores without touching
// the collaborator or the cache. Exposed for checkpoint resumption and tests.
func (e *Evaluator) Score(result *PerformanceResult) (*FitnessScores, error) {
	scores := &FitnessScores{
		Objectives:  make([]ObjectiveScore, 0, len(e.objectives)),
		Constraints: make([]ConstraintResult, 0, len(e.constraints)),
		Feasible:    true,
		EvaluatedAt: time.Now(),
	}

	for _, obj := range e.objectives {
		raw := obj.Score(result)
		normalized, err := e.normalize(obj, raw)
		if err != nil {
			return nil, fmt.Errorf("objective %s: %w", obj.Name, err)
		}
		scores.Objectives = append(scores.Objectives, ObjectiveScore{
			Name:       obj.Name,
			Raw:        raw,
			Normalized: normalized,
			Weight:     obj.Weight,
		})
	}

	aggregate := e.aggregate(scores.Objectives)

	totalPenalty := 0.0
	for _, cons := range e.constraints {
		satisfied, violation := cons.Check(result)
		penalty := 0.0
		if !satisfied {
			penalty = cons.PenaltyWeight * violation
			totalPenalty += penalty
			if cons.Hard {
				scores.Feasible = false
			}
		}
		scores.Constraints = append(scores.Constraints, ConstraintResult{
			Name:      cons.Name,
			Satisfied: satisfied,
			Violation: violation,
			Penalty:   penalty,
		})
	}

	aggregate -= totalPenalty
	aggregate *= 1 - e.config.RiskAversion
	scores.Aggregate = aggregate

	const eps = 1e-9
	scores.ReturnPerVolatility = result.AnnualizedReturn / math.Max(result.Volatility, eps)
	scores.ReturnPerDrawdown = result.AnnualizedReturn / math.Max(result.MaxDrawdownPct, eps)

	return scores, nil
}

// normalize min-max scales a raw objective value into [0,1], inverted for
// minimization so 1.0 always means better.
func (e *Evaluator) normalize(obj Objective, raw float64) (float64, error) {
	lo, hi := obj.Min, obj.Max
	if e.config.AdaptiveRanges {
		lo, hi = e.observeRange(obj.Name, raw)
	}

	var n float64
	if hi > lo {
		n = (raw - lo) / (hi - lo)
	} else {
		n = 0.5
	}

	if n < 0 || n > 1 {
		switch e.config.OutlierPolicy {
		case OutlierWinsorize:
			if n < 0 {
				n = 0.05
			} else {
				n = 0.95
			}
		case OutlierReject:
			return 0, fmt.Errorf("%w: value %g outside [%g, %g]", errOutlierRejected, raw, lo, hi)
		default:
			n = clamp01(n)
		}
	}

	if obj.Direction == Minimize {
		n = 1 - n
	}
	return n, nil
}

// observeRange updates and returns the running observed range for an objective
func (e *Evaluator) observeRange(name string, raw float64) (float64, float64) {
	e.rangesMu.Lock()
	defer e.rangesMu.Unlock()

	rr, ok := e.ranges[name]
	if !ok {
		rr = &runningRange{}
		e.ranges[name] = rr
	}
	if !rr.seen {
		rr.min, rr.max = raw, raw
		rr.seen = true
	} else {
		if raw < rr.min {
			rr.min = raw
		}
		if raw > rr.max {
			rr.max = raw
		}
	}
	return rr.min, rr.max
}

// aggregate combines normalized objective scores into a scalar
func (e *Evaluator) aggregate(objectives []ObjectiveScore) float64 {
	totalWeight := 0.0
	for _, o := range objectives {
		totalWeight += o.Weight
	}
	if totalWeight == 0 {
		return 0
	}

	switch e.config.Aggregation {
	case AggregateWeightedProduct:
		product := 1.0
		for _, o := range objectives {
			product *= math.Pow(math.Max(o.Normalized, 1e-9), o.Weight/totalWeight)
		}
		return product

	case AggregateTchebycheff:
		// Minimize the worst weighted deviation from the ideal point,
		// converted back to a maximize-style scalar.
		worst := 0.0
		for _, o := range objectives {
			dev := (o.Weight / totalWeight) * (1 - o.Normalized)
			if dev > worst {
				worst = dev
			}
		}
		return 1 - worst

	default:
		sum := 0.0
		for _, o := range objectives {
			sum += (o.Weight / totalWeight) * o.Normalized
		}
		return sum
	}
}

// penaltyScores builds the fitness assigned to failed evaluations
func (e *Evaluator) penaltyScores() *FitnessScores {
	scores := &FitnessScores{
		Aggregate:   PenaltyFitness,
		Objectives:  make([]ObjectiveScore, 0, len(e.objectives)),
		Feasible:    false,
		EvaluatedAt: time.Now(),
	}
	for _, obj := range e.objectives {
		scores.Objectives = append(scores.Objectives, ObjectiveScore{
			Name:   obj.Name,
			Weight: obj.Weight,
		})
	}
	return scores
}

// ============================================================================
// ROBUSTNESS SCORING
// ============================================================================

// Robustness perturbs each numeric parameter by the configured fraction and
// re-evaluates a small number of times. Returns the inverse of the average
// aggregate deviation: 1.0 means perturbations changed nothing.
func (e *Evaluator) Robustness(ctx context.Context, params ParameterSet, space *ParameterSpace, rng interface{ Float64() float64 }) float64 {
	base := e.Evaluate(ctx, params)
	if base.Aggregate <= PenaltyFitness {
		return 0
	}

	samples := e.config.RobustnessSamples
	if samples <= 0 {
		samples = 3
	}

	totalDev := 0.0
	counted := 0
	for i := 0; i < samples; i++ {
		perturbed := params.Clone()
		for _, def := range space.Definitions() {
			val := perturbed[def.Name]
			jitter := (rng.Float64()*2 - 1) * e.config.RobustnessPerturbation

			switch def.Type {
			case ParamTypeFloat:
				span := def.Max - def.Min
				v := val.FloatVal + jitter*span
				perturbed[def.Name] = FloatValue(math.Max(def.Min, math.Min(def.Max, v)))
			case ParamTypeInt:
				span := def.Max - def.Min
				v := math.Round(float64(val.IntVal) + jitter*span)
				perturbed[def.Name] = IntValue(int64(math.Max(def.Min, math.Min(def.Max, v))))
			}
		}

		scores := e.Evaluate(ctx, perturbed)
		if scores.Aggregate <= PenaltyFitness {
			continue
		}
		totalDev += math.Abs(scores.Aggregate - base.Aggregate)
		counted++
	}

	if counted == 0 {
		return 0
	}
	return 1 / (1 + totalDev/float64(counted))
}

// ============================================================================
// CACHE
// ============================================================================

func (e *Evaluator) lookup(key string) *FitnessScores {
	e.cacheMu.RLock()
	entry, ok := e.cache[key]
	e.cacheMu.RUnlock()

	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		e.cacheMu.Lock()
		// Re-check under the write lock: another goroutine may have refreshed
		if cur, stillThere := e.cache[key]; stillThere && time.Now().After(cur.expiresAt) {
			delete(e.cache, key)
		}
		e.cacheMu.Unlock()
		return nil
	}
	return entry.scores
}

// store inserts the scores unless another goroutine won the race, in which
// case the already-cached value is returned so concurrent evaluations of the
// same key converge on one FitnessScores value.
func (e *Evaluator) store(key string, scores *FitnessScores) *FitnessScores {
	ttl := e.config.CacheTTL
	if ttl <= 0 {
		return scores
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	if existing, ok := e.cache[key]; ok && time.Now().Before(existing.expiresAt) {
		return existing.scores
	}
	e.cache[key] = &cacheEntry{scores: scores, expiresAt: time.Now().Add(ttl)}
	return scores
}

// CacheSize returns the number of live cache entries
func (e *Evaluator) CacheSize() int {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	return len(e.cache)
}
