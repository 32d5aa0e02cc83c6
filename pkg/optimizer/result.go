// External evaluation contract and run result types
package optimizer

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// EVALUATION COLLABORATOR CONTRACT
// ============================================================================

// PerformanceResult holds the performance numbers produced by the backtesting
// subsystem for one candidate parameter set. The optimizer only reads these
// fields; how they are computed is the collaborator's concern.
type PerformanceResult struct {
	AnnualizedReturn float64 `json:"annualized_return"` // Percent
	SharpeRatio      float64 `json:"sharpe_ratio"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"` // Percent, positive
	WinRate          float64 `json:"win_rate"`         // Percent
	TotalTrades      int     `json:"total_trades"`
	Volatility       float64 `json:"volatility"`
	ProfitFactor     float64 `json:"profit_factor"`
	CalmarRatio      float64 `json:"calmar_ratio"`
}

// StrategyDescriptor identifies the base strategy being tuned. It is passed
// through to the evaluation collaborator unchanged.
type StrategyDescriptor struct {
	Name    string            `json:"name"`
	Version string            `json:"version,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// EvaluationContext carries collaborator-specific settings (data ranges,
// symbols, capital) opaque to the optimizer.
type EvaluationContext map[string]string

// EvaluationRunner is the contract to the external backtesting subsystem.
// Implementations must be safe for concurrent use: the orchestrator dispatches
// bounded batches of evaluations in parallel.
type EvaluationRunner interface {
	RunEvaluation(ctx context.Context, params ParameterSet, strategy StrategyDescriptor, evalCtx EvaluationContext) (*PerformanceResult, error)
}

// RunnerFunc adapts a function to the EvaluationRunner interface
type RunnerFunc func(ctx context.Context, params ParameterSet, strategy StrategyDescriptor, evalCtx EvaluationContext) (*PerformanceResult, error)

// RunEvaluation implements EvaluationRunner
func (f RunnerFunc) RunEvaluation(ctx context.Context, params ParameterSet, strategy StrategyDescriptor, evalCtx EvaluationContext) (*PerformanceResult, error) {
	return f(ctx, params, strategy, evalCtx)
}

// ============================================================================
// IDENTIFIER GENERATION
// ============================================================================

// IDGenerator produces identifiers for individuals. Injected so tests can use
// a deterministic sequence.
type IDGenerator interface {
	NewID() uuid.UUID
}

// UUIDGenerator is the default random IDGenerator
type UUIDGenerator struct{}

// NewID implements IDGenerator
func (UUIDGenerator) NewID() uuid.UUID { return uuid.New() }

// ============================================================================
// OPTIMIZATION RESULT
// ============================================================================

// GenerationStats records per-generation history for analysis and resumption
type GenerationStats struct {
	Generation      int           `json:"generation"`
	BestFitness     float64       `json:"best_fitness"`
	WorstFitness    float64       `json:"worst_fitness"`
	AverageFitness  float64       `json:"average_fitness"`
	FitnessVariance float64       `json:"fitness_variance"`
	Diversity       float64       `json:"diversity"`
	ParetoSize      int           `json:"pareto_size"`
	Evaluations     int           `json:"evaluations"`
	CacheHits       int           `json:"cache_hits"`
	Duration        time.Duration `json:"duration"`
}

// OptimizationResult is the terminal output of a run
type OptimizationResult struct {
	RunID          uuid.UUID          `json:"run_id"`
	Status         OptimizerState     `json:"status"`
	Best           *Individual        `json:"best"`
	BestParameters ParameterSet       `json:"best_parameters"`
	BestFitness    *FitnessScores     `json:"best_fitness"`
	ParetoFront    []*Individual      `json:"pareto_front,omitempty"`
	FinalPopulation []*Individual     `json:"final_population"`
	History        []GenerationStats  `json:"history"`
	Report         *OptimizationReport `json:"report,omitempty"`
	Generations    int                `json:"generations"`
	TotalRuns      int                `json:"total_runs"` // Collaborator invocations
	Duration       time.Duration      `json:"duration"`
	TopResults     []*Individual      `json:"top_results"`
	Warnings       []string           `json:"warnings,omitempty"`
	Errors         []string           `json:"errors,omitempty"`
}
