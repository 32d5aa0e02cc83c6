// Generation-loop orchestration with convergence, checkpoint, and pause control
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ============================================================================
// STATE MACHINE
// ============================================================================

// OptimizerState is the orchestrator's lifecycle state
type OptimizerState string

const (
	StateIdle      OptimizerState = "idle"
	StateRunning   OptimizerState = "running"
	StatePaused    OptimizerState = "paused"
	StateCompleted OptimizerState = "completed"
	StateStopped   OptimizerState = "stopped"
	StateFailed    OptimizerState = "failed"
)

// State machine misuse errors. These are hard failures; evaluation failures
// during a run never are.
var (
	ErrAlreadyRunning = errors.New("optimizer is already running")
	ErrNotRunning     = errors.New("optimizer is not running")
	ErrNotPaused      = errors.New("optimizer is not paused")
	ErrNotIdle        = errors.New("optimizer has already run; create a new instance")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// AdaptiveConfig tunes optional run-time parameter adaptation
type AdaptiveConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	LowDiversity       float64 `json:"low_diversity" yaml:"low_diversity"`
	HighDiversity      float64 `json:"high_diversity" yaml:"high_diversity"`
	MinMutationRate    float64 `json:"min_mutation_rate" yaml:"min_mutation_rate"`
	MaxMutationRate    float64 `json:"max_mutation_rate" yaml:"max_mutation_rate"`
	StagnationSlope    float64 `json:"stagnation_slope" yaml:"stagnation_slope"`
	StagnationWindow   int     `json:"stagnation_window" yaml:"stagnation_window"`
	MaxTournamentSize  int     `json:"max_tournament_size" yaml:"max_tournament_size"`
}

// Config holds the full optimization run configuration. Components receive
// their own clone; the orchestrator's adaptive step never mutates a config a
// collaborator is reading.
type Config struct {
	MultiObjective           bool            `json:"multi_objective" yaml:"multi_objective"`
	PopulationSize           int             `json:"population_size" yaml:"population_size"`
	MaxGenerations           int             `json:"max_generations" yaml:"max_generations"`
	SelectionMethod          SelectionMethod `json:"selection_method" yaml:"selection_method"`
	SelectionPressure        float64         `json:"selection_pressure" yaml:"selection_pressure"`
	CrossoverMethod          CrossoverMethod `json:"crossover_method" yaml:"crossover_method"`
	CrossoverRate            float64         `json:"crossover_rate" yaml:"crossover_rate"`
	MutationMethod           MutationMethod  `json:"mutation_method" yaml:"mutation_method"`
	MutationRate             float64         `json:"mutation_rate" yaml:"mutation_rate"`
	ElitismRatio             float64         `json:"elitism_ratio" yaml:"elitism_ratio"`
	ConvergenceGenerations   int             `json:"convergence_generations" yaml:"convergence_generations"`
	ConvergenceThreshold     float64         `json:"convergence_threshold" yaml:"convergence_threshold"`
	MaxDuration              time.Duration   `json:"max_duration" yaml:"max_duration"`
	MaxMemoryBytes           uint64          `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	CheckpointInterval       int             `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	MaxConcurrentEvaluations int             `json:"max_concurrent_evaluations" yaml:"max_concurrent_evaluations"`
	TopResults               int             `json:"top_results" yaml:"top_results"`
	Seed                     int64           `json:"seed" yaml:"seed"` // 0 selects a time-based seed

	Adaptive  AdaptiveConfig  `json:"adaptive" yaml:"adaptive"`
	Codec     CodecConfig     `json:"codec" yaml:"codec"`
	Manager   ManagerConfig   `json:"manager" yaml:"manager"`
	Evaluator EvaluatorConfig `json:"evaluator" yaml:"evaluator"`
}

// DefaultConfig returns the standard run configuration
func DefaultConfig() Config {
	return Config{
		PopulationSize:           50,
		MaxGenerations:           30,
		SelectionMethod:          SelectionTournament,
		SelectionPressure:        3,
		CrossoverMethod:          CrossoverUniform,
		CrossoverRate:            0.9,
		MutationMethod:           MutationGaussian,
		MutationRate:             0.1,
		ElitismRatio:             0.2,
		ConvergenceGenerations:   10,
		ConvergenceThreshold:     1e-4,
		CheckpointInterval:       5,
		MaxConcurrentEvaluations: 4,
		TopResults:               10,
		Adaptive: AdaptiveConfig{
			LowDiversity:      0.05,
			HighDiversity:     0.4,
			MinMutationRate:   0.01,
			MaxMutationRate:   0.5,
			StagnationSlope:   1e-4,
			StagnationWindow:  5,
			MaxTournamentSize: 7,
		},
		Codec:     DefaultCodecConfig(),
		Manager:   DefaultManagerConfig(),
		Evaluator: DefaultEvaluatorConfig(),
	}
}

// Clone copies the configuration. All fields are value types, so a shallow
// copy is a deep copy.
func (c Config) Clone() Config { return c }

// Validate fails fast on contradictory configuration, before any evaluation
// is dispatched.
func (c *Config) Validate() error {
	if c.PopulationSize < 2 {
		return fmt.Errorf("population size %d below minimum of 2", c.PopulationSize)
	}
	if c.MaxGenerations < 1 {
		return fmt.Errorf("max generations %d below minimum of 1", c.MaxGenerations)
	}
	if c.CrossoverRate < 0 || c.CrossoverRate > 1 {
		return fmt.Errorf("crossover rate %.4f outside [0,1]", c.CrossoverRate)
	}
	if c.MutationRate < 0 || c.MutationRate > 1 {
		return fmt.Errorf("mutation rate %.4f outside [0,1]", c.MutationRate)
	}
	if c.ElitismRatio < 0 || c.ElitismRatio > 1 {
		return fmt.Errorf("elitism ratio %.4f outside [0,1]", c.ElitismRatio)
	}
	if c.MaxConcurrentEvaluations < 1 {
		return fmt.Errorf("max concurrent evaluations must be at least 1")
	}
	// With a window of 0 every run would be declared converged after its
	// first generation
	if c.ConvergenceGenerations < 1 {
		return fmt.Errorf("convergence generations %d below minimum of 1", c.ConvergenceGenerations)
	}
	switch c.SelectionMethod {
	case SelectionTournament, SelectionRoulette, SelectionRank, SelectionElite:
	default:
		return fmt.Errorf("unknown selection method %q", c.SelectionMethod)
	}
	return nil
}

// ============================================================================
// PROGRESS AND CHECKPOINTS
// ============================================================================

// ProgressEvent is emitted once per generation via the injected callback
type ProgressEvent struct {
	RunID          uuid.UUID      `json:"run_id"`
	Generation     int            `json:"generation"`
	MaxGenerations int            `json:"max_generations"`
	State          OptimizerState `json:"state"`
	BestFitness    float64        `json:"best_fitness"`
	AverageFitness float64        `json:"average_fitness"`
	Diversity      float64        `json:"diversity"`
	ParetoSize     int            `json:"pareto_size"`
	Population     []*Individual  `json:"population,omitempty"`
}

// ProgressFunc receives per-generation progress. Called synchronously from
// the generation loop; implementations should return quickly.
type ProgressFunc func(ProgressEvent)

// CheckpointSchemaVersion guards checkpoint compatibility across releases
const CheckpointSchemaVersion = "1.0.0"

// Checkpoint snapshots everything needed to resume an interrupted run without
// re-evaluating already-scored individuals. Persistence is the caller's
// concern; the structure is JSON-serializable.
type Checkpoint struct {
	SchemaVersion string            `json:"schema_version"`
	RunID         uuid.UUID         `json:"run_id"`
	Generation    int               `json:"generation"`
	Population    []*Individual     `json:"population"`
	ParetoFront   []*Individual     `json:"pareto_front,omitempty"`
	History       []GenerationStats `json:"history"`
	Best          *Individual       `json:"best,omitempty"`
	SinceImprove  int               `json:"generations_since_improvement"`
	SavedAt       time.Time         `json:"saved_at"`
}

// CheckpointFunc receives checkpoint snapshots every N generations
type CheckpointFunc func(*Checkpoint)

// ============================================================================
// OPTIMIZER
// ============================================================================

// Optimizer drives the generation loop over a parameter space
type Optimizer struct {
	config    Config // Private clone, safe to adapt
	space     *ParameterSpace
	codec     *Codec
	manager   *Manager
	evaluator *Evaluator
	rng       *rand.Rand
	idGen     IDGenerator
	log       zerolog.Logger
	prom      *optimizerMetrics

	runID      uuid.UUID
	progress   ProgressFunc
	checkpoint CheckpointFunc

	mu            sync.Mutex
	cond          *sync.Cond
	state         OptimizerState
	paused        bool
	stopRequested bool

	// Loop-owned state: accessed only from the Optimize goroutine except
	// through LatestCheckpoint, which copies under mu.
	population   []*Individual
	paretoFront  []*Individual
	history      []GenerationStats
	best         *Individual
	sinceImprove int
	startGen     int
	warnings     []string
	runErrors    []string
	lastSnapshot *Checkpoint
}

// NewOptimizer wires the codec, population manager, and fitness evaluator for
// one optimization run. Configuration errors are returned immediately.
func NewOptimizer(space *ParameterSpace, runner EvaluationRunner, strategy StrategyDescriptor, evalCtx EvaluationContext, config Config) (*Optimizer, error) {
	if space == nil {
		return nil, fmt.Errorf("parameter space is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := config.Clone()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- evolutionary search needs reproducible, not cryptographic, randomness

	idGen := IDGenerator(UUIDGenerator{})
	codec := NewCodec(space, cfg.Codec, rng)
	manager := NewManager(codec, cfg.Manager, rng, idGen)

	evaluator, err := NewEvaluator(runner, strategy, evalCtx, nil, nil, cfg.Evaluator)
	if err != nil {
		return nil, err
	}

	runID := uuid.New()
	o := &Optimizer{
		config:    cfg,
		space:     space,
		codec:     codec,
		manager:   manager,
		evaluator: evaluator,
		rng:       rng,
		idGen:     idGen,
		log:       log.With().Str("component", "optimizer").Str("run_id", runID.String()).Logger(),
		prom:      getOrCreateMetrics(),
		runID:     runID,
		state:     StateIdle,
	}
	o.cond = sync.NewCond(&o.mu)
	return o, nil
}

// SetObjectives replaces the default objective and constraint sets. Must be
// called before Optimize.
func (o *Optimizer) SetObjectives(objectives []Objective, constraints []Constraint) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return ErrAlreadyRunning
	}

	evaluator, err := NewEvaluator(o.evaluator.runner, o.evaluator.strategy, o.evaluator.evalCtx, objectives, constraints, o.config.Evaluator)
	if err != nil {
		return err
	}
	o.evaluator = evaluator
	return nil
}

// SetProgressFunc installs the progress observer
func (o *Optimizer) SetProgressFunc(fn ProgressFunc) { o.progress = fn }

// SetCheckpointFunc installs the checkpoint sink
func (o *Optimizer) SetCheckpointFunc(fn CheckpointFunc) { o.checkpoint = fn }

// SetIDGenerator overrides the identifier generator, for deterministic tests
func (o *Optimizer) SetIDGenerator(idGen IDGenerator) {
	o.idGen = idGen
	o.manager.idGen = idGen
}

// State returns the current lifecycle state
func (o *Optimizer) State() OptimizerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Evaluator exposes the fitness evaluator, mainly for its statistics
func (o *Optimizer) Evaluator() *Evaluator { return o.evaluator }

// Codec exposes the DNA codec for callers decoding individuals
func (o *Optimizer) Codec() *Codec { return o.codec }

// ============================================================================
// CONTROL OPERATIONS
// ============================================================================

// Pause suspends the generation loop at the next generation boundary
func (o *Optimizer) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning {
		return fmt.Errorf("%w: state is %s", ErrNotRunning, o.state)
	}
	o.paused = true
	o.state = StatePaused
	o.log.Info().Msg("Optimization paused")
	return nil
}

// Resume continues a paused run
func (o *Optimizer) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StatePaused {
		return fmt.Errorf("%w: state is %s", ErrNotPaused, o.state)
	}
	o.paused = false
	o.state = StateRunning
	o.cond.Broadcast()
	o.log.Info().Msg("Optimization resumed")
	return nil
}

// Stop requests graceful termination. The in-flight evaluation batch drains;
// the loop exits at the next generation boundary or pause check.
func (o *Optimizer) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning && o.state != StatePaused {
		return fmt.Errorf("%w: state is %s", ErrNotRunning, o.state)
	}
	o.stopRequested = true
	o.cond.Broadcast()
	o.log.Info().Msg("Stop requested")
	return nil
}

// ResumeFromCheckpoint seeds the optimizer from a snapshot. Only valid before
// Optimize is called.
func (o *Optimizer) ResumeFromCheckpoint(cp *Checkpoint) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return ErrNotIdle
	}
	if cp == nil {
		return fmt.Errorf("nil checkpoint")
	}

	cpVer, err := semver.NewVersion(cp.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid checkpoint schema version %q: %w", cp.SchemaVersion, err)
	}
	curVer := semver.MustParse(CheckpointSchemaVersion)
	if cpVer.Major() != curVer.Major() {
		return fmt.Errorf("checkpoint schema %s incompatible with %s", cp.SchemaVersion, CheckpointSchemaVersion)
	}

	for _, ind := range cp.Population {
		if len(ind.Genes) != o.codec.TotalLength() {
			return fmt.Errorf("checkpoint individual %s: gene length %d, expected %d", ind.ID, len(ind.Genes), o.codec.TotalLength())
		}
	}

	o.population = clonePopulation(cp.Population)
	o.paretoFront = clonePopulation(cp.ParetoFront)
	o.history = append([]GenerationStats(nil), cp.History...)
	if cp.Best != nil {
		o.best = cp.Best.Clone()
	}
	o.sinceImprove = cp.SinceImprove
	o.startGen = cp.Generation + 1
	o.runID = cp.RunID
	o.log = log.With().Str("component", "optimizer").Str("run_id", o.runID.String()).Logger()

	o.log.Info().
		Int("generation", cp.Generation).
		Int("population", len(cp.Population)).
		Msg("Resumed from checkpoint")
	return nil
}

// LatestCheckpoint returns the most recent snapshot, or nil before the first
// checkpoint interval.
func (o *Optimizer) LatestCheckpoint() *Checkpoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSnapshot
}

// ============================================================================
// GENERATION LOOP
// ============================================================================

// terminationReason is why the loop ended
type terminationReason string

const (
	reasonStopped      terminationReason = "stop_requested"
	reasonGenerations  terminationReason = "generation_cap"
	reasonConverged    terminationReason = "converged"
	reasonTimeLimit    terminationReason = "time_limit"
	reasonMemoryLimit  terminationReason = "memory_limit"
	reasonCancelled    terminationReason = "context_cancelled"
)

// Optimize runs the generation loop to completion. Valid only from Idle.
// Resource-limit terminations end the run normally and still produce a
// best-effort result.
func (o *Optimizer) Optimize(ctx context.Context) (*OptimizationResult, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: state is %s", ErrAlreadyRunning, o.state)
	}
	o.state = StateRunning
	o.mu.Unlock()

	start := time.Now()
	o.log.Info().
		Int("population", o.config.PopulationSize).
		Int("generations", o.config.MaxGenerations).
		Bool("multi_objective", o.config.MultiObjective).
		Str("selection", string(o.config.SelectionMethod)).
		Str("crossover", string(o.config.CrossoverMethod)).
		Str("mutation", string(o.config.MutationMethod)).
		Msg("Starting optimization")

	if o.population == nil {
		pop, err := o.manager.Initialize(o.config.PopulationSize, 0)
		if err != nil {
			o.setState(StateFailed)
			return nil, err
		}
		o.population = pop
	}

	reason := reasonGenerations
	gen := o.startGen

loop:
	for ; gen < o.config.MaxGenerations; gen++ {
		genStart := time.Now()

		if r, done := o.waitIfPaused(ctx); done {
			reason = r
			break loop
		}
		if r, done := o.checkLimits(ctx, start); done {
			reason = r
			break loop
		}

		o.evaluateBatch(ctx, o.population)

		parents, err := o.manager.SelectParents(o.population, o.config.SelectionMethod, o.config.SelectionPressure, o.config.PopulationSize)
		if err != nil {
			o.setState(StateFailed)
			return nil, fmt.Errorf("generation %d: %w", gen, err)
		}

		offspring, err := o.manager.Reproduce(parents, o.config.PopulationSize, ReproduceOpts{
			CrossoverMethod: o.config.CrossoverMethod,
			MutationMethod:  o.config.MutationMethod,
			CrossoverRate:   o.config.CrossoverRate,
			MutationRate:    o.config.MutationRate,
			Generation:      gen + 1,
			MaxGenerations:  o.config.MaxGenerations,
		})
		if err != nil {
			o.setState(StateFailed)
			return nil, fmt.Errorf("generation %d: %w", gen, err)
		}

		o.evaluateBatch(ctx, offspring)

		survivors, err := o.manager.SelectSurvivors(o.population, offspring, o.config.PopulationSize, o.config.ElitismRatio, o.config.MultiObjective)
		if err != nil {
			o.setState(StateFailed)
			return nil, fmt.Errorf("generation %d: %w", gen, err)
		}
		o.population = survivors

		if o.config.MultiObjective {
			o.paretoFront = o.manager.ExtractParetoFront(o.population)
		}

		stats := o.recordGeneration(gen, genStart)
		o.adaptParameters(stats)

		if o.config.CheckpointInterval > 0 && (gen+1)%o.config.CheckpointInterval == 0 {
			o.snapshot(gen)
		}

		o.emitProgress(gen, stats)

		if o.sinceImprove >= o.config.ConvergenceGenerations ||
			o.manager.HasConverged(o.population, o.config.ConvergenceThreshold) {
			reason = reasonConverged
			break loop
		}
	}

	finalState := StateCompleted
	if reason == reasonStopped || reason == reasonCancelled {
		finalState = StateStopped
	}
	o.setState(finalState)

	result := o.buildResult(finalState, start)
	o.log.Info().
		Str("reason", string(reason)).
		Int("generations", len(o.history)).
		Float64("best_fitness", result.BestFitness.Aggregate).
		Dur("duration", result.Duration).
		Msg("Optimization finished")

	return result, nil
}

// waitIfPaused blocks on the condition variable while paused. Returns done
// when stop or context cancellation interrupted the wait.
func (o *Optimizer) waitIfPaused(ctx context.Context) (terminationReason, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.paused {
		// Wake the wait when the context is cancelled; cond.Wait alone would
		// block past cancellation.
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-ctx.Done():
				o.mu.Lock()
				o.cond.Broadcast()
				o.mu.Unlock()
			case <-watchDone:
			}
		}()
	}

	for o.paused && !o.stopRequested && ctx.Err() == nil {
		o.cond.Wait()
	}
	if o.stopRequested {
		return reasonStopped, true
	}
	if ctx.Err() != nil {
		return reasonCancelled, true
	}
	return "", false
}

// checkLimits enforces stop, time, memory, and context termination at the
// generation boundary.
func (o *Optimizer) checkLimits(ctx context.Context, start time.Time) (terminationReason, bool) {
	o.mu.Lock()
	stopped := o.stopRequested
	o.mu.Unlock()

	if stopped {
		return reasonStopped, true
	}
	if ctx.Err() != nil {
		return reasonCancelled, true
	}
	if o.config.MaxDuration > 0 && time.Since(start) > o.config.MaxDuration {
		o.warnings = append(o.warnings, fmt.Sprintf("time limit %s reached", o.config.MaxDuration))
		return reasonTimeLimit, true
	}
	if o.config.MaxMemoryBytes > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.HeapAlloc > o.config.MaxMemoryBytes {
			o.warnings = append(o.warnings, fmt.Sprintf("memory limit exceeded: %d bytes in use", ms.HeapAlloc))
			return reasonMemoryLimit, true
		}
	}
	return "", false
}

// evaluateBatch evaluates all unevaluated individuals with bounded
// concurrency. Failures within a batch do not cancel siblings; the evaluator
// converts them to penalty fitness.
func (o *Optimizer) evaluateBatch(ctx context.Context, individuals []*Individual) {
	sem := semaphore.NewWeighted(int64(o.config.MaxConcurrentEvaluations))
	var wg sync.WaitGroup

	for _, ind := range individuals {
		if ind.Evaluated {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break // Context cancelled; remaining individuals stay unevaluated
		}

		wg.Add(1)
		go func(ind *Individual) {
			defer wg.Done()
			defer sem.Release(1)

			params, err := o.codec.Decode(ind.Genes)
			if err != nil {
				// Decode failures should not happen after repair; treat them
				// like evaluation failures.
				ind.Genes = o.codec.Repair(ind.Genes)
				params, err = o.codec.Decode(ind.Genes)
				if err != nil {
					o.log.Error().Err(err).Str("individual", ind.ID.String()).Msg("Unrecoverable decode failure")
					return
				}
			}

			ind.Fitness = o.evaluator.Evaluate(ctx, params)
			ind.Evaluated = true
		}(ind)
	}

	wg.Wait()
}

// recordGeneration computes and stores per-generation statistics
func (o *Optimizer) recordGeneration(gen int, genStart time.Time) GenerationStats {
	bestFitness := PenaltyFitness
	worstFitness := -PenaltyFitness
	sum := 0.0
	count := 0
	var genBest *Individual

	for _, ind := range o.population {
		if !ind.Evaluated {
			continue
		}
		f := ind.AggregateFitness()
		sum += f
		count++
		if f > bestFitness {
			bestFitness = f
			genBest = ind
		}
		if f < worstFitness {
			worstFitness = f
		}
	}

	avg := 0.0
	if count > 0 {
		avg = sum / float64(count)
	}

	const improvementEps = 1e-9
	if genBest != nil && (o.best == nil || bestFitness > o.best.AggregateFitness()+improvementEps) {
		o.best = genBest.Clone()
		o.best.Improvements++
		o.sinceImprove = 0
	} else {
		o.sinceImprove++
	}

	diversity := o.manager.Diversity(o.population)
	variance := o.manager.FitnessVariance(o.population)
	evalStats := o.evaluator.Stats()

	stats := GenerationStats{
		Generation:      gen,
		BestFitness:     bestFitness,
		WorstFitness:    worstFitness,
		AverageFitness:  avg,
		FitnessVariance: variance,
		Diversity:       diversity,
		ParetoSize:      len(o.paretoFront),
		Evaluations:     int(evalStats.Evaluations),
		CacheHits:       int(evalStats.CacheHits),
		Duration:        time.Since(genStart),
	}
	o.history = append(o.history, stats)

	o.prom.GenerationDuration.Observe(stats.Duration.Seconds())
	o.prom.BestFitness.Set(bestFitness)
	o.prom.PopulationDiversity.Set(diversity)

	o.log.Info().
		Int("generation", gen+1).
		Int("total", o.config.MaxGenerations).
		Float64("best", bestFitness).
		Float64("worst", worstFitness).
		Float64("avg", avg).
		Float64("diversity", diversity).
		Int("pareto_size", stats.ParetoSize).
		Msg("Generation complete")

	return stats
}

// adaptParameters adjusts mutation rate and tournament size based on
// diversity and fitness trend. Operates only on the orchestrator's private
// config clone.
func (o *Optimizer) adaptParameters(stats GenerationStats) {
	if !o.config.Adaptive.Enabled {
		return
	}
	a := o.config.Adaptive

	switch {
	case stats.Diversity < a.LowDiversity && o.config.MutationRate < a.MaxMutationRate:
		o.config.MutationRate = minFloat(o.config.MutationRate*1.5, a.MaxMutationRate)
		o.log.Debug().Float64("mutation_rate", o.config.MutationRate).Msg("Low diversity, raising mutation rate")
	case stats.Diversity > a.HighDiversity && o.config.MutationRate > a.MinMutationRate:
		o.config.MutationRate = maxFloat(o.config.MutationRate*0.9, a.MinMutationRate)
		o.log.Debug().Float64("mutation_rate", o.config.MutationRate).Msg("High diversity, lowering mutation rate")
	}

	window := a.StagnationWindow
	if window < 2 || len(o.history) < window {
		return
	}
	recent := o.history[len(o.history)-window:]
	slope := (recent[len(recent)-1].BestFitness - recent[0].BestFitness) / float64(window-1)
	if absFloat(slope) < a.StagnationSlope && o.config.SelectionPressure < float64(a.MaxTournamentSize) {
		o.config.SelectionPressure++
		o.log.Debug().Float64("selection_pressure", o.config.SelectionPressure).Msg("Fitness trend flat, widening tournament")
	}
}

// snapshot records a checkpoint and forwards it to the sink
func (o *Optimizer) snapshot(gen int) {
	cp := &Checkpoint{
		SchemaVersion: CheckpointSchemaVersion,
		RunID:         o.runID,
		Generation:    gen,
		Population:    clonePopulation(o.population),
		ParetoFront:   clonePopulation(o.paretoFront),
		History:       append([]GenerationStats(nil), o.history...),
		SinceImprove:  o.sinceImprove,
		SavedAt:       time.Now(),
	}
	if o.best != nil {
		cp.Best = o.best.Clone()
	}

	o.mu.Lock()
	o.lastSnapshot = cp
	o.mu.Unlock()

	if o.checkpoint != nil {
		o.checkpoint(cp)
	}
	o.log.Debug().Int("generation", gen).Msg("Checkpoint recorded")
}

// emitProgress notifies the injected observer
func (o *Optimizer) emitProgress(gen int, stats GenerationStats) {
	if o.progress == nil {
		return
	}
	o.progress(ProgressEvent{
		RunID:          o.runID,
		Generation:     gen,
		MaxGenerations: o.config.MaxGenerations,
		State:          o.State(),
		BestFitness:    stats.BestFitness,
		AverageFitness: stats.AverageFitness,
		Diversity:      stats.Diversity,
		ParetoSize:     stats.ParetoSize,
		Population:     clonePopulation(o.population),
	})
}

// buildResult assembles the terminal OptimizationResult
func (o *Optimizer) buildResult(state OptimizerState, start time.Time) *OptimizationResult {
	result := &OptimizationResult{
		RunID:           o.runID,
		Status:          state,
		FinalPopulation: clonePopulation(o.population),
		ParetoFront:     clonePopulation(o.paretoFront),
		History:         append([]GenerationStats(nil), o.history...),
		Generations:     len(o.history),
		TotalRuns:       int(o.evaluator.Stats().Evaluations),
		Duration:        time.Since(start),
		Warnings:        append([]string(nil), o.warnings...),
		Errors:          append([]string(nil), o.runErrors...),
	}

	if o.best != nil {
		result.Best = o.best.Clone()
		result.BestFitness = o.best.Fitness
		if params, err := o.codec.Decode(o.best.Genes); err == nil {
			result.BestParameters = params
		}
	} else {
		result.BestFitness = &FitnessScores{Aggregate: PenaltyFitness}
	}

	sorted := clonePopulation(o.population)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].AggregateFitness() > sorted[j].AggregateFitness()
	})
	topN := o.config.TopResults
	if topN <= 0 || topN > len(sorted) {
		topN = len(sorted)
	}
	result.TopResults = sorted[:topN]

	analyzer := NewAnalyzer(o.codec)
	report, err := analyzer.Analyze(result.FinalPopulation, result.ParetoFront, result.History, o.config.Clone())
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("analysis failed: %v", err))
	} else {
		result.Report = report
		result.Warnings = append(result.Warnings, report.Warnings...)
	}

	return result
}

func (o *Optimizer) setState(s OptimizerState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
