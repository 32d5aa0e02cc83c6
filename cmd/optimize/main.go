// Optimization Runner CLI
// Evolves trading strategy parameters against the built-in crossover simulator
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/evofunk/internal/backtest"
	"github.com/ajitpratap0/evofunk/internal/config"
	"github.com/ajitpratap0/evofunk/internal/metrics"
	"github.com/ajitpratap0/evofunk/pkg/optimizer"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	configFile = flag.String("config", "", "Path to config file (optional)")
	spaceFile  = flag.String("space", "", "Parameter space definition file (YAML); omit for the built-in demo space")

	// Run overrides
	populationSize = flag.Int("population", 0, "Population size (overrides config)")
	maxGenerations = flag.Int("generations", 0, "Maximum generations (overrides config)")
	multiObjective = flag.Bool("multi-objective", false, "Maintain a Pareto front instead of a single best")
	seed           = flag.Int64("seed", 0, "Random seed for reproducible runs (0 = time-based)")

	// Simulator settings
	candleCount    = flag.Int("candles", 4000, "Number of synthetic candles to backtest against")
	initialCapital = flag.Float64("capital", 10000.0, "Initial capital in USD")
	commissionRate = flag.Float64("commission", 0.001, "Commission rate (0.001 = 0.1%)")

	// Output
	outputFile     = flag.String("output", "", "Output file for the JSON result (optional)")
	checkpointFile = flag.String("checkpoint", "", "File to write checkpoints to and resume from (optional)")
	verbose        = flag.Bool("verbose", false, "Enable verbose logging")
)

// ============================================================================
// MAIN
// ============================================================================

func main() {
	flag.Parse()

	// Console logging until the config is loaded
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Optimization failed")
	}
}

// ============================================================================
// RUN
// ============================================================================

func run(cfg *config.Config) error {
	space, strategy, err := loadSpace()
	if err != nil {
		return err
	}

	candles := backtest.GenerateCandles(*candleCount, 42)
	simulator, err := backtest.NewSimulator(candles, *initialCapital, *commissionRate)
	if err != nil {
		return fmt.Errorf("failed to build simulator: %w", err)
	}

	oc := cfg.ToOptimizerConfig()
	if *populationSize > 0 {
		oc.PopulationSize = *populationSize
	}
	if *maxGenerations > 0 {
		oc.MaxGenerations = *maxGenerations
	}
	if *multiObjective {
		oc.MultiObjective = true
	}
	if *seed != 0 {
		oc.Seed = *seed
	}

	opt, err := optimizer.NewOptimizer(space, simulator, strategy, optimizer.EvaluationContext{}, oc)
	if err != nil {
		return fmt.Errorf("failed to build optimizer: %w", err)
	}

	opt.SetProgressFunc(func(e optimizer.ProgressEvent) {
		log.Info().
			Int("generation", e.Generation+1).
			Int("total", e.MaxGenerations).
			Float64("best", e.BestFitness).
			Float64("avg", e.AverageFitness).
			Float64("diversity", e.Diversity).
			Msg("Progress")
	})

	if *checkpointFile != "" {
		if err := attachCheckpoints(opt, *checkpointFile); err != nil {
			return err
		}
	}

	// Metrics server
	if cfg.Monitoring.EnableMetrics {
		srv := metrics.NewServer(cfg.Monitoring.PrometheusPort, opt.State, log.Logger)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Metrics server shutdown failed")
			}
		}()
	}

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn().Msg("Interrupt received, stopping after current generation")
		if err := opt.Stop(); err != nil {
			cancel()
		}
	}()

	result, err := opt.Optimize(ctx)
	if err != nil {
		return err
	}

	printSummary(result)

	stats := opt.Evaluator().Stats()
	log.Info().
		Int64("evaluations", stats.Evaluations).
		Int64("cache_hits", stats.CacheHits).
		Int64("failures", stats.Failures).
		Msg("Evaluation statistics")

	if *outputFile != "" {
		if err := writeResult(result, *outputFile); err != nil {
			log.Warn().Err(err).Str("file", *outputFile).Msg("Failed to write output file")
		} else {
			log.Info().Str("file", *outputFile).Msg("Result written to file")
		}
	}

	return nil
}

// loadSpace reads the space file, or falls back to the built-in demo space
func loadSpace() (*optimizer.ParameterSpace, optimizer.StrategyDescriptor, error) {
	if *spaceFile != "" {
		return config.LoadSpace(*spaceFile)
	}

	space, err := demoSpace()
	if err != nil {
		return nil, optimizer.StrategyDescriptor{}, err
	}
	return space, optimizer.StrategyDescriptor{Name: "ma_crossover", Version: "1.0"}, nil
}

// demoSpace defines the crossover strategy's searchable parameters
func demoSpace() (*optimizer.ParameterSpace, error) {
	return optimizer.NewParameterSpace([]*optimizer.ParameterDefinition{
		{Name: "fast_period", Type: optimizer.ParamTypeInt, Min: 3, Max: 40, Importance: 2},
		{Name: "slow_period", Type: optimizer.ParamTypeInt, Min: 41, Max: 200, Importance: 2},
		{Name: "ma_type", Type: optimizer.ParamTypeCategorical, Categories: []string{"sma", "ema"}},
		{Name: "stop_loss_pct", Type: optimizer.ParamTypeFloat, Min: 0, Max: 10, Precision: 2},
		{Name: "long_only", Type: optimizer.ParamTypeBool},
	})
}

// ============================================================================
// CHECKPOINTS
// ============================================================================

// attachCheckpoints wires file-based checkpoint persistence: resume from an
// existing snapshot, then overwrite it as the run progresses.
func attachCheckpoints(opt *optimizer.Optimizer, path string) error {
	if data, err := os.ReadFile(path); err == nil {
		var cp optimizer.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
		}
		if err := opt.ResumeFromCheckpoint(&cp); err != nil {
			return fmt.Errorf("failed to resume from %s: %w", path, err)
		}
		log.Info().Str("file", path).Int("generation", cp.Generation).Msg("Resuming from checkpoint")
	}

	opt.SetCheckpointFunc(func(cp *optimizer.Checkpoint) {
		data, err := json.Marshal(cp)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to serialize checkpoint")
			return
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Failed to write checkpoint")
		}
	})
	return nil
}

// ============================================================================
// OUTPUT
// ============================================================================

func printSummary(result *optimizer.OptimizationResult) {
	fmt.Println()
	fmt.Println("=== Optimization Result ===")
	fmt.Printf("Status:       %s\n", result.Status)
	fmt.Printf("Generations:  %d\n", result.Generations)
	fmt.Printf("Evaluations:  %d\n", result.TotalRuns)
	fmt.Printf("Duration:     %s\n", result.Duration.Round(time.Millisecond))
	if result.BestFitness != nil {
		fmt.Printf("Best fitness: %.6f\n", result.BestFitness.Aggregate)
	}

	if result.BestParameters != nil {
		fmt.Println("\nBest parameters:")
		for name, v := range result.BestParameters {
			fmt.Printf("  %-16s %s\n", name, v.String())
		}
	}

	if report := result.Report; report != nil {
		if len(report.Parameters) > 0 {
			fmt.Println("\nParameter importance:")
			for _, p := range report.Parameters {
				fmt.Printf("  %-16s %.3f\n", p.Name, p.Importance)
			}
		}
		for _, w := range report.Warnings {
			fmt.Printf("\nWarning: %s\n", w)
		}
		for _, r := range report.Recommendations {
			fmt.Printf("Recommendation: %s\n", r)
		}
	}

	if len(result.ParetoFront) > 0 {
		fmt.Printf("\nPareto front: %d solutions\n", len(result.ParetoFront))
	}
}

func writeResult(result *optimizer.OptimizationResult, path string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
