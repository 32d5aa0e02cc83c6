package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/evofunk/pkg/optimizer"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Run        RunConfig        `mapstructure:"run"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// RunConfig contains optimization run settings
type RunConfig struct {
	MultiObjective           bool    `mapstructure:"multi_objective"`
	PopulationSize           int     `mapstructure:"population_size"`
	MaxGenerations           int     `mapstructure:"max_generations"`
	SelectionMethod          string  `mapstructure:"selection_method"`
	SelectionPressure        float64 `mapstructure:"selection_pressure"`
	CrossoverMethod          string  `mapstructure:"crossover_method"`
	CrossoverRate            float64 `mapstructure:"crossover_rate"`
	MutationMethod           string  `mapstructure:"mutation_method"`
	MutationRate             float64 `mapstructure:"mutation_rate"`
	ElitismRatio             float64 `mapstructure:"elitism_ratio"`
	ConvergenceGenerations   int     `mapstructure:"convergence_generations"`
	ConvergenceThreshold     float64 `mapstructure:"convergence_threshold"`
	MaxDurationSeconds       int     `mapstructure:"max_duration_seconds"`
	MaxMemoryMB              int     `mapstructure:"max_memory_mb"`
	CheckpointInterval       int     `mapstructure:"checkpoint_interval"`
	MaxConcurrentEvaluations int     `mapstructure:"max_concurrent_evaluations"`
	TopResults               int     `mapstructure:"top_results"`
	Seed                     int64   `mapstructure:"seed"`

	Adaptive AdaptiveConfig `mapstructure:"adaptive"`
}

// AdaptiveConfig contains run-time parameter adaptation settings
type AdaptiveConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	LowDiversity      float64 `mapstructure:"low_diversity"`
	HighDiversity     float64 `mapstructure:"high_diversity"`
	MinMutationRate   float64 `mapstructure:"min_mutation_rate"`
	MaxMutationRate   float64 `mapstructure:"max_mutation_rate"`
	StagnationSlope   float64 `mapstructure:"stagnation_slope"`
	StagnationWindow  int     `mapstructure:"stagnation_window"`
	MaxTournamentSize int     `mapstructure:"max_tournament_size"`
}

// EvaluationConfig contains fitness evaluation settings
type EvaluationConfig struct {
	CacheTTLSeconds    int     `mapstructure:"cache_ttl_seconds"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	BreakerThreshold   int     `mapstructure:"breaker_threshold"`
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
	AggregationMethod  string  `mapstructure:"aggregation_method"`
	OutlierPolicy      string  `mapstructure:"outlier_policy"`
	RiskAversion       float64 `mapstructure:"risk_aversion"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("EVOFUNK")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "EvoFunk")
	v.SetDefault("app.version", Version)
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Run defaults mirror optimizer.DefaultConfig
	def := optimizer.DefaultConfig()
	v.SetDefault("run.multi_objective", def.MultiObjective)
	v.SetDefault("run.population_size", def.PopulationSize)
	v.SetDefault("run.max_generations", def.MaxGenerations)
	v.SetDefault("run.selection_method", string(def.SelectionMethod))
	v.SetDefault("run.selection_pressure", def.SelectionPressure)
	v.SetDefault("run.crossover_method", string(def.CrossoverMethod))
	v.SetDefault("run.crossover_rate", def.CrossoverRate)
	v.SetDefault("run.mutation_method", string(def.MutationMethod))
	v.SetDefault("run.mutation_rate", def.MutationRate)
	v.SetDefault("run.elitism_ratio", def.ElitismRatio)
	v.SetDefault("run.convergence_generations", def.ConvergenceGenerations)
	v.SetDefault("run.convergence_threshold", def.ConvergenceThreshold)
	v.SetDefault("run.checkpoint_interval", def.CheckpointInterval)
	v.SetDefault("run.max_concurrent_evaluations", def.MaxConcurrentEvaluations)
	v.SetDefault("run.top_results", def.TopResults)
	v.SetDefault("run.adaptive.enabled", false)
	v.SetDefault("run.adaptive.low_diversity", def.Adaptive.LowDiversity)
	v.SetDefault("run.adaptive.high_diversity", def.Adaptive.HighDiversity)
	v.SetDefault("run.adaptive.min_mutation_rate", def.Adaptive.MinMutationRate)
	v.SetDefault("run.adaptive.max_mutation_rate", def.Adaptive.MaxMutationRate)
	v.SetDefault("run.adaptive.stagnation_slope", def.Adaptive.StagnationSlope)
	v.SetDefault("run.adaptive.stagnation_window", def.Adaptive.StagnationWindow)
	v.SetDefault("run.adaptive.max_tournament_size", def.Adaptive.MaxTournamentSize)

	// Evaluation defaults
	evalDef := optimizer.DefaultEvaluatorConfig()
	v.SetDefault("evaluation.cache_ttl_seconds", int(evalDef.CacheTTL.Seconds()))
	v.SetDefault("evaluation.timeout_seconds", int(evalDef.EvaluationTimeout.Seconds()))
	v.SetDefault("evaluation.breaker_threshold", evalDef.BreakerThreshold)
	v.SetDefault("evaluation.rate_limit_per_second", evalDef.RateLimit)
	v.SetDefault("evaluation.aggregation_method", string(evalDef.Aggregation))
	v.SetDefault("evaluation.outlier_policy", string(evalDef.OutlierPolicy))
	v.SetDefault("evaluation.risk_aversion", evalDef.RiskAversion)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks configuration consistency by building the optimizer config
func (c *Config) Validate() error {
	oc := c.ToOptimizerConfig()
	if err := oc.Validate(); err != nil {
		return fmt.Errorf("invalid run configuration: %w", err)
	}
	if c.Monitoring.EnableMetrics && (c.Monitoring.PrometheusPort < 1 || c.Monitoring.PrometheusPort > 65535) {
		return fmt.Errorf("invalid prometheus port %d", c.Monitoring.PrometheusPort)
	}
	return nil
}

// ToOptimizerConfig maps file and environment configuration onto the
// optimizer's run configuration.
func (c *Config) ToOptimizerConfig() optimizer.Config {
	oc := optimizer.DefaultConfig()
	r := c.Run

	oc.MultiObjective = r.MultiObjective
	oc.PopulationSize = r.PopulationSize
	oc.MaxGenerations = r.MaxGenerations
	oc.SelectionMethod = optimizer.SelectionMethod(r.SelectionMethod)
	oc.SelectionPressure = r.SelectionPressure
	oc.CrossoverMethod = optimizer.CrossoverMethod(r.CrossoverMethod)
	oc.CrossoverRate = r.CrossoverRate
	oc.MutationMethod = optimizer.MutationMethod(r.MutationMethod)
	oc.MutationRate = r.MutationRate
	oc.ElitismRatio = r.ElitismRatio
	oc.ConvergenceGenerations = r.ConvergenceGenerations
	oc.ConvergenceThreshold = r.ConvergenceThreshold
	oc.MaxDuration = time.Duration(r.MaxDurationSeconds) * time.Second
	oc.MaxMemoryBytes = uint64(r.MaxMemoryMB) * 1024 * 1024
	oc.CheckpointInterval = r.CheckpointInterval
	oc.MaxConcurrentEvaluations = r.MaxConcurrentEvaluations
	oc.TopResults = r.TopResults
	oc.Seed = r.Seed

	oc.Adaptive.Enabled = r.Adaptive.Enabled
	if r.Adaptive.LowDiversity > 0 {
		oc.Adaptive.LowDiversity = r.Adaptive.LowDiversity
	}
	if r.Adaptive.HighDiversity > 0 {
		oc.Adaptive.HighDiversity = r.Adaptive.HighDiversity
	}
	if r.Adaptive.MinMutationRate > 0 {
		oc.Adaptive.MinMutationRate = r.Adaptive.MinMutationRate
	}
	if r.Adaptive.MaxMutationRate > 0 {
		oc.Adaptive.MaxMutationRate = r.Adaptive.MaxMutationRate
	}
	if r.Adaptive.StagnationSlope > 0 {
		oc.Adaptive.StagnationSlope = r.Adaptive.StagnationSlope
	}
	if r.Adaptive.StagnationWindow > 0 {
		oc.Adaptive.StagnationWindow = r.Adaptive.StagnationWindow
	}
	if r.Adaptive.MaxTournamentSize > 0 {
		oc.Adaptive.MaxTournamentSize = r.Adaptive.MaxTournamentSize
	}

	e := c.Evaluation
	if e.CacheTTLSeconds > 0 {
		oc.Evaluator.CacheTTL = time.Duration(e.CacheTTLSeconds) * time.Second
	}
	if e.TimeoutSeconds > 0 {
		oc.Evaluator.EvaluationTimeout = time.Duration(e.TimeoutSeconds) * time.Second
	}
	oc.Evaluator.BreakerThreshold = uint32(e.BreakerThreshold)
	oc.Evaluator.RateLimit = e.RateLimitPerSecond
	if e.AggregationMethod != "" {
		oc.Evaluator.Aggregation = optimizer.AggregationMethod(e.AggregationMethod)
	}
	if e.OutlierPolicy != "" {
		oc.Evaluator.OutlierPolicy = optimizer.OutlierPolicy(e.OutlierPolicy)
	}
	oc.Evaluator.RiskAversion = e.RiskAversion

	return oc
}
