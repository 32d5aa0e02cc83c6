// Prometheus instrumentation for the optimization engine
package optimizer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// optimizerMetrics holds Prometheus metrics shared by the evaluator and the
// orchestrator.
type optimizerMetrics struct {
	EvaluationsTotal    prometheus.Counter
	EvaluationFailures  prometheus.Counter
	EvaluationTimeouts  prometheus.Counter
	CacheHitsTotal      prometheus.Counter
	EvaluationDuration  prometheus.Histogram
	GenerationDuration  prometheus.Histogram
	BestFitness         prometheus.Gauge
	PopulationDiversity prometheus.Gauge
	RepairFailures      prometheus.Counter
}

// Singleton to avoid Prometheus registration conflicts when multiple
// optimizers run in one process.
var (
	metricsInstance *optimizerMetrics
	metricsOnce     sync.Once
)

func getOrCreateMetrics() *optimizerMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &optimizerMetrics{
			EvaluationsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "optimizer_evaluations_total",
				Help: "Total number of fitness evaluations dispatched to the backtest collaborator",
			}),
			EvaluationFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "optimizer_evaluation_failures_total",
				Help: "Total number of collaborator failures converted to penalty fitness",
			}),
			EvaluationTimeouts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "optimizer_evaluation_timeouts_total",
				Help: "Total number of evaluations that exceeded the per-evaluation timeout",
			}),
			CacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "optimizer_cache_hits_total",
				Help: "Total number of fitness cache hits",
			}),
			EvaluationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "optimizer_evaluation_duration_seconds",
				Help:    "Duration of individual fitness evaluations",
				Buckets: prometheus.DefBuckets,
			}),
			GenerationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "optimizer_generation_duration_seconds",
				Help:    "Duration of full generation cycles",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			}),
			BestFitness: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "optimizer_best_fitness",
				Help: "Best aggregate fitness observed so far",
			}),
			PopulationDiversity: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "optimizer_population_diversity",
				Help: "Mean pairwise genetic distance of the current population",
			}),
			RepairFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "optimizer_repair_failures_total",
				Help: "Total number of gene vectors discarded after bounded repair attempts",
			}),
		}
	})
	return metricsInstance
}
