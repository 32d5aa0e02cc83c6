// Post-run statistical analysis of optimization results
package optimizer

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
)

// ============================================================================
// REPORT TYPES
// ============================================================================

// FitnessDistribution summarizes aggregate fitness across a population.
// Penalty-fitness individuals are excluded so one failed backtest does not
// drag the mean to -1e9.
type FitnessDistribution struct {
	Mean        float64            `json:"mean"`
	Median      float64            `json:"median"`
	StdDev      float64            `json:"std_dev"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Percentiles map[string]float64 `json:"percentiles"`
	Outliers    int                `json:"outliers"` // Beyond two standard deviations
	Penalized   int                `json:"penalized"`
}

// ParameterInsight captures how one parameter relates to fitness
type ParameterInsight struct {
	Name        string  `json:"name"`
	Importance  float64 `json:"importance"`  // |Pearson correlation| with fitness
	Sensitivity float64 `json:"sensitivity"` // Fitness variation per unit of normalized change
	Stability   float64 `json:"stability"`   // Agreement among top performers, 1.0 = unanimous
	OptimalMin  float64 `json:"optimal_min"` // Range observed in the top quartile
	OptimalMax  float64 `json:"optimal_max"`
	OptimalMean float64 `json:"optimal_mean"`
}

// ParetoQuality measures the quality of a Pareto front approximation
type ParetoQuality struct {
	Size        int     `json:"size"`
	Hypervolume float64 `json:"hypervolume"`
	Spacing     float64 `json:"spacing"` // StdDev of nearest-neighbor distances, 0 = uniform
	Spread      float64 `json:"spread"`  // Extreme-to-average consecutive-gap ratio, lower = more uniform
}

// ConvergenceDiagnostics describes how the run ended
type ConvergenceDiagnostics struct {
	Converged            bool    `json:"converged"`
	LastImprovement      int     `json:"last_improvement_generation"`
	StagnationGens       int     `json:"stagnation_generations"`
	PrematureConvergence bool    `json:"premature_convergence"`
	FinalDiversity       float64 `json:"final_diversity"`
	FitnessGain          float64 `json:"fitness_gain"` // Best fitness delta from first to last generation
}

// OptimizationReport is the analyzer's full output
type OptimizationReport struct {
	GeneratedAt     time.Time              `json:"generated_at"`
	Fitness         FitnessDistribution    `json:"fitness"`
	Parameters      []ParameterInsight     `json:"parameters"`
	Correlations    map[string]float64     `json:"correlations,omitempty"` // "a|b" -> Pearson r
	Pareto          *ParetoQuality         `json:"pareto,omitempty"`
	Convergence     ConvergenceDiagnostics `json:"convergence"`
	Recommendations []string               `json:"recommendations,omitempty"`
	Warnings        []string               `json:"warnings,omitempty"`
	Insights        []string               `json:"insights,omitempty"`
}

// ============================================================================
// ANALYZER
// ============================================================================

// Analyzer produces statistical reports from final populations. Parameter
// statistics are computed on decoded values, not raw genes, so categorical
// and integer parameters are interpreted in their own units.
type Analyzer struct {
	codec *Codec
	rng   *rand.Rand
	log   zerolog.Logger
}

// hypervolume Monte Carlo sampling is seeded for reproducible reports
const analyzerSeed = 99

// NewAnalyzer builds an analyzer over the run's codec
func NewAnalyzer(codec *Codec) *Analyzer {
	return &Analyzer{
		codec: codec,
		rng:   rand.New(rand.NewSource(analyzerSeed)), // #nosec G404
		log:   log.With().Str("component", "analyzer").Logger(),
	}
}

// Analyze builds the full report from a finished run
func (a *Analyzer) Analyze(population, paretoFront []*Individual, history []GenerationStats, cfg Config) (*OptimizationReport, error) {
	if len(population) == 0 {
		return nil, fmt.Errorf("cannot analyze an empty population")
	}

	report := &OptimizationReport{
		GeneratedAt: time.Now(),
	}

	report.Fitness = a.fitnessDistribution(population)
	insights, correlations, err := a.parameterAnalysis(population)
	if err != nil {
		return nil, err
	}
	report.Parameters = insights
	report.Correlations = correlations

	if len(paretoFront) > 0 {
		pq := a.paretoQuality(paretoFront)
		report.Pareto = &pq
	}

	report.Convergence = a.convergence(history, cfg)
	a.advise(report, population, cfg)

	a.log.Debug().
		Int("population", len(population)).
		Int("parameters", len(insights)).
		Int("pareto", len(paretoFront)).
		Msg("Analysis complete")
	return report, nil
}

// ============================================================================
// FITNESS DISTRIBUTION
// ============================================================================

func (a *Analyzer) fitnessDistribution(population []*Individual) FitnessDistribution {
	var values []float64
	penalized := 0
	for _, ind := range population {
		f := ind.AggregateFitness()
		if f <= PenaltyFitness {
			penalized++
			continue
		}
		values = append(values, f)
	}

	dist := FitnessDistribution{
		Penalized:   penalized,
		Percentiles: map[string]float64{},
	}
	if len(values) == 0 {
		return dist
	}

	sort.Float64s(values)
	dist.Min = values[0]
	dist.Max = values[len(values)-1]
	dist.Mean = stat.Mean(values, nil)
	dist.Median = stat.Quantile(0.5, stat.Empirical, values, nil)
	dist.StdDev = stat.StdDev(values, nil)
	if math.IsNaN(dist.StdDev) {
		dist.StdDev = 0
	}
	for _, p := range []float64{0.25, 0.75, 0.90, 0.95} {
		dist.Percentiles[fmt.Sprintf("p%02.0f", p*100)] = stat.Quantile(p, stat.Empirical, values, nil)
	}

	for _, v := range values {
		if dist.StdDev > 0 && math.Abs(v-dist.Mean) > 2*dist.StdDev {
			dist.Outliers++
		}
	}
	return dist
}

// ============================================================================
// PARAMETER ANALYSIS
// ============================================================================

// decodedSample is one individual's decoded numeric parameter values paired
// with its fitness.
type decodedSample struct {
	values  map[string]float64
	fitness float64
}

func (a *Analyzer) decodeSamples(population []*Individual) ([]decodedSample, error) {
	samples := make([]decodedSample, 0, len(population))
	for _, ind := range population {
		f := ind.AggregateFitness()
		if f <= PenaltyFitness {
			continue
		}
		ps, err := a.codec.Decode(ind.Genes)
		if err != nil {
			return nil, fmt.Errorf("decoding individual %s: %w", ind.ID, err)
		}

		values := make(map[string]float64, len(ps))
		for name, v := range ps {
			def, ok := a.codec.Space().Definition(name)
			if !ok {
				continue
			}
			values[name] = numericValue(def, v)
		}
		samples = append(samples, decodedSample{values: values, fitness: f})
	}
	return samples, nil
}

// numericValue maps a decoded parameter value onto a numeric axis for
// correlation. Categorical values use their category index.
func numericValue(def *ParameterDefinition, v ParameterValue) float64 {
	switch v.Kind {
	case ValueBool:
		if v.Bool() {
			return 1
		}
		return 0
	case ValueInt:
		return float64(v.Int())
	case ValueFloat:
		return v.Float()
	case ValueCategory:
		for i, c := range def.Categories {
			if c == v.String() {
				return float64(i)
			}
		}
		return 0
	default:
		return 0
	}
}

func (a *Analyzer) parameterAnalysis(population []*Individual) ([]ParameterInsight, map[string]float64, error) {
	samples, err := a.decodeSamples(population)
	if err != nil {
		return nil, nil, err
	}
	if len(samples) < 3 {
		return nil, nil, nil // Too few viable individuals for meaningful statistics
	}

	defs := a.codec.Space().Definitions()
	fitnesses := make([]float64, len(samples))
	for i, s := range samples {
		fitnesses[i] = s.fitness
	}

	// Top quartile by fitness, minimum of 3 members
	ranked := make([]decodedSample, len(samples))
	copy(ranked, samples)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].fitness > ranked[j].fitness })
	topN := len(ranked) / 4
	if topN < 3 {
		topN = 3
	}
	if topN > len(ranked) {
		topN = len(ranked)
	}
	top := ranked[:topN]

	columns := make(map[string][]float64, len(defs))
	insights := make([]ParameterInsight, 0, len(defs))
	for _, def := range defs {
		col := make([]float64, len(samples))
		for i, s := range samples {
			col[i] = s.values[def.Name]
		}
		columns[def.Name] = col

		insight := ParameterInsight{Name: def.Name}

		r := stat.Correlation(col, fitnesses, nil)
		if !math.IsNaN(r) {
			insight.Importance = math.Abs(r)
		}
		insight.Sensitivity = sensitivity(col, fitnesses)

		topVals := make([]float64, len(top))
		for i, s := range top {
			topVals[i] = s.values[def.Name]
		}
		sort.Float64s(topVals)
		insight.OptimalMin = topVals[0]
		insight.OptimalMax = topVals[len(topVals)-1]
		insight.OptimalMean = stat.Mean(topVals, nil)
		insight.Stability = stability(def, topVals)

		insights = append(insights, insight)
	}

	sort.Slice(insights, func(i, j int) bool { return insights[i].Importance > insights[j].Importance })

	correlations := make(map[string]float64)
	for i := 0; i < len(defs); i++ {
		for j := i + 1; j < len(defs); j++ {
			r := stat.Correlation(columns[defs[i].Name], columns[defs[j].Name], nil)
			if !math.IsNaN(r) {
				correlations[defs[i].Name+"|"+defs[j].Name] = r
			}
		}
	}

	return insights, correlations, nil
}

// sensitivity estimates fitness change per unit of normalized parameter
// change, from mean absolute pairwise slopes.
func sensitivity(values, fitnesses []float64) float64 {
	minV, maxV := values[0], values[0]
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	span := maxV - minV
	if span == 0 {
		return 0
	}

	type pair struct{ v, f float64 }
	pairs := make([]pair, len(values))
	for i := range values {
		pairs[i] = pair{(values[i] - minV) / span, fitnesses[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].v < pairs[j].v })

	sum, n := 0.0, 0
	for i := 1; i < len(pairs); i++ {
		dv := pairs[i].v - pairs[i-1].v
		if dv < 1e-9 {
			continue
		}
		sum += math.Abs(pairs[i].f-pairs[i-1].f) / dv
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// stability is 1 minus the top performers' value spread normalized by the
// parameter's full range. 1.0 means every top performer agrees.
func stability(def *ParameterDefinition, topVals []float64) float64 {
	var fullRange float64
	switch def.Type {
	case ParamTypeBool:
		fullRange = 1
	case ParamTypeCategorical, ParamTypeOrdinal:
		fullRange = float64(len(def.Categories) - 1)
	default:
		fullRange = def.Max - def.Min
	}
	if fullRange <= 0 {
		return 1
	}
	spread := topVals[len(topVals)-1] - topVals[0]
	s := 1 - spread/fullRange
	if s < 0 {
		return 0
	}
	return s
}

// ============================================================================
// PARETO FRONT QUALITY
// ============================================================================

func (a *Analyzer) paretoQuality(front []*Individual) ParetoQuality {
	points := make([][]float64, 0, len(front))
	for _, ind := range front {
		if ind.Fitness == nil {
			continue
		}
		points = append(points, ind.Fitness.NormalizedVector())
	}

	pq := ParetoQuality{Size: len(points)}
	if len(points) == 0 {
		return pq
	}

	pq.Hypervolume = a.hypervolume(points)
	pq.Spacing = spacing(points)
	pq.Spread = spread(points)
	return pq
}

// hypervolume measures the objective-space volume dominated by the front
// relative to the origin. Normalized scores lie in [0,1] with higher better,
// so the origin is the natural reference point. Exact for one, two, and three
// objectives; Monte Carlo sampled beyond that.
func (a *Analyzer) hypervolume(points [][]float64) float64 {
	dim := len(points[0])
	switch dim {
	case 1:
		best := 0.0
		for _, p := range points {
			if p[0] > best {
				best = p[0]
			}
		}
		return best
	case 2:
		return hypervolume2D(points)
	case 3:
		return hypervolume3D(points)
	default:
		return a.hypervolumeMC(points)
	}
}

// hypervolume2D sweeps points sorted by the first objective descending
func hypervolume2D(points [][]float64) float64 {
	sorted := make([][]float64, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i][0] > sorted[j][0] })

	volume := 0.0
	prevY := 0.0
	for _, p := range sorted {
		if p[1] > prevY {
			volume += p[0] * (p[1] - prevY)
			prevY = p[1]
		}
	}
	return volume
}

// hypervolume3D slices along the third objective; each slab contributes the
// 2D hypervolume of points at or above its level.
func hypervolume3D(points [][]float64) float64 {
	levels := make([]float64, 0, len(points))
	seen := map[float64]bool{}
	for _, p := range points {
		if !seen[p[2]] {
			seen[p[2]] = true
			levels = append(levels, p[2])
		}
	}
	sort.Float64s(levels)

	volume := 0.0
	prev := 0.0
	for _, z := range levels {
		var slab [][]float64
		for _, p := range points {
			if p[2] >= z {
				slab = append(slab, []float64{p[0], p[1]})
			}
		}
		if len(slab) > 0 {
			volume += hypervolume2D(slab) * (z - prev)
		}
		prev = z
	}
	return volume
}

// hypervolumeMC estimates the dominated fraction of the unit hypercube
func (a *Analyzer) hypervolumeMC(points [][]float64) float64 {
	const samples = 20000
	dim := len(points[0])
	hits := 0

	for i := 0; i < samples; i++ {
		sample := make([]float64, dim)
		for d := range sample {
			sample[d] = a.rng.Float64()
		}
		for _, p := range points {
			dominated := true
			for d := range sample {
				if p[d] < sample[d] {
					dominated = false
					break
				}
			}
			if dominated {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(samples)
}

// spacing is the standard deviation of nearest-neighbor distances
func spacing(points [][]float64) float64 {
	if len(points) < 2 {
		return 0
	}
	nearest := make([]float64, len(points))
	for i := range points {
		minD := math.Inf(1)
		for j := range points {
			if i == j {
				continue
			}
			if d := euclidean(points[i], points[j]); d < minD {
				minD = d
			}
		}
		nearest[i] = minD
	}
	sd := stat.StdDev(nearest, nil)
	if math.IsNaN(sd) {
		return 0
	}
	return sd
}

// spread relates extreme to average consecutive gaps per objective: sort the
// front along each objective, take the gaps between neighbors, and divide the
// boundary gaps plus the total deviation from the mean gap by the boundary
// gaps plus the total gap mass. A uniformly spaced front scores the minimum
// 2/(n+1); bunched fronts approach 1. Fronts of fewer than three members have
// no interior structure and score 0.
func spread(points [][]float64) float64 {
	if len(points) < 3 {
		return 0
	}

	dim := len(points[0])
	total := 0.0
	counted := 0
	for d := 0; d < dim; d++ {
		values := make([]float64, len(points))
		for i, p := range points {
			values[i] = p[d]
		}
		sort.Float64s(values)

		gaps := make([]float64, len(values)-1)
		sum := 0.0
		for i := 1; i < len(values); i++ {
			gaps[i-1] = values[i] - values[i-1]
			sum += gaps[i-1]
		}
		if sum == 0 {
			continue // Front is degenerate along this objective
		}
		mean := sum / float64(len(gaps))

		deviation := 0.0
		for _, g := range gaps {
			deviation += math.Abs(g - mean)
		}
		extremes := gaps[0] + gaps[len(gaps)-1]
		total += (extremes + deviation) / (extremes + sum)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// ============================================================================
// CONVERGENCE AND ADVICE
// ============================================================================

func (a *Analyzer) convergence(history []GenerationStats, cfg Config) ConvergenceDiagnostics {
	diag := ConvergenceDiagnostics{LastImprovement: -1}
	if len(history) == 0 {
		return diag
	}

	const eps = 1e-9
	best := history[0].BestFitness
	diag.LastImprovement = history[0].Generation
	for _, gs := range history[1:] {
		if gs.BestFitness > best+eps {
			best = gs.BestFitness
			diag.LastImprovement = gs.Generation
		}
	}

	last := history[len(history)-1]
	diag.StagnationGens = last.Generation - diag.LastImprovement
	diag.FinalDiversity = last.Diversity
	diag.FitnessGain = last.BestFitness - history[0].BestFitness
	diag.Converged = diag.StagnationGens >= cfg.ConvergenceGenerations ||
		(last.Diversity < cfg.ConvergenceThreshold && last.FitnessVariance < cfg.ConvergenceThreshold)
	diag.PrematureConvergence = diag.Converged &&
		len(history) < int(0.3*float64(cfg.MaxGenerations))
	return diag
}

// advise appends recommendations, warnings, and insights to the report
func (a *Analyzer) advise(report *OptimizationReport, population []*Individual, cfg Config) {
	if report.Fitness.Penalized > len(population)/2 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d of %d individuals carry penalty fitness; constraints or the evaluation backend may be misconfigured",
				report.Fitness.Penalized, len(population)))
	}

	if report.Convergence.PrematureConvergence {
		report.Warnings = append(report.Warnings, "search converged prematurely")
		report.Recommendations = append(report.Recommendations,
			"increase mutation rate or population size to preserve diversity")
	}
	if !report.Convergence.Converged && report.Convergence.StagnationGens == 0 {
		report.Recommendations = append(report.Recommendations,
			"fitness was still improving at the generation cap; consider raising max_generations")
	}
	if report.Convergence.FinalDiversity < cfg.Adaptive.LowDiversity && !report.Convergence.Converged {
		report.Recommendations = append(report.Recommendations,
			"population diversity is low; a higher mutation rate may help escape local optima")
	}

	for _, p := range report.Parameters {
		if p.Importance > 0.5 {
			report.Insights = append(report.Insights,
				fmt.Sprintf("%s strongly influences fitness (importance %.2f); best results cluster in [%.4g, %.4g]",
					p.Name, p.Importance, p.OptimalMin, p.OptimalMax))
		}
		if p.Importance < 0.05 && p.Stability < 0.2 {
			report.Insights = append(report.Insights,
				fmt.Sprintf("%s shows little effect on fitness; consider fixing it to reduce the search space", p.Name))
		}
	}

	for pair, r := range report.Correlations {
		if math.Abs(r) > 0.8 {
			report.Insights = append(report.Insights,
				fmt.Sprintf("parameters %s are highly correlated (r=%.2f); they may be redundant", pair, r))
		}
	}

	if report.Pareto != nil && report.Pareto.Size >= 2 {
		report.Insights = append(report.Insights,
			fmt.Sprintf("Pareto front holds %d trade-off solutions (hypervolume %.4f)",
				report.Pareto.Size, report.Pareto.Hypervolume))
	}
}
