// Population lifecycle: selection, reproduction, and survivor selection
package optimizer

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// INDIVIDUAL
// ============================================================================

// Individual is one candidate parameter set with its genealogy and
// multi-objective metadata. Owned exclusively by the population manager for
// the duration of a generation.
type Individual struct {
	ID         uuid.UUID      `json:"id"`
	Genes      Genes          `json:"genes"`
	Fitness    *FitnessScores `json:"fitness,omitempty"`
	Generation int            `json:"generation"`
	ParentIDs  []uuid.UUID    `json:"parent_ids,omitempty"`
	Mutations  int            `json:"mutations"`
	Crossovers int            `json:"crossovers"`

	// Multi-objective metadata, valid after non-dominated sorting
	DominationCount  int         `json:"domination_count"`
	DominatedIDs     []uuid.UUID `json:"dominated_ids,omitempty"`
	Rank             int         `json:"rank"`
	CrowdingDistance float64     `json:"crowding_distance"`

	Evaluated    bool `json:"evaluated"`
	Age          int  `json:"age"`
	Improvements int  `json:"improvements"`
}

// Clone deep-copies the individual so survivor selection hands off fresh
// collections instead of aliasing across generations.
func (ind *Individual) Clone() *Individual {
	c := *ind
	c.Genes = ind.Genes.Clone()
	if ind.ParentIDs != nil {
		c.ParentIDs = append([]uuid.UUID(nil), ind.ParentIDs...)
	}
	if ind.DominatedIDs != nil {
		c.DominatedIDs = append([]uuid.UUID(nil), ind.DominatedIDs...)
	}
	return &c
}

// AggregateFitness returns the scalar fitness, or the penalty value when the
// individual has not been evaluated.
func (ind *Individual) AggregateFitness() float64 {
	if ind.Fitness == nil {
		return PenaltyFitness
	}
	return ind.Fitness.Aggregate
}

// clonePopulation deep-copies a population slice
func clonePopulation(pop []*Individual) []*Individual {
	out := make([]*Individual, len(pop))
	for i, ind := range pop {
		out[i] = ind.Clone()
	}
	return out
}

// ============================================================================
// SELECTION METHODS
// ============================================================================

// SelectionMethod chooses the parent selection scheme
type SelectionMethod string

const (
	SelectionTournament SelectionMethod = "tournament"
	SelectionRoulette   SelectionMethod = "roulette"
	SelectionRank       SelectionMethod = "rank"
	SelectionElite      SelectionMethod = "elite"
)

// ============================================================================
// POPULATION MANAGER
// ============================================================================

// ManagerConfig holds population manager settings
type ManagerConfig struct {
	TournamentSize int `json:"tournament_size" yaml:"tournament_size"`
	MaxParetoSize  int `json:"max_pareto_size" yaml:"max_pareto_size"`
}

// DefaultManagerConfig returns standard manager settings
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		TournamentSize: 3,
		MaxParetoSize:  100,
	}
}

// Manager owns the population lifecycle: initial generation, parent
// selection, offspring generation, and survivor selection.
type Manager struct {
	codec  *Codec
	config ManagerConfig
	rng    *rand.Rand
	idGen  IDGenerator
	log    zerolog.Logger
}

// NewManager creates a population manager
func NewManager(codec *Codec, config ManagerConfig, rng *rand.Rand, idGen IDGenerator) *Manager {
	if config.TournamentSize < 2 {
		config.TournamentSize = 2
	}
	if idGen == nil {
		idGen = UUIDGenerator{}
	}
	return &Manager{
		codec:  codec,
		config: config,
		rng:    rng,
		idGen:  idGen,
		log:    log.With().Str("component", "population_manager").Logger(),
	}
}

// Initialize creates a random population of the given size
func (m *Manager) Initialize(size int, generation int) ([]*Individual, error) {
	if size < 2 {
		return nil, fmt.Errorf("population size %d below minimum of 2", size)
	}

	population := make([]*Individual, size)
	for i := 0; i < size; i++ {
		population[i] = &Individual{
			ID:         m.idGen.NewID(),
			Genes:      m.codec.RandomGenes(),
			Generation: generation,
		}
	}
	return population, nil
}

// ============================================================================
// PARENT SELECTION
// ============================================================================

// SelectParents picks count parents from the population using the given
// method. Pressure is the tournament size for tournament selection and the
// linear slope for rank selection.
func (m *Manager) SelectParents(population []*Individual, method SelectionMethod, pressure float64, count int) ([]*Individual, error) {
	if len(population) == 0 {
		return nil, fmt.Errorf("cannot select parents from empty population")
	}

	parents := make([]*Individual, 0, count)
	switch method {
	case SelectionTournament:
		size := int(pressure)
		if size < 2 {
			size = m.config.TournamentSize
		}
		for i := 0; i < count; i++ {
			parents = append(parents, m.tournament(population, size))
		}

	case SelectionRoulette:
		for i := 0; i < count; i++ {
			parents = append(parents, m.roulette(population))
		}

	case SelectionRank:
		for i := 0; i < count; i++ {
			parents = append(parents, m.rankSelect(population, pressure))
		}

	case SelectionElite:
		sorted := clonePopulationRefs(population)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].AggregateFitness() > sorted[j].AggregateFitness()
		})
		k := count
		if k > len(sorted) {
			k = len(sorted)
		}
		for i := 0; i < count; i++ {
			parents = append(parents, sorted[i%k])
		}

	default:
		return nil, fmt.Errorf("unknown selection method %q", method)
	}

	return parents, nil
}

// tournament runs one fixed-size tournament. Ties on aggregate fitness break
// by dominance rank, then crowding distance.
func (m *Manager) tournament(population []*Individual, size int) *Individual {
	best := population[m.rng.Intn(len(population))]
	for i := 1; i < size; i++ {
		contestant := population[m.rng.Intn(len(population))]
		if m.better(contestant, best) {
			best = contestant
		}
	}
	return best
}

// better compares two individuals for selection purposes
func (m *Manager) better(a, b *Individual) bool {
	af, bf := a.AggregateFitness(), b.AggregateFitness()
	if af != bf {
		return af > bf
	}
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	return a.CrowdingDistance > b.CrowdingDistance
}

// roulette selects proportionally to non-negative fitness, falling back to a
// uniform random choice when total fitness is not positive.
func (m *Manager) roulette(population []*Individual) *Individual {
	total := 0.0
	for _, ind := range population {
		if f := ind.AggregateFitness(); f > 0 {
			total += f
		}
	}
	if total <= 0 {
		return population[m.rng.Intn(len(population))]
	}

	target := m.rng.Float64() * total
	acc := 0.0
	for _, ind := range population {
		if f := ind.AggregateFitness(); f > 0 {
			acc += f
			if acc >= target {
				return ind
			}
		}
	}
	return population[len(population)-1]
}

// rankSelect applies linear rank weighting: the best individual is pressure
// times more likely to be picked than the worst.
func (m *Manager) rankSelect(population []*Individual, pressure float64) *Individual {
	if pressure < 1 {
		pressure = 1.5
	}

	sorted := clonePopulationRefs(population)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].AggregateFitness() < sorted[j].AggregateFitness()
	})

	n := float64(len(sorted))
	total := 0.0
	weights := make([]float64, len(sorted))
	for i := range sorted {
		// Linear ranking: weight grows from 2-pressure to pressure
		weights[i] = (2 - pressure) + 2*(pressure-1)*float64(i)/(n-1)
		total += weights[i]
	}

	target := m.rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if acc >= target {
			return sorted[i]
		}
	}
	return sorted[len(sorted)-1]
}

// ============================================================================
// REPRODUCTION
// ============================================================================

// ReproduceOpts carries operator settings for offspring generation
type ReproduceOpts struct {
	CrossoverMethod CrossoverMethod
	MutationMethod  MutationMethod
	CrossoverRate   float64
	MutationRate    float64
	Generation      int
	MaxGenerations  int
}

// Reproduce pairs up parents and produces offspring via crossover and
// mutation. Invalid gene vectors are repaired before the offspring joins the
// pool.
func (m *Manager) Reproduce(parents []*Individual, count int, opts ReproduceOpts) ([]*Individual, error) {
	if len(parents) < 2 {
		return nil, fmt.Errorf("reproduction requires at least 2 parents, got %d", len(parents))
	}

	offspring := make([]*Individual, 0, count)
	for len(offspring) < count {
		p1 := parents[m.rng.Intn(len(parents))]
		p2 := parents[m.rng.Intn(len(parents))]

		var g1, g2 Genes
		crossed := false
		if m.rng.Float64() < opts.CrossoverRate {
			var err error
			g1, g2, err = m.codec.Crossover(p1.Genes, p2.Genes, opts.CrossoverMethod)
			if err != nil {
				return nil, fmt.Errorf("reproduce: %w", err)
			}
			crossed = true
		} else {
			g1 = p1.Genes.Clone()
			g2 = p2.Genes.Clone()
		}

		for _, genes := range []Genes{g1, g2} {
			if len(offspring) >= count {
				break
			}

			child := &Individual{
				ID:         m.idGen.NewID(),
				Generation: opts.Generation,
				ParentIDs:  []uuid.UUID{p1.ID, p2.ID},
			}
			if crossed {
				child.Crossovers = 1
			}

			mutated, err := m.codec.Mutate(genes, opts.MutationMethod, opts.MutationRate, MutateOpts{
				Generation:     opts.Generation,
				MaxGenerations: opts.MaxGenerations,
			})
			if err != nil {
				return nil, fmt.Errorf("reproduce: %w", err)
			}
			if !genesEqual(genes, mutated) {
				child.Mutations = 1
			}

			if !m.codec.Validate(mutated).Valid {
				mutated = m.codec.Repair(mutated)
			}
			child.Genes = mutated

			offspring = append(offspring, child)
		}
	}

	return offspring, nil
}

// ============================================================================
// SURVIVOR SELECTION
// ============================================================================

// SelectSurvivors reduces the combined parent+offspring pool back to
// targetSize. The single-objective path keeps an unconditional elite and
// fills the remainder with tournament winners and genetic-diversity picks;
// the multi-objective path runs NSGA-II.
func (m *Manager) SelectSurvivors(parents, offspring []*Individual, targetSize int, elitismRatio float64, multiObjective bool) ([]*Individual, error) {
	pool := make([]*Individual, 0, len(parents)+len(offspring))
	pool = append(pool, parents...)
	pool = append(pool, offspring...)

	if len(pool) < targetSize {
		return nil, fmt.Errorf("survivor pool %d smaller than target size %d", len(pool), targetSize)
	}

	var survivors []*Individual
	if multiObjective {
		survivors = m.nsga2Survivors(pool, targetSize)
	} else {
		survivors = m.elitistSurvivors(pool, targetSize, elitismRatio)
	}

	// Hand back a fresh collection: survivors age by one and are never the
	// same Individual values the caller passed in.
	out := make([]*Individual, len(survivors))
	for i, ind := range survivors {
		c := ind.Clone()
		c.Age++
		out[i] = c
	}
	return out, nil
}

// elitistSurvivors implements the single-objective survivor path
func (m *Manager) elitistSurvivors(pool []*Individual, targetSize int, elitismRatio float64) []*Individual {
	sorted := clonePopulationRefs(pool)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].AggregateFitness() > sorted[j].AggregateFitness()
	})

	eliteCount := int(elitismRatio * float64(targetSize))
	if eliteCount > targetSize {
		eliteCount = targetSize
	}

	survivors := make([]*Individual, 0, targetSize)
	chosen := make(map[uuid.UUID]bool, targetSize)
	for _, ind := range sorted[:eliteCount] {
		survivors = append(survivors, ind)
		chosen[ind.ID] = true
	}

	remainder := targetSize - eliteCount
	tournamentFill := remainder / 2

	// First half of the remainder: tournament winners
	for i := 0; i < tournamentFill; i++ {
		for attempts := 0; attempts < len(pool); attempts++ {
			winner := m.tournament(pool, m.config.TournamentSize)
			if !chosen[winner.ID] {
				survivors = append(survivors, winner)
				chosen[winner.ID] = true
				break
			}
		}
	}

	// Second half: most genetically diverse, maximizing the minimum distance
	// to already-chosen survivors
	for len(survivors) < targetSize {
		var best *Individual
		bestDist := -1.0
		for _, cand := range pool {
			if chosen[cand.ID] {
				continue
			}
			minDist := math.Inf(1)
			for _, surv := range survivors {
				if d := m.codec.Distance(cand.Genes, surv.Genes); d < minDist {
					minDist = d
				}
			}
			if minDist > bestDist {
				bestDist = minDist
				best = cand
			}
		}
		if best == nil {
			break
		}
		survivors = append(survivors, best)
		chosen[best.ID] = true
	}

	// Fallback fill in case the pool ran out of distinct candidates
	for _, ind := range sorted {
		if len(survivors) >= targetSize {
			break
		}
		if !chosen[ind.ID] {
			survivors = append(survivors, ind)
			chosen[ind.ID] = true
		}
	}

	return survivors
}

// nsga2Survivors implements the multi-objective NSGA-II survivor path:
// non-dominated sorting, whole-front inclusion while they fit, and
// crowding-distance truncation of the last partial front.
func (m *Manager) nsga2Survivors(pool []*Individual, targetSize int) []*Individual {
	fronts := m.FastNonDominatedSort(pool)

	survivors := make([]*Individual, 0, targetSize)
	for _, front := range fronts {
		m.ComputeCrowdingDistance(front)
		if len(survivors)+len(front) <= targetSize {
			survivors = append(survivors, front...)
			continue
		}

		remaining := targetSize - len(survivors)
		if remaining > 0 {
			truncated := clonePopulationRefs(front)
			sort.Slice(truncated, func(i, j int) bool {
				return truncated[i].CrowdingDistance > truncated[j].CrowdingDistance
			})
			survivors = append(survivors, truncated[:remaining]...)
		}
		break
	}

	return survivors
}

// ============================================================================
// DOMINANCE AND FRONTS
// ============================================================================

// Dominates reports whether a dominates b: no worse on every objective and
// strictly better on at least one, on normalized scores (already
// direction-adjusted so higher is better).
func Dominates(a, b *Individual) bool {
	if a.Fitness == nil || b.Fitness == nil {
		return a.Fitness != nil && b.Fitness == nil
	}

	av := a.Fitness.NormalizedVector()
	bv := b.Fitness.NormalizedVector()
	if len(av) != len(bv) {
		return false
	}

	better := false
	for i := range av {
		if av[i] < bv[i] {
			return false
		}
		if av[i] > bv[i] {
			better = true
		}
	}
	return better
}

// FastNonDominatedSort stratifies the population into ranked fronts and fills
// in each individual's domination metadata.
func (m *Manager) FastNonDominatedSort(population []*Individual) [][]*Individual {
	n := len(population)
	domCount := make([]int, n)
	dominated := make([][]int, n)

	for i := range population {
		population[i].DominatedIDs = nil
		population[i].DominationCount = 0
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if Dominates(population[i], population[j]) {
				dominated[i] = append(dominated[i], j)
				population[i].DominatedIDs = append(population[i].DominatedIDs, population[j].ID)
			} else if Dominates(population[j], population[i]) {
				domCount[i]++
			}
		}
		population[i].DominationCount = domCount[i]
	}

	var fronts [][]*Individual
	var current []*Individual
	var currentIdx []int
	for i := 0; i < n; i++ {
		if domCount[i] == 0 {
			population[i].Rank = 0
			current = append(current, population[i])
			currentIdx = append(currentIdx, i)
		}
	}
	fronts = append(fronts, current)

	frontIndex := 0
	for len(current) > 0 {
		var next []*Individual
		var nextIdx []int
		for _, idx := range currentIdx {
			for _, dominatedIdx := range dominated[idx] {
				domCount[dominatedIdx]--
				if domCount[dominatedIdx] == 0 {
					population[dominatedIdx].Rank = frontIndex + 1
					next = append(next, population[dominatedIdx])
					nextIdx = append(nextIdx, dominatedIdx)
				}
			}
		}
		frontIndex++
		if len(next) > 0 {
			fronts = append(fronts, next)
		}
		current = next
		currentIdx = nextIdx
	}

	return fronts
}

// ComputeCrowdingDistance assigns per-front crowding distances. Boundary
// individuals on each objective get +Inf.
func (m *Manager) ComputeCrowdingDistance(front []*Individual) {
	if len(front) == 0 {
		return
	}
	if len(front) <= 2 {
		for _, ind := range front {
			ind.CrowdingDistance = math.Inf(1)
		}
		return
	}

	numObjectives := 0
	for _, ind := range front {
		if ind.Fitness != nil {
			numObjectives = len(ind.Fitness.Objectives)
			break
		}
	}
	if numObjectives == 0 {
		return
	}

	for _, ind := range front {
		ind.CrowdingDistance = 0
	}

	working := clonePopulationRefs(front)
	for obj := 0; obj < numObjectives; obj++ {
		sort.Slice(working, func(i, j int) bool {
			return objectiveScore(working[i], obj) < objectiveScore(working[j], obj)
		})

		working[0].CrowdingDistance = math.Inf(1)
		working[len(working)-1].CrowdingDistance = math.Inf(1)

		span := objectiveScore(working[len(working)-1], obj) - objectiveScore(working[0], obj)
		if span == 0 {
			continue
		}

		for i := 1; i < len(working)-1; i++ {
			gap := objectiveScore(working[i+1], obj) - objectiveScore(working[i-1], obj)
			working[i].CrowdingDistance += gap / span
		}
	}
}

// ExtractParetoFront returns the rank-0 subset, truncated by crowding
// distance when it exceeds the configured maximum retained size.
func (m *Manager) ExtractParetoFront(population []*Individual) []*Individual {
	fronts := m.FastNonDominatedSort(population)
	if len(fronts) == 0 || len(fronts[0]) == 0 {
		return nil
	}

	front := fronts[0]
	m.ComputeCrowdingDistance(front)

	if m.config.MaxParetoSize > 0 && len(front) > m.config.MaxParetoSize {
		sorted := clonePopulationRefs(front)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].CrowdingDistance > sorted[j].CrowdingDistance
		})
		front = sorted[:m.config.MaxParetoSize]
	}

	return clonePopulation(front)
}

// ============================================================================
// DIVERSITY AND CONVERGENCE
// ============================================================================

// Diversity is the mean pairwise genetic distance across the population
func (m *Manager) Diversity(population []*Individual) float64 {
	if len(population) < 2 {
		return 0
	}

	sum := 0.0
	pairs := 0
	for i := 0; i < len(population); i++ {
		for j := i + 1; j < len(population); j++ {
			sum += m.codec.Distance(population[i].Genes, population[j].Genes)
			pairs++
		}
	}
	return sum / float64(pairs)
}

// FitnessVariance returns the variance of aggregate fitness across evaluated
// individuals.
func (m *Manager) FitnessVariance(population []*Individual) float64 {
	var values []float64
	for _, ind := range population {
		if ind.Evaluated {
			values = append(values, ind.AggregateFitness())
		}
	}
	if len(values) < 2 {
		return 0
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return variance / float64(len(values))
}

// HasConverged reports convergence: both diversity and fitness variance have
// fallen below the threshold.
func (m *Manager) HasConverged(population []*Individual, threshold float64) bool {
	return m.Diversity(population) < threshold && m.FitnessVariance(population) < threshold
}

// ============================================================================
// HELPERS
// ============================================================================

// clonePopulationRefs copies the slice but not the individuals
func clonePopulationRefs(pop []*Individual) []*Individual {
	out := make([]*Individual, len(pop))
	copy(out, pop)
	return out
}

func objectiveScore(ind *Individual, idx int) float64 {
	if ind.Fitness == nil || idx >= len(ind.Fitness.Objectives) {
		return 0
	}
	return ind.Fitness.Objectives[idx].Normalized
}

func genesEqual(a, b Genes) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
