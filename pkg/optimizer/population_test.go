package optimizer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T, seed int64) *Manager {
	t.Helper()
	codec := testCodec(t, seed)
	return NewManager(codec, DefaultManagerConfig(), rand.New(rand.NewSource(seed)), UUIDGenerator{})
}

// withFitness builds an individual with the given aggregate fitness
func withFitness(m *Manager, aggregate float64) *Individual {
	return &Individual{
		ID:        m.idGen.NewID(),
		Genes:     m.codec.RandomGenes(),
		Fitness:   &FitnessScores{Aggregate: aggregate, Feasible: true},
		Evaluated: true,
	}
}

// withObjectives builds an individual with the given normalized objective
// scores.
func withObjectives(m *Manager, normalized ...float64) *Individual {
	scores := &FitnessScores{Feasible: true}
	sum := 0.0
	for i, n := range normalized {
		scores.Objectives = append(scores.Objectives, ObjectiveScore{
			Name:       string(rune('a' + i)),
			Normalized: n,
			Weight:     1,
		})
		sum += n
	}
	scores.Aggregate = sum / float64(len(normalized))
	return &Individual{
		ID:        m.idGen.NewID(),
		Genes:     m.codec.RandomGenes(),
		Fitness:   scores,
		Evaluated: true,
	}
}

func TestInitialize(t *testing.T) {
	m := testManager(t, 1)

	pop, err := m.Initialize(20, 0)
	require.NoError(t, err)
	assert.Len(t, pop, 20)

	seen := make(map[string]bool)
	for _, ind := range pop {
		assert.Len(t, ind.Genes, m.codec.TotalLength())
		assert.False(t, ind.Evaluated)
		assert.False(t, seen[ind.ID.String()], "duplicate individual ID")
		seen[ind.ID.String()] = true
	}

	_, err = m.Initialize(1, 0)
	assert.Error(t, err, "population below minimum must be rejected")
}

func TestSelectParents(t *testing.T) {
	m := testManager(t, 2)
	pop := []*Individual{
		withFitness(m, 0.9),
		withFitness(m, 0.5),
		withFitness(m, 0.1),
		withFitness(m, -0.3),
	}

	methods := []SelectionMethod{SelectionTournament, SelectionRoulette, SelectionRank, SelectionElite}
	for _, method := range methods {
		t.Run(string(method), func(t *testing.T) {
			parents, err := m.SelectParents(pop, method, 3, 10)
			require.NoError(t, err)
			require.Len(t, parents, 10)

			// Every parent is a member of the population
			members := make(map[string]bool, len(pop))
			for _, ind := range pop {
				members[ind.ID.String()] = true
			}
			for _, p := range parents {
				assert.True(t, members[p.ID.String()])
			}
		})
	}

	t.Run("empty population", func(t *testing.T) {
		_, err := m.SelectParents(nil, SelectionTournament, 3, 5)
		assert.Error(t, err)
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := m.SelectParents(pop, SelectionMethod("bogus"), 3, 5)
		assert.Error(t, err)
	})
}

func TestEliteSelectionFavorsBest(t *testing.T) {
	m := testManager(t, 3)
	best := withFitness(m, 10.0)
	pop := []*Individual{withFitness(m, 1.0), best, withFitness(m, 2.0)}

	parents, err := m.SelectParents(pop, SelectionElite, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, best.ID, parents[0].ID)
}

func TestRouletteHandlesNonPositiveFitness(t *testing.T) {
	m := testManager(t, 4)
	pop := []*Individual{withFitness(m, -5), withFitness(m, -2), withFitness(m, 0)}

	// All fitness non-positive falls back to uniform selection
	parents, err := m.SelectParents(pop, SelectionRoulette, 0, 6)
	require.NoError(t, err)
	assert.Len(t, parents, 6)
}

func TestReproduce(t *testing.T) {
	m := testManager(t, 5)
	parents, err := m.Initialize(10, 0)
	require.NoError(t, err)

	opts := ReproduceOpts{
		CrossoverMethod: CrossoverUniform,
		MutationMethod:  MutationGaussian,
		CrossoverRate:   0.9,
		MutationRate:    0.2,
		Generation:      1,
		MaxGenerations:  10,
	}

	offspring, err := m.Reproduce(parents, 10, opts)
	require.NoError(t, err)
	require.Len(t, offspring, 10)

	parentIDs := make(map[string]bool, len(parents))
	for _, p := range parents {
		parentIDs[p.ID.String()] = true
	}
	for _, child := range offspring {
		assert.Len(t, child.Genes, m.codec.TotalLength())
		assert.True(t, m.codec.Validate(child.Genes).Valid)
		assert.Equal(t, 1, child.Generation)
		assert.False(t, parentIDs[child.ID.String()], "offspring reused a parent ID")
		require.Len(t, child.ParentIDs, 2)
		for _, pid := range child.ParentIDs {
			assert.True(t, parentIDs[pid.String()], "unknown parent lineage")
		}
	}

	t.Run("too few parents", func(t *testing.T) {
		_, err := m.Reproduce(parents[:1], 5, opts)
		assert.Error(t, err)
	})
}

func TestReproduceWithoutOperators(t *testing.T) {
	m := testManager(t, 6)
	parents, err := m.Initialize(4, 0)
	require.NoError(t, err)

	// Zero rates: children are exact copies of their parents' genes
	offspring, err := m.Reproduce(parents, 4, ReproduceOpts{
		CrossoverMethod: CrossoverUniform,
		MutationMethod:  MutationGaussian,
	})
	require.NoError(t, err)

	for _, child := range offspring {
		assert.Equal(t, 0, child.Mutations)
		assert.Equal(t, 0, child.Crossovers)
		matched := false
		for _, p := range parents {
			if genesEqual(child.Genes, p.Genes) {
				matched = true
				break
			}
		}
		assert.True(t, matched, "child genes match no parent")
	}
}

func TestSelectSurvivorsSingleObjective(t *testing.T) {
	m := testManager(t, 7)

	parents := make([]*Individual, 10)
	offspring := make([]*Individual, 10)
	for i := range parents {
		parents[i] = withFitness(m, float64(i))
	}
	for i := range offspring {
		offspring[i] = withFitness(m, float64(i)+0.5)
	}
	best := withFitness(m, 100.0)
	parents[0] = best

	survivors, err := m.SelectSurvivors(parents, offspring, 10, 0.2, false)
	require.NoError(t, err)
	require.Len(t, survivors, 10)

	// The elite slot preserves the best individual
	found := false
	for _, s := range survivors {
		if s.ID == best.ID {
			found = true
			assert.Equal(t, best.AggregateFitness(), s.AggregateFitness())
			assert.Equal(t, 1, s.Age, "survivors age by one generation")
			assert.NotSame(t, best, s, "survivors must be fresh copies")
		}
	}
	assert.True(t, found, "best individual dropped by elitism")

	t.Run("pool smaller than target", func(t *testing.T) {
		_, err := m.SelectSurvivors(parents[:2], nil, 10, 0.2, false)
		assert.Error(t, err)
	})
}

func TestElitismKeepsBestMonotonic(t *testing.T) {
	m := testManager(t, 8)
	pop, err := m.Initialize(12, 0)
	require.NoError(t, err)
	for i, ind := range pop {
		ind.Fitness = &FitnessScores{Aggregate: float64(i % 5), Feasible: true}
		ind.Evaluated = true
	}

	bestSoFar := math.Inf(-1)
	for gen := 0; gen < 20; gen++ {
		parents, err := m.SelectParents(pop, SelectionTournament, 3, 12)
		require.NoError(t, err)
		offspring, err := m.Reproduce(parents, 12, ReproduceOpts{
			CrossoverMethod: CrossoverUniform,
			MutationMethod:  MutationGaussian,
			CrossoverRate:   0.9,
			MutationRate:    0.3,
			Generation:      gen + 1,
			MaxGenerations:  20,
		})
		require.NoError(t, err)
		for _, child := range offspring {
			// Synthetic fitness derived from genes keeps the test hermetic
			child.Fitness = &FitnessScores{Aggregate: child.Genes[0] * 10, Feasible: true}
			child.Evaluated = true
		}

		pop, err = m.SelectSurvivors(pop, offspring, 12, 0.2, false)
		require.NoError(t, err)

		genBest := math.Inf(-1)
		for _, ind := range pop {
			if f := ind.AggregateFitness(); f > genBest {
				genBest = f
			}
		}
		assert.GreaterOrEqual(t, genBest, bestSoFar, "elitism lost the best individual at generation %d", gen)
		bestSoFar = genBest
	}
}

func TestDominates(t *testing.T) {
	m := testManager(t, 9)

	a := withObjectives(m, 0.8, 0.8)
	b := withObjectives(m, 0.5, 0.5)
	c := withObjectives(m, 0.9, 0.2)

	assert.True(t, Dominates(a, b))
	assert.False(t, Dominates(b, a))
	assert.False(t, Dominates(a, c), "trade-off solutions do not dominate each other")
	assert.False(t, Dominates(c, a))
	assert.False(t, Dominates(a, a), "domination is irreflexive")

	t.Run("unevaluated is dominated", func(t *testing.T) {
		empty := &Individual{ID: m.idGen.NewID()}
		assert.True(t, Dominates(a, empty))
		assert.False(t, Dominates(empty, a))
	})
}

func TestFastNonDominatedSort(t *testing.T) {
	m := testManager(t, 10)

	// Classic scenario: two non-dominated corners, one trade-off point, and
	// one strictly dominated point.
	p1 := withObjectives(m, 1.0, 0.0)
	p2 := withObjectives(m, 0.0, 1.0)
	p3 := withObjectives(m, 0.5, 0.5)
	p4 := withObjectives(m, 0.2, 0.2)
	pop := []*Individual{p4, p1, p3, p2}

	fronts := m.FastNonDominatedSort(pop)
	require.Len(t, fronts, 2)
	assert.Len(t, fronts[0], 3)
	assert.Len(t, fronts[1], 1)
	assert.Equal(t, p4.ID, fronts[1][0].ID)

	for _, ind := range fronts[0] {
		assert.Equal(t, 0, ind.Rank)
		assert.Equal(t, 0, ind.DominationCount)
	}
	assert.Equal(t, 1, p4.Rank)
	assert.Equal(t, 1, p4.DominationCount, "p4 is dominated only by p3")
}

func TestComputeCrowdingDistance(t *testing.T) {
	m := testManager(t, 11)

	t.Run("small fronts are all boundaries", func(t *testing.T) {
		front := []*Individual{withObjectives(m, 0.4, 0.6), withObjectives(m, 0.6, 0.4)}
		m.ComputeCrowdingDistance(front)
		for _, ind := range front {
			assert.True(t, math.IsInf(ind.CrowdingDistance, 1))
		}
	})

	t.Run("boundaries infinite, middle finite", func(t *testing.T) {
		a := withObjectives(m, 0.1, 0.9)
		b := withObjectives(m, 0.5, 0.5)
		c := withObjectives(m, 0.9, 0.1)
		m.ComputeCrowdingDistance([]*Individual{b, c, a})

		assert.True(t, math.IsInf(a.CrowdingDistance, 1))
		assert.True(t, math.IsInf(c.CrowdingDistance, 1))
		assert.False(t, math.IsInf(b.CrowdingDistance, 1))
		assert.Greater(t, b.CrowdingDistance, 0.0)
	})
}

func TestNSGA2Survivors(t *testing.T) {
	m := testManager(t, 12)

	// First front has 3 members, second has 2; target 4 keeps the whole first
	// front and truncates the second by crowding distance.
	parents := []*Individual{
		withObjectives(m, 1.0, 0.0),
		withObjectives(m, 0.0, 1.0),
		withObjectives(m, 0.5, 0.5),
	}
	offspring := []*Individual{
		withObjectives(m, 0.3, 0.3),
		withObjectives(m, 0.2, 0.2),
	}

	survivors, err := m.SelectSurvivors(parents, offspring, 4, 0, true)
	require.NoError(t, err)
	require.Len(t, survivors, 4)

	rank0 := 0
	for _, s := range survivors {
		if s.Rank == 0 {
			rank0++
		}
	}
	assert.Equal(t, 3, rank0, "whole first front must survive")
}

func TestExtractParetoFront(t *testing.T) {
	m := testManager(t, 13)

	pop := []*Individual{
		withObjectives(m, 1.0, 0.0),
		withObjectives(m, 0.0, 1.0),
		withObjectives(m, 0.5, 0.5),
		withObjectives(m, 0.2, 0.2),
	}

	front := m.ExtractParetoFront(pop)
	require.Len(t, front, 3)
	for _, ind := range front {
		assert.Equal(t, 0, ind.Rank)
	}

	t.Run("truncated to max size", func(t *testing.T) {
		cfg := DefaultManagerConfig()
		cfg.MaxParetoSize = 2
		small := NewManager(m.codec, cfg, rand.New(rand.NewSource(13)), UUIDGenerator{})
		front := small.ExtractParetoFront(pop)
		assert.Len(t, front, 2)
	})
}

func TestDiversityAndConvergence(t *testing.T) {
	m := testManager(t, 14)

	identical := []*Individual{
		{ID: m.idGen.NewID(), Genes: Genes{0.5, 0.5, 0.5, 0.5, 0.5}, Evaluated: true, Fitness: &FitnessScores{Aggregate: 1}},
		{ID: m.idGen.NewID(), Genes: Genes{0.5, 0.5, 0.5, 0.5, 0.5}, Evaluated: true, Fitness: &FitnessScores{Aggregate: 1}},
	}
	assert.Equal(t, 0.0, m.Diversity(identical))
	assert.Equal(t, 0.0, m.FitnessVariance(identical))
	assert.True(t, m.HasConverged(identical, 0.01))

	spread := []*Individual{
		{ID: m.idGen.NewID(), Genes: Genes{0, 0, 0, 0, 0}, Evaluated: true, Fitness: &FitnessScores{Aggregate: 0}},
		{ID: m.idGen.NewID(), Genes: Genes{1, 1, 1, 1, 1}, Evaluated: true, Fitness: &FitnessScores{Aggregate: 5}},
	}
	assert.Greater(t, m.Diversity(spread), 0.5)
	assert.False(t, m.HasConverged(spread, 0.01))
}

func TestIndividualClone(t *testing.T) {
	m := testManager(t, 15)
	ind := withFitness(m, 1.5)
	ind.ParentIDs = []uuid.UUID{m.idGen.NewID()}

	clone := ind.Clone()
	require.NotSame(t, ind, clone)
	assert.Equal(t, ind.ID, clone.ID)

	// Mutating the clone's slices must not touch the original
	clone.Genes[0] = 1 - clone.Genes[0]
	clone.ParentIDs[0] = m.idGen.NewID()
	assert.NotEqual(t, ind.Genes[0], clone.Genes[0])
	assert.NotEqual(t, ind.ParentIDs[0], clone.ParentIDs[0])
}
