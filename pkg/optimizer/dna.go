// DNA encoding and genetic operators for strategy parameters
package optimizer

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// GENE LAYOUT
// ============================================================================

// GeneKind describes how a gene segment is interpreted on decode
type GeneKind int

const (
	GeneLinear   GeneKind = iota // Normalized position within [min,max]
	GeneRounded                  // Linear, rounded to nearest integer on decode
	GeneBinary                   // Threshold 0.5
	GeneIndexed                  // Normalized index into a category list
)

// GeneSegment maps one parameter onto a slice of the gene vector
type GeneSegment struct {
	Name   string   `json:"name"`
	Offset int      `json:"offset"`
	Length int      `json:"length"`
	Kind   GeneKind `json:"kind"`
}

// Genes is a normalized gene vector. Every component lies in [0,1].
type Genes []float64

// Clone copies the gene vector
func (g Genes) Clone() Genes {
	c := make(Genes, len(g))
	copy(c, g)
	return c
}

// CrossoverMethod selects the crossover operator
type CrossoverMethod string

const (
	CrossoverUniform        CrossoverMethod = "uniform"
	CrossoverSinglePoint    CrossoverMethod = "single_point"
	CrossoverTwoPoint       CrossoverMethod = "two_point"
	CrossoverArithmetic     CrossoverMethod = "arithmetic"
	CrossoverBLXAlpha       CrossoverMethod = "blx_alpha"
	CrossoverParameterAware CrossoverMethod = "parameter_aware"
)

// MutationMethod selects the mutation operator
type MutationMethod string

const (
	MutationGaussian   MutationMethod = "gaussian"
	MutationPolynomial MutationMethod = "polynomial"
	MutationUniform    MutationMethod = "uniform"
	MutationBoundary   MutationMethod = "boundary"
	MutationNonUniform MutationMethod = "non_uniform"
)

// ValidationResult reports gene vector validation
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ============================================================================
// CODEC
// ============================================================================

// CodecConfig holds tunables for the genetic operators
type CodecConfig struct {
	UniformSwapProb  float64 `json:"uniform_swap_prob" yaml:"uniform_swap_prob"`   // Per-gene swap probability for uniform crossover
	BLXAlpha         float64 `json:"blx_alpha" yaml:"blx_alpha"`                   // Interval expansion for BLX crossover
	CrossoverBias    float64 `json:"crossover_bias" yaml:"crossover_bias"`         // Blend-vs-swap gate for parameter-aware crossover
	GaussianStrength float64 `json:"gaussian_strength" yaml:"gaussian_strength"`   // Stddev of Gaussian mutation
	PolynomialEta    float64 `json:"polynomial_eta" yaml:"polynomial_eta"`         // Distribution index for polynomial mutation
	NonUniformPower  float64 `json:"non_uniform_power" yaml:"non_uniform_power"`   // Shape of the non-uniform decay
	RepairAttempts   int     `json:"repair_attempts" yaml:"repair_attempts"`       // Bounded repair iterations before resampling
}

// DefaultCodecConfig returns the standard operator settings
func DefaultCodecConfig() CodecConfig {
	return CodecConfig{
		UniformSwapProb:  0.5,
		BLXAlpha:         0.3,
		CrossoverBias:    0.7,
		GaussianStrength: 0.1,
		PolynomialEta:    20.0,
		NonUniformPower:  2.0,
		RepairAttempts:   3,
	}
}

// Codec encodes and decodes parameter sets to fixed-length normalized gene
// vectors and implements the genetic operators at gene granularity.
type Codec struct {
	space    *ParameterSpace
	segments []GeneSegment
	total    int
	config   CodecConfig
	rng      *rand.Rand
	rngMu    sync.Mutex // guards rng on the repair path, reachable from concurrent evaluation workers
	log      zerolog.Logger
	prom     *optimizerMetrics

	repairFailures atomic.Int64
}

// NewCodec builds a codec for the parameter space. The gene layout follows the
// space's deterministic parameter order, one gene per parameter.
func NewCodec(space *ParameterSpace, config CodecConfig, rng *rand.Rand) *Codec {
	segments := make([]GeneSegment, 0, space.Size())
	offset := 0

	for _, def := range space.Definitions() {
		kind := GeneLinear
		switch def.Type {
		case ParamTypeInt:
			kind = GeneRounded
		case ParamTypeBool:
			kind = GeneBinary
		case ParamTypeCategorical, ParamTypeOrdinal:
			kind = GeneIndexed
		}

		segments = append(segments, GeneSegment{
			Name:   def.Name,
			Offset: offset,
			Length: 1,
			Kind:   kind,
		})
		offset++
	}

	return &Codec{
		space:    space,
		segments: segments,
		total:    offset,
		config:   config,
		rng:      rng,
		log:      log.With().Str("component", "dna_codec").Logger(),
		prom:     getOrCreateMetrics(),
	}
}

// TotalLength returns the gene vector length, invariant for the space
func (c *Codec) TotalLength() int { return c.total }

// Segments returns the gene layout
func (c *Codec) Segments() []GeneSegment { return c.segments }

// Space returns the underlying parameter space
func (c *Codec) Space() *ParameterSpace { return c.space }

// RepairFailures returns the number of gene vectors discarded after bounded
// repair attempts.
func (c *Codec) RepairFailures() int64 { return c.repairFailures.Load() }

// ============================================================================
// ENCODE / DECODE
// ============================================================================

// Encode converts a parameter set to its normalized gene vector
func (c *Codec) Encode(ps ParameterSet) (Genes, error) {
	if err := c.space.ValidateSet(ps); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	genes := make(Genes, c.total)
	for i, seg := range c.segments {
		def, _ := c.space.Definition(seg.Name)
		val := ps[seg.Name]

		switch seg.Kind {
		case GeneBinary:
			if val.Bool() {
				genes[i] = 1.0
			} else {
				genes[i] = 0.0
			}
		case GeneIndexed:
			idx := 0
			for j, cat := range def.Categories {
				if cat == val.Category {
					idx = j
					break
				}
			}
			if len(def.Categories) > 1 {
				genes[i] = float64(idx) / float64(len(def.Categories)-1)
			}
		default:
			span := def.Max - def.Min
			if span > 0 {
				genes[i] = (val.Float() - def.Min) / span
			}
		}
	}

	return genes, nil
}

// Decode converts a gene vector back to a typed parameter set
func (c *Codec) Decode(genes Genes) (ParameterSet, error) {
	if len(genes) != c.total {
		return nil, fmt.Errorf("decode: gene vector length %d, expected %d", len(genes), c.total)
	}

	ps := make(ParameterSet, len(c.segments))
	for i, seg := range c.segments {
		def, _ := c.space.Definition(seg.Name)
		g := clamp01(genes[i])

		switch seg.Kind {
		case GeneBinary:
			ps[seg.Name] = BoolValue(g >= 0.5)
		case GeneIndexed:
			idx := int(math.Round(g * float64(len(def.Categories)-1)))
			if idx < 0 {
				idx = 0
			}
			if idx >= len(def.Categories) {
				idx = len(def.Categories) - 1
			}
			ps[seg.Name] = CategoryValue(def.Categories[idx])
		case GeneRounded:
			v := def.Min + g*(def.Max-def.Min)
			ps[seg.Name] = IntValue(int64(math.Round(v)))
		default:
			v := def.Min + g*(def.Max-def.Min)
			ps[seg.Name] = FloatValue(roundTo(v, def.Precision))
		}
	}

	return ps, nil
}

// RandomGenes samples a uniform random gene vector
func (c *Codec) RandomGenes() Genes {
	genes := make(Genes, c.total)
	c.rngMu.Lock()
	for i := range genes {
		genes[i] = c.rng.Float64()
	}
	c.rngMu.Unlock()
	return genes
}

// ============================================================================
// CROSSOVER
// ============================================================================

// Crossover produces two children from two parents using the given method
func (c *Codec) Crossover(a, b Genes, method CrossoverMethod) (Genes, Genes, error) {
	if len(a) != c.total || len(b) != c.total {
		return nil, nil, fmt.Errorf("crossover: parent lengths %d/%d, expected %d", len(a), len(b), c.total)
	}

	child1 := a.Clone()
	child2 := b.Clone()

	switch method {
	case CrossoverUniform:
		for i := range child1 {
			if c.rng.Float64() < c.config.UniformSwapProb {
				child1[i], child2[i] = child2[i], child1[i]
			}
		}

	case CrossoverSinglePoint:
		if c.total > 1 {
			point := 1 + c.rng.Intn(c.total-1)
			for i := point; i < c.total; i++ {
				child1[i], child2[i] = child2[i], child1[i]
			}
		}

	case CrossoverTwoPoint:
		if c.total > 2 {
			p1 := 1 + c.rng.Intn(c.total-2)
			p2 := p1 + 1 + c.rng.Intn(c.total-p1-1)
			for i := p1; i < p2; i++ {
				child1[i], child2[i] = child2[i], child1[i]
			}
		} else {
			for i := range child1 {
				if c.rng.Float64() < 0.5 {
					child1[i], child2[i] = child2[i], child1[i]
				}
			}
		}

	case CrossoverArithmetic:
		alpha := c.rng.Float64()
		for i := range child1 {
			child1[i] = alpha*a[i] + (1-alpha)*b[i]
			child2[i] = (1-alpha)*a[i] + alpha*b[i]
		}

	case CrossoverBLXAlpha:
		for i := range child1 {
			lo := math.Min(a[i], b[i])
			hi := math.Max(a[i], b[i])
			span := hi - lo
			lo = clamp01(lo - c.config.BLXAlpha*span)
			hi = clamp01(hi + c.config.BLXAlpha*span)
			child1[i] = lo + c.rng.Float64()*(hi-lo)
			child2[i] = lo + c.rng.Float64()*(hi-lo)
		}

	case CrossoverParameterAware:
		// Blend continuous genes, swap discrete ones. The crossover bias
		// gates how often each gene participates at all.
		for i, seg := range c.segments {
			if c.rng.Float64() >= c.config.CrossoverBias {
				continue
			}
			switch seg.Kind {
			case GeneLinear:
				alpha := c.rng.Float64()
				child1[i] = alpha*a[i] + (1-alpha)*b[i]
				child2[i] = (1-alpha)*a[i] + alpha*b[i]
			default:
				child1[i], child2[i] = child2[i], child1[i]
			}
		}

	default:
		return nil, nil, fmt.Errorf("crossover: unknown method %q", method)
	}

	return child1, child2, nil
}

// ============================================================================
// MUTATION
// ============================================================================

// MutateOpts carries generation context for generation-dependent operators
type MutateOpts struct {
	Generation     int
	MaxGenerations int
}

// Mutate returns a mutated copy of the gene vector. Per-parameter mutation
// rate overrides take precedence over the global rate.
func (c *Codec) Mutate(genes Genes, method MutationMethod, rate float64, opts MutateOpts) (Genes, error) {
	if len(genes) != c.total {
		return nil, fmt.Errorf("mutate: gene vector length %d, expected %d", len(genes), c.total)
	}

	mutated := genes.Clone()

	for i, seg := range c.segments {
		def, _ := c.space.Definition(seg.Name)
		effectiveRate := rate
		if def.MutationRate > 0 {
			effectiveRate = def.MutationRate
		}

		if c.rng.Float64() >= effectiveRate {
			continue
		}

		switch method {
		case MutationGaussian:
			mutated[i] = clamp01(mutated[i] + c.rng.NormFloat64()*c.config.GaussianStrength)

		case MutationPolynomial:
			mutated[i] = clamp01(mutated[i] + c.polynomialDelta(mutated[i]))

		case MutationUniform:
			mutated[i] = c.rng.Float64()

		case MutationBoundary:
			if c.rng.Float64() < 0.5 {
				mutated[i] = 0.0
			} else {
				mutated[i] = 1.0
			}

		case MutationNonUniform:
			// Step size decays as the run approaches its generation cap
			progress := 0.0
			if opts.MaxGenerations > 0 {
				progress = float64(opts.Generation) / float64(opts.MaxGenerations)
			}
			scale := math.Pow(1-progress, c.config.NonUniformPower)
			delta := (c.rng.Float64()*2 - 1) * scale
			mutated[i] = clamp01(mutated[i] + delta)

		default:
			return nil, fmt.Errorf("mutate: unknown method %q", method)
		}
	}

	return mutated, nil
}

// polynomialDelta implements Deb's polynomial mutation on a unit-interval gene
func (c *Codec) polynomialDelta(g float64) float64 {
	eta := c.config.PolynomialEta
	u := c.rng.Float64()

	if u < 0.5 {
		d := math.Pow(2*u+(1-2*u)*math.Pow(1-g, eta+1), 1/(eta+1)) - 1
		return d
	}
	d := 1 - math.Pow(2*(1-u)+2*(u-0.5)*math.Pow(g, eta+1), 1/(eta+1))
	return d
}

// ============================================================================
// DISTANCE / VALIDATION / REPAIR
// ============================================================================

// Distance is the importance-weighted mean absolute gene difference. It is a
// diversity measure in gene space, not a domain-unit distance.
func (c *Codec) Distance(a, b Genes) float64 {
	if len(a) != len(b) || len(a) != c.total {
		return math.NaN()
	}

	sum := 0.0
	weightTotal := 0.0
	for i, seg := range c.segments {
		def, _ := c.space.Definition(seg.Name)
		w := def.importance()
		sum += w * math.Abs(a[i]-b[i])
		weightTotal += w
	}

	if weightTotal == 0 {
		return 0
	}
	return sum / weightTotal
}

// Validate checks a gene vector for correct length and unit-interval genes
func (c *Codec) Validate(genes Genes) ValidationResult {
	result := ValidationResult{Valid: true}

	if len(genes) != c.total {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("length %d, expected %d", len(genes), c.total))
		return result
	}

	for i, g := range genes {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("gene %d (%s) is not finite", i, c.segments[i].Name))
		} else if g < 0 || g > 1 {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("gene %d (%s) = %g outside [0,1]", i, c.segments[i].Name, g))
		}
	}

	return result
}

// Repair clamps out-of-range components and re-validates through a decode
// round-trip. After a bounded number of attempts it gives up and substitutes a
// fresh random vector; that is logged as a repair failure, never an error.
func (c *Codec) Repair(genes Genes) Genes {
	if len(genes) != c.total {
		c.repairFailures.Add(1)
		c.prom.RepairFailures.Inc()
		c.log.Warn().
			Int("length", len(genes)).
			Int("expected", c.total).
			Msg("Unrepairable gene vector, resampling")
		return c.RandomGenes()
	}

	repaired := genes.Clone()
	for attempt := 0; attempt < c.config.RepairAttempts; attempt++ {
		c.rngMu.Lock()
		for i, g := range repaired {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				repaired[i] = c.rng.Float64()
			} else {
				repaired[i] = clamp01(g)
			}
		}
		c.rngMu.Unlock()

		if !c.Validate(repaired).Valid {
			continue
		}

		// A decode/encode round-trip snaps discrete genes onto valid values
		ps, err := c.Decode(repaired)
		if err == nil {
			if normalized, err := c.Encode(ps); err == nil {
				return normalized
			}
		}
	}

	c.repairFailures.Add(1)
	c.prom.RepairFailures.Inc()
	c.log.Warn().
		Int("attempts", c.config.RepairAttempts).
		Msg("Gene repair failed, substituting random vector")
	return c.RandomGenes()
}

// ============================================================================
// HELPERS
// ============================================================================

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func roundTo(v float64, places int) float64 {
	if places <= 0 {
		return v
	}
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
