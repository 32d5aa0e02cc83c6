// Parameter space definitions for strategy optimization
package optimizer

import (
	"fmt"
	"math"
	"sort"
)

// ============================================================================
// PARAMETER DEFINITION
// ============================================================================

// ParamType defines the type of a tunable parameter
type ParamType string

const (
	ParamTypeInt         ParamType = "int"
	ParamTypeFloat       ParamType = "float"
	ParamTypeBool        ParamType = "bool"
	ParamTypeCategorical ParamType = "categorical"
	ParamTypeOrdinal     ParamType = "ordinal"
)

// ParameterDefinition describes one tunable strategy parameter.
// Definitions are immutable once the parameter space is built.
type ParameterDefinition struct {
	Name       string    `json:"name"`
	Type       ParamType `json:"type"`
	Min        float64   `json:"min"`        // Numeric types
	Max        float64   `json:"max"`        // Numeric types
	Precision  int       `json:"precision"`  // Decimal places for float decode
	Categories []string  `json:"categories"` // Categorical/ordinal types

	// MutationRate overrides the global mutation rate for this parameter
	// when > 0.
	MutationRate float64 `json:"mutation_rate,omitempty"`

	// Importance weights the parameter in genetic distance calculations.
	// Defaults to 1.0 when zero.
	Importance float64 `json:"importance,omitempty"`

	// DependsOn and ExcludesWith express simple structural constraints
	// between parameters. They are validated at space construction.
	DependsOn    []string `json:"depends_on,omitempty"`
	ExcludesWith []string `json:"excludes_with,omitempty"`
}

// importance returns the effective importance weight
func (d *ParameterDefinition) importance() float64 {
	if d.Importance > 0 {
		return d.Importance
	}
	return 1.0
}

// validate checks the definition for internal consistency
func (d *ParameterDefinition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("parameter has empty name")
	}

	switch d.Type {
	case ParamTypeInt, ParamTypeFloat:
		if d.Max < d.Min {
			return fmt.Errorf("parameter %s: max %.6f below min %.6f", d.Name, d.Max, d.Min)
		}
		if math.IsNaN(d.Min) || math.IsNaN(d.Max) || math.IsInf(d.Min, 0) || math.IsInf(d.Max, 0) {
			return fmt.Errorf("parameter %s: bounds must be finite", d.Name)
		}
	case ParamTypeBool:
		// No bounds needed
	case ParamTypeCategorical, ParamTypeOrdinal:
		if len(d.Categories) == 0 {
			return fmt.Errorf("parameter %s: %s type requires at least one category", d.Name, d.Type)
		}
	default:
		return fmt.Errorf("parameter %s: unknown type %q", d.Name, d.Type)
	}

	if d.MutationRate < 0 || d.MutationRate > 1 {
		return fmt.Errorf("parameter %s: mutation rate %.4f outside [0,1]", d.Name, d.MutationRate)
	}
	if d.Importance < 0 {
		return fmt.Errorf("parameter %s: importance must be non-negative", d.Name)
	}

	return nil
}

// ============================================================================
// PARAMETER VALUES
// ============================================================================

// ValueKind discriminates the ParameterValue union
type ValueKind int

const (
	ValueInt ValueKind = iota
	ValueFloat
	ValueBool
	ValueCategory
)

// ParameterValue is a closed tagged union of the values a parameter can take.
// It replaces open-ended interface{} maps so values are validated exactly once
// at the codec boundary.
type ParameterValue struct {
	Kind     ValueKind `json:"kind"`
	IntVal   int64     `json:"int_val,omitempty"`
	FloatVal float64   `json:"float_val,omitempty"`
	BoolVal  bool      `json:"bool_val,omitempty"`
	Category string    `json:"category,omitempty"`
}

// IntValue creates an integer parameter value
func IntValue(v int64) ParameterValue { return ParameterValue{Kind: ValueInt, IntVal: v} }

// FloatValue creates a float parameter value
func FloatValue(v float64) ParameterValue { return ParameterValue{Kind: ValueFloat, FloatVal: v} }

// BoolValue creates a boolean parameter value
func BoolValue(v bool) ParameterValue { return ParameterValue{Kind: ValueBool, BoolVal: v} }

// CategoryValue creates a categorical parameter value
func CategoryValue(v string) ParameterValue { return ParameterValue{Kind: ValueCategory, Category: v} }

// Int returns the integer value, coercing floats by rounding
func (v ParameterValue) Int() int64 {
	if v.Kind == ValueFloat {
		return int64(math.Round(v.FloatVal))
	}
	return v.IntVal
}

// Float returns the float value, coercing integers
func (v ParameterValue) Float() float64 {
	if v.Kind == ValueInt {
		return float64(v.IntVal)
	}
	return v.FloatVal
}

// Bool returns the boolean value
func (v ParameterValue) Bool() bool { return v.BoolVal }

// String renders the value for keys and logs
func (v ParameterValue) String() string {
	switch v.Kind {
	case ValueInt:
		return fmt.Sprintf("%d", v.IntVal)
	case ValueFloat:
		return fmt.Sprintf("%g", v.FloatVal)
	case ValueBool:
		return fmt.Sprintf("%t", v.BoolVal)
	case ValueCategory:
		return v.Category
	}
	return "?"
}

// Equal compares two parameter values
func (v ParameterValue) Equal(o ParameterValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueInt:
		return v.IntVal == o.IntVal
	case ValueFloat:
		return v.FloatVal == o.FloatVal
	case ValueBool:
		return v.BoolVal == o.BoolVal
	case ValueCategory:
		return v.Category == o.Category
	}
	return false
}

// ParameterSet maps parameter names to their values
type ParameterSet map[string]ParameterValue

// Clone creates a copy of the parameter set
func (ps ParameterSet) Clone() ParameterSet {
	clone := make(ParameterSet, len(ps))
	for k, v := range ps {
		clone[k] = v
	}
	return clone
}

// CanonicalKey produces a deterministic serialization of the set, used as the
// fitness cache key.
func (ps ParameterSet) CanonicalKey() string {
	names := make([]string, 0, len(ps))
	for name := range ps {
		names = append(names, name)
	}
	sort.Strings(names)

	key := ""
	for i, name := range names {
		if i > 0 {
			key += "|"
		}
		key += name + "=" + ps[name].String()
	}
	return key
}

// ============================================================================
// PARAMETER SPACE
// ============================================================================

// ParameterSpace is an immutable, ordered collection of parameter definitions
type ParameterSpace struct {
	defs  []*ParameterDefinition
	index map[string]*ParameterDefinition
}

// NewParameterSpace validates the definitions and builds a space. Parameters
// are ordered by name so the derived gene layout is deterministic.
func NewParameterSpace(defs []*ParameterDefinition) (*ParameterSpace, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("parameter space requires at least one parameter")
	}

	index := make(map[string]*ParameterDefinition, len(defs))
	ordered := make([]*ParameterDefinition, 0, len(defs))

	for _, def := range defs {
		if err := def.validate(); err != nil {
			return nil, err
		}
		if _, dup := index[def.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", def.Name)
		}
		d := *def // definitions are immutable after construction
		index[def.Name] = &d
		ordered = append(ordered, &d)
	}

	// Structural constraints must reference known parameters
	for _, def := range ordered {
		for _, dep := range def.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("parameter %s depends on unknown parameter %q", def.Name, dep)
			}
		}
		for _, excl := range def.ExcludesWith {
			if _, ok := index[excl]; !ok {
				return nil, fmt.Errorf("parameter %s excludes unknown parameter %q", def.Name, excl)
			}
		}
	}

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	return &ParameterSpace{defs: ordered, index: index}, nil
}

// Size returns the number of parameters in the space
func (s *ParameterSpace) Size() int { return len(s.defs) }

// Definitions returns the ordered parameter definitions
func (s *ParameterSpace) Definitions() []*ParameterDefinition { return s.defs }

// Definition looks up a parameter by name
func (s *ParameterSpace) Definition(name string) (*ParameterDefinition, bool) {
	def, ok := s.index[name]
	return def, ok
}

// ValidateSet checks a parameter set against the space: every parameter
// present, correct kind, within bounds.
func (s *ParameterSpace) ValidateSet(ps ParameterSet) error {
	for _, def := range s.defs {
		val, ok := ps[def.Name]
		if !ok {
			return fmt.Errorf("missing parameter %q", def.Name)
		}

		switch def.Type {
		case ParamTypeInt:
			if val.Kind != ValueInt {
				return fmt.Errorf("parameter %s: expected int value", def.Name)
			}
			if float64(val.IntVal) < def.Min || float64(val.IntVal) > def.Max {
				return fmt.Errorf("parameter %s: value %d outside [%g, %g]", def.Name, val.IntVal, def.Min, def.Max)
			}
		case ParamTypeFloat:
			if val.Kind != ValueFloat {
				return fmt.Errorf("parameter %s: expected float value", def.Name)
			}
			if val.FloatVal < def.Min || val.FloatVal > def.Max {
				return fmt.Errorf("parameter %s: value %g outside [%g, %g]", def.Name, val.FloatVal, def.Min, def.Max)
			}
		case ParamTypeBool:
			if val.Kind != ValueBool {
				return fmt.Errorf("parameter %s: expected bool value", def.Name)
			}
		case ParamTypeCategorical, ParamTypeOrdinal:
			if val.Kind != ValueCategory {
				return fmt.Errorf("parameter %s: expected category value", def.Name)
			}
			found := false
			for _, c := range def.Categories {
				if c == val.Category {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("parameter %s: unknown category %q", def.Name, val.Category)
			}
		}
	}

	for name := range ps {
		if _, ok := s.index[name]; !ok {
			return fmt.Errorf("unexpected parameter %q", name)
		}
	}

	return nil
}
