package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/evofunk/pkg/optimizer"
)

// SpaceFile is the on-disk definition of a searchable parameter space
type SpaceFile struct {
	Strategy   StrategySection       `yaml:"strategy"`
	Parameters []ParameterDefinition `yaml:"parameters"`
}

// StrategySection names the strategy under optimization
type StrategySection struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ParameterDefinition is one searchable parameter in the space file
type ParameterDefinition struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"` // int, float, bool, categorical, ordinal
	Min          float64  `yaml:"min"`
	Max          float64  `yaml:"max"`
	Precision    int      `yaml:"precision"`
	Categories   []string `yaml:"categories"`
	MutationRate float64  `yaml:"mutation_rate"`
	Importance   float64  `yaml:"importance"`
	DependsOn    []string `yaml:"depends_on"`
	ExcludesWith []string `yaml:"excludes_with"`
}

// LoadSpace reads a parameter space definition file and builds the validated
// search space.
func LoadSpace(path string) (*optimizer.ParameterSpace, optimizer.StrategyDescriptor, error) {
	var strategy optimizer.StrategyDescriptor

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, strategy, fmt.Errorf("failed to read space file: %w", err)
	}

	var sf SpaceFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, strategy, fmt.Errorf("failed to parse space file %s: %w", path, err)
	}
	if len(sf.Parameters) == 0 {
		return nil, strategy, fmt.Errorf("space file %s defines no parameters", path)
	}

	defs := make([]*optimizer.ParameterDefinition, 0, len(sf.Parameters))
	for _, p := range sf.Parameters {
		defs = append(defs, &optimizer.ParameterDefinition{
			Name:         p.Name,
			Type:         optimizer.ParamType(p.Type),
			Min:          p.Min,
			Max:          p.Max,
			Precision:    p.Precision,
			Categories:   p.Categories,
			MutationRate: p.MutationRate,
			Importance:   p.Importance,
			DependsOn:    p.DependsOn,
			ExcludesWith: p.ExcludesWith,
		})
	}

	space, err := optimizer.NewParameterSpace(defs)
	if err != nil {
		return nil, strategy, fmt.Errorf("invalid parameter space in %s: %w", path, err)
	}

	strategy = optimizer.StrategyDescriptor{
		Name:    sf.Strategy.Name,
		Version: sf.Strategy.Version,
	}
	if strategy.Name == "" {
		strategy.Name = "default"
	}
	return space, strategy, nil
}
