package chess

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parameter is one tunable engine parameter in a yaml-declared
// parameter space.
type Parameter struct {
	Name    string  `yaml:"name"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	Step    float64 `yaml:"step"`
	Initial float64 `yaml:"initial"`
}

// ParameterSpace is the set of parameters a tuning task explores,
// loaded from the yaml file named by the manager module's
// param_space_path config option.
type ParameterSpace struct {
	Parameters []Parameter `yaml:"parameters"`
}

// LoadParameterSpace reads and validates a parameter-space yaml file.
func LoadParameterSpace(path string) (*ParameterSpace, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading parameter space: %w", err)
	}
	var space ParameterSpace
	if err := yaml.Unmarshal(raw, &space); err != nil {
		return nil, fmt.Errorf("parsing parameter space: %w", err)
	}
	if err := space.validate(); err != nil {
		return nil, err
	}
	return &space, nil
}

func (s *ParameterSpace) validate() error {
	seen := make(map[string]struct{}, len(s.Parameters))
	for _, p := range s.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter space: parameter with empty name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("parameter space: duplicate parameter %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Max < p.Min {
			return fmt.Errorf("parameter space: %q has max %v below min %v", p.Name, p.Max, p.Min)
		}
		if p.Initial < p.Min || p.Initial > p.Max {
			return fmt.Errorf("parameter space: %q initial %v outside [%v, %v]", p.Name, p.Initial, p.Min, p.Max)
		}
	}
	return nil
}

// Vector returns the parameter space's initial candidate vector.
func (s *ParameterSpace) Vector() map[string]float64 {
	out := make(map[string]float64, len(s.Parameters))
	for _, p := range s.Parameters {
		out[p.Name] = p.Initial
	}
	return out
}
