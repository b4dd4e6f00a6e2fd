// Package schema loads the optional domain schema: which relationship types
// may form self-loops and per-entity-type similarity threshold overrides.
package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EdgeRule constrains one relationship type.
type EdgeRule struct {
	// AllowSelfLoops permits edges whose endpoints are the same node.
	AllowSelfLoops bool `yaml:"allow_self_loops"`
}

// Schema is the deployment's domain schema. The zero value is a permissive
// default: no self-loops anywhere, global threshold for every type.
type Schema struct {
	// Thresholds overrides the global similarity threshold per entity type.
	Thresholds map[string]float64 `yaml:"thresholds"`

	// Edges constrains relationship types by label.
	Edges map[string]EdgeRule `yaml:"edges"`
}

// Load reads a schema from a YAML file. A missing path yields the zero schema.
func Load(path string) (*Schema, error) {
	if path == "" {
		return &Schema{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	s := &Schema{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}

	for typ, threshold := range s.Thresholds {
		if threshold < -1 || threshold > 1 {
			return nil, fmt.Errorf("invalid threshold %v for type %q", threshold, typ)
		}
	}

	return s, nil
}

// ThresholdFor returns the similarity threshold for an entity type, falling
// back to the supplied global default.
func (s *Schema) ThresholdFor(entityType string, global float64) float64 {
	if s == nil || s.Thresholds == nil {
		return global
	}
	if t, ok := s.Thresholds[entityType]; ok {
		return t
	}
	return global
}

// SelfLoopsAllowed reports whether the relationship type permits self-loops.
func (s *Schema) SelfLoopsAllowed(edgeType string) bool {
	if s == nil || s.Edges == nil {
		return false
	}
	return s.Edges[edgeType].AllowSelfLoops
}
