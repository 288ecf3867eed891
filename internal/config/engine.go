package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"presence/internal/geofence"
	"presence/internal/identity"
)

//go:embed engine.yaml
var defaultEngine []byte

// Engine is the verification profile: where participants must be and how
// close a face must be to count as a match.
type Engine struct {
	Boundary geofence.Polygon
	Strategy identity.Strategy
}

type engineFile struct {
	DefaultProfile string                 `yaml:"default_profile"`
	Boundary       [][]float64            `yaml:"boundary"`
	Profiles       map[string]profileSpec `yaml:"profiles"`
}

type profileSpec struct {
	Metric     string  `yaml:"metric"`
	Threshold  float64 `yaml:"threshold"`
	Dimensions int     `yaml:"dimensions"`
}

// LoadEngine reads the engine profile from path, or the embedded default when
// path is empty. A non-empty profile selects a match profile by name and a
// positive threshold overrides the profile's threshold.
func LoadEngine(path, profile string, threshold float64) (Engine, error) {
	raw := defaultEngine
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Engine{}, fmt.Errorf("read engine config: %w", err)
		}
		raw = b
	}
	return ParseEngine(raw, profile, threshold)
}

// ParseEngine decodes and validates an engine profile.
func ParseEngine(raw []byte, profile string, threshold float64) (Engine, error) {
	var f engineFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Engine{}, fmt.Errorf("parse engine config: %w", err)
	}

	pairs := make([][2]float64, 0, len(f.Boundary))
	for i, p := range f.Boundary {
		if len(p) != 2 {
			return Engine{}, fmt.Errorf("boundary vertex %d: want [lat, lon], got %v", i, p)
		}
		pairs = append(pairs, [2]float64{p[0], p[1]})
	}
	boundary, err := geofence.PolygonFromLatLon(pairs)
	if err != nil {
		return Engine{}, fmt.Errorf("boundary: %w", err)
	}

	name := profile
	if name == "" {
		name = f.DefaultProfile
	}
	spec, ok := f.Profiles[name]
	if !ok {
		return Engine{}, fmt.Errorf("unknown match profile %q (have %v)", name, profileNames(f.Profiles))
	}
	strategy := identity.Strategy{
		Name:       name,
		Metric:     identity.Metric(spec.Metric),
		Threshold:  spec.Threshold,
		Dimensions: spec.Dimensions,
	}
	if threshold > 0 {
		strategy.Threshold = threshold
	}
	if err := strategy.Validate(); err != nil {
		return Engine{}, err
	}
	return Engine{Boundary: boundary, Strategy: strategy}, nil
}

func profileNames(m map[string]profileSpec) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
