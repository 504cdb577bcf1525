package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/workgraph/pkg/simulation"
)

// LoadSimulationProfile reads a simulation profile. Keys missing from the
// file keep their simulation.DefaultConfig values; an empty path returns
// the defaults.
func LoadSimulationProfile(path string) (simulation.Config, error) {
	cfg := simulation.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return simulation.Config{}, fmt.Errorf("load simulation profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return simulation.Config{}, fmt.Errorf("parse simulation profile %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return simulation.Config{}, fmt.Errorf("simulation profile %q: %w", path, err)
	}
	return cfg, nil
}
