package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Thresholds are the gate thresholds applied to every decision
type Thresholds struct {
	ConfidenceMin float64 `yaml:"confidence_min" json:"confidenceMin"`
	EdgeMin       float64 `yaml:"edge_min" json:"edgeMin"`
	MaxDriftScore float64 `yaml:"max_drift_score" json:"maxDriftScore"`
}

// DefaultThresholds returns the platform defaults
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConfidenceMin: 0.65,
		EdgeMin:       0.05,
		MaxDriftScore: 0.15,
	}
}

// Config is the policy section of the application config
type Config struct {
	Thresholds Thresholds            `yaml:"thresholds"`
	Governance Governance            `yaml:"governance"`
	Profiles   map[string]Thresholds `yaml:"profiles"`
	// ActiveProfile is applied at startup when set
	ActiveProfile string `yaml:"active_profile"`
}

// DefaultConfig returns the default policy config with no tenant profiles
func DefaultConfig() Config {
	return Config{
		Thresholds: DefaultThresholds(),
		Governance: DefaultGovernance(),
		Profiles:   map[string]Thresholds{},
	}
}

// Validate checks the base thresholds and every profile against governance
func (c Config) Validate() error {
	if err := c.Governance.validateSelf(); err != nil {
		return err
	}
	if err := c.Governance.Validate(c.Thresholds); err != nil {
		return fmt.Errorf("policy thresholds: %w", err)
	}
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.Governance.Validate(c.Profiles[name]); err != nil {
			return fmt.Errorf("policy profile %s: %w", name, err)
		}
	}
	if c.ActiveProfile != "" {
		if _, ok := c.Profiles[c.ActiveProfile]; !ok {
			return ValidationError{
				Reason:  ReasonUnknownProfile,
				Field:   "active_profile",
				Message: fmt.Sprintf("profile %q is not defined", c.ActiveProfile),
			}
		}
	}
	return nil
}

// LoadConfig loads a standalone policy file
func LoadConfig(configPath string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read policy config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse policy config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid policy config: %w", err)
	}
	return cfg, nil
}
