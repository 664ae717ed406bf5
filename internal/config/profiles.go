package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// RiskProfiles holds the named override presets a caller can switch between.
type RiskProfiles struct {
	Active   string                 `yaml:"active_profile"`
	Profiles map[string]RiskProfile `yaml:"profiles"`
}

// RiskProfile is a bundle of limit overrides applied as a unit.
type RiskProfile struct {
	Name                    string             `yaml:"name"`
	Description             string             `yaml:"description"`
	RequiresAdvancedConsent bool               `yaml:"requires_advanced_consent"`
	Overrides               map[string]float64 `yaml:"overrides"`
}

// LoadRiskProfiles loads profiles from file, falling back to the built-in
// presets when path is empty.
func LoadRiskProfiles(path string) (*RiskProfiles, error) {
	if path == "" {
		return DefaultRiskProfiles(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read risk profiles: %w", err)
	}
	var profiles RiskProfiles
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to parse risk profiles YAML: %w", err)
	}
	return &profiles, nil
}

// Get returns the named profile.
func (rp *RiskProfiles) Get(name string) (*RiskProfile, error) {
	p, ok := rp.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("risk profile %q not found", name)
	}
	return &p, nil
}

// DefaultRiskProfiles returns the built-in presets. Conservative keeps the
// static limits untouched; balanced and aggressive widen them progressively,
// with aggressive additionally gated behind advanced consent.
func DefaultRiskProfiles() *RiskProfiles {
	return &RiskProfiles{
		Active: "conservative",
		Profiles: map[string]RiskProfile{
			"conservative": {
				Name:        "Conservative",
				Description: "Baseline limits from static policy config",
				Overrides:   map[string]float64{},
			},
			"balanced": {
				Name:        "Balanced",
				Description: "Moderate limit widening for active trading",
				Overrides: map[string]float64{
					"MAX_TRADE_AMOUNT":     1_000,
					"MAX_TRANSFER_NATIVE":  0.5,
					"MAX_CEX_ORDER_AMOUNT": 1_000,
				},
			},
			"aggressive": {
				Name:                    "Aggressive",
				Description:             "Wide limits, advanced consent required",
				RequiresAdvancedConsent: true,
				Overrides: map[string]float64{
					"MAX_TRADE_AMOUNT":     10_000,
					"MAX_TRANSFER_NATIVE":  5,
					"MAX_CEX_ORDER_AMOUNT": 10_000,
				},
			},
		},
	}
}
