package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/toolgate/toolgate/internal/domain/compliance"
	"github.com/toolgate/toolgate/internal/domain/policy"
)

// LoadPolicySeed reads a JSON or YAML file of policies to load at
// startup. YAML is routed through JSON so condition matchers use their
// wire encoding either way.
func LoadPolicySeed(path string) ([]policy.Policy, error) {
	var policies []policy.Policy
	if err := decodeSeed(path, &policies); err != nil {
		return nil, fmt.Errorf("policy seed: %w", err)
	}
	return policies, nil
}

// LoadComplianceSeed reads a JSON or YAML file of compliance rules to
// load at startup.
func LoadComplianceSeed(path string) ([]compliance.Rule, error) {
	var rules []compliance.Rule
	if err := decodeSeed(path, &rules); err != nil {
		return nil, fmt.Errorf("compliance seed: %w", err)
	}
	return rules, nil
}

func decodeSeed(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return fmt.Errorf("convert %s: %w", path, err)
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
