package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ToolOverride adjusts how a single discovered tool is exposed to the model
type ToolOverride struct {
	ToolName          string `json:"tool_name" yaml:"tool_name"`
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	CustomDescription string `json:"custom_description,omitempty" yaml:"custom_description,omitempty"`
}

// ToolOverrides maps a provider name to its tool overrides
type ToolOverrides map[string][]ToolOverride

// LoadToolOverrides reads an overrides file. JSON files parse as YAML, so a
// single decoder handles both formats. A missing file yields no overrides.
func LoadToolOverrides(path string) (ToolOverrides, error) {
	if path == "" {
		return ToolOverrides{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ToolOverrides{}, nil
		}
		return nil, fmt.Errorf("failed to read tool overrides: %w", err)
	}

	overrides := ToolOverrides{}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse tool overrides: %w", err)
	}

	for provider, entries := range overrides {
		for i, o := range entries {
			if o.ToolName == "" {
				return nil, fmt.Errorf("tool overrides for %s: entry %d has no tool_name", provider, i)
			}
		}
	}

	return overrides, nil
}
