package dsl

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// MarshalJSON-based persistence helpers. A definition round-trips through
// either codec without information loss: for any previously valid definition,
// Validate(must(UnmarshalDefinitionJSON(MarshalDefinitionJSON(def)))) is empty.

// MarshalDefinitionJSON encodes a definition as JSON.
func MarshalDefinitionJSON(def *Definition) ([]byte, error) {
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}
	return data, nil
}

// UnmarshalDefinitionJSON decodes a definition from JSON and validates it.
func UnmarshalDefinitionJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if errs := Validate(&def); len(errs) > 0 {
		return nil, fmt.Errorf("definition failed validation: %s", errs[0].Error())
	}
	return &def, nil
}

// MarshalDefinitionYAML encodes a definition as YAML.
func MarshalDefinitionYAML(def *Definition) ([]byte, error) {
	data, err := yaml.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}
	return data, nil
}

// UnmarshalDefinitionYAML decodes a definition from YAML and validates it.
func UnmarshalDefinitionYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if errs := Validate(&def); len(errs) > 0 {
		return nil, fmt.Errorf("definition failed validation: %s", errs[0].Error())
	}
	return &def, nil
}

// Clone deep-copies a definition through the JSON codec. Versions are
// immutable once created; cloning is how a new draft starts from an existing
// version.
func Clone(def *Definition) (*Definition, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("clone definition: %w", err)
	}
	var out Definition
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone definition: %w", err)
	}
	return &out, nil
}
