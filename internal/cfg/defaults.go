package cfg

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// ActionMetadata is the subset of the action.yml metadata file that is
// evaluated.
type ActionMetadata struct {
	Name   string                 `yaml:"name"`
	Inputs map[string]ActionInput `yaml:"inputs"`
}

type ActionInput struct {
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
	Default     string `yaml:"default"`
}

// ParseActionMetadata parses an action.yml file.
func ParseActionMetadata(data []byte) (*ActionMetadata, error) {
	var result ActionMetadata

	if err := yaml.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing action metadata failed: %w", err)
	}

	return &result, nil
}

// Defaults returns the default values of the inputs.
// Inputs without default and defaults that are expressions, which are only
// evaluated by the runner, are omitted.
func (m *ActionMetadata) Defaults() map[string]string {
	result := make(map[string]string, len(m.Inputs))

	for name, in := range m.Inputs {
		if in.Default != "" && !strings.HasPrefix(strings.TrimSpace(in.Default), "${{") {
			result[name] = in.Default
		}
	}

	return result
}

// LoadInputsFile reads a TOML document that assigns values to inputs, the
// keys are the input names. It is used to run the action outside of
// GitHub Actions.
//
//	github-api-url = "https://api.github.com"
//	github-app-id = 12345
//	cache-backend = "s3"
func LoadInputsFile(reader io.Reader) (map[string]string, error) {
	tree, err := toml.LoadReader(reader)
	if err != nil {
		return nil, err
	}

	result := map[string]string{}

	for k, v := range tree.ToMap() {
		switch val := v.(type) {
		case string:
			result[k] = val
		case bool:
			result[k] = strconv.FormatBool(val)
		case int64:
			result[k] = strconv.FormatInt(val, 10)
		case float64:
			result[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			return nil, fmt.Errorf("value of %q has unsupported type %T, only strings, numbers and booleans are allowed", k, v)
		}
	}

	return result, nil
}

// Merge returns a map containing the entries of all maps, on duplicate keys
// the value of the later map wins.
func Merge(maps ...map[string]string) map[string]string {
	result := map[string]string{}

	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}

	return result
}
