package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses one config document. Names ending in .yaml or .yml are read
// as YAML, anything else as JSON. Both end in the same strict JSON decoder, so
// unknown keys and trailing data are errors. ${VAR} references are expanded
// from the environment before parsing.
func Decode(name string, b []byte) (*Config, error) {
	b = []byte(os.ExpandEnv(string(b)))
	if isYAML(name) {
		var err error
		if b, err = yamlToJSON(b); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%s: unexpected data after the config object", filepath.Base(name))
	}
	return &cfg, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON accepts exactly one document; an empty file is an empty object.
func yamlToJSON(b []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	var doc any
	switch err := dec.Decode(&doc); {
	case errors.Is(err, io.EOF):
		return []byte("{}"), nil
	case err != nil:
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
		return nil, errors.New("yaml: multiple documents are not supported")
	}
	return json.Marshal(jsonValue(doc))
}

// jsonValue copies a decoded YAML tree, turning non-string map keys into strings.
func jsonValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = jsonValue(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = jsonValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = jsonValue(e)
		}
		return out
	}
	return v
}
