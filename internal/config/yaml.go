package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// configFormat picks the decoder by extension. Unknown extensions are
// sniffed: a leading '{' means JSON, anything else YAML.
func configFormat(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	if t := bytes.TrimLeft(data, " \t\r\n"); len(t) > 0 && t[0] == '{' {
		return "json"
	}
	return "yaml"
}

// toJSON returns the config as JSON so both formats go through the same
// strict decoder.
func toJSON(path string, data []byte) ([]byte, string, error) {
	format := configFormat(path, data)
	if format == "json" {
		return data, format, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), format, nil
		}
		return nil, format, fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, format, errors.New("yaml: config must be a single document")
	}

	doc, err := stringKeys(doc)
	if err != nil {
		return nil, format, err
	}
	if doc == nil {
		return []byte("{}"), format, nil
	}
	j, err := json.Marshal(doc)
	if err != nil {
		return nil, format, fmt.Errorf("yaml: %w", err)
	}
	return j, format, nil
}

// stringKeys rewrites decoded YAML so every mapping key is a string.
// Non-scalar keys are rejected.
func stringKeys(in any) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			nv, err := stringKeys(v)
			if err != nil {
				return nil, err
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			switch k.(type) {
			case map[string]any, map[any]any, []any:
				return nil, fmt.Errorf("yaml: mapping key %v is not a scalar", k)
			}
			nv, err := stringKeys(v)
			if err != nil {
				return nil, err
			}
			m[fmt.Sprint(k)] = nv
		}
		return m, nil
	case []any:
		for i, v := range x {
			nv, err := stringKeys(v)
			if err != nil {
				return nil, err
			}
			x[i] = nv
		}
		return x, nil
	default:
		return in, nil
	}
}
