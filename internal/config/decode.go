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

// decodeFile decodes data into dst, picking the format from the file
// extension. YAML is re-encoded as JSON first so both formats share the
// strict decoder: unknown keys and trailing documents are errors.
func decodeFile(path string, data []byte, dst *Config) error {
	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("yaml config %s: %w", path, err)
		}
		if doc == nil {
			// An empty YAML file keeps every default.
			return nil
		}
		b, err := json.Marshal(jsonKeys(doc))
		if err != nil {
			return fmt.Errorf("yaml config %s: %w", path, err)
		}
		data = b
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil {
		if extra := dec.Decode(&struct{}{}); extra != io.EOF {
			err = errors.New("trailing data")
			if extra != nil {
				err = extra
			}
		}
	}
	if err != nil {
		return fmt.Errorf("%s config %s: %w", format, path, err)
	}
	return nil
}

// jsonKeys rewrites YAML mappings with non-string keys (e.g. `1: x`) so
// encoding/json accepts them.
func jsonKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = jsonKeys(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = jsonKeys(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = jsonKeys(e)
		}
		return t
	}
	return v
}
