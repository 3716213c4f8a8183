package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a model from a file or directory and validates it.
// The format follows the extension: .yaml, .yml and .json are YAML, .cue
// is CUE and .hcl is HCL. A directory is loaded as a CUE package when it
// holds .cue files and as a set of HCL files otherwise.
func Load(path string) (*Model, error) {
	m, err := LoadUnvalidated(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadUnvalidated reads a model without running Validate.
func LoadUnvalidated(path string) (*Model, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat model %s: %w", path, err)
	}

	if info.IsDir() {
		cueFiles, _ := filepath.Glob(filepath.Join(path, "*.cue"))
		if len(cueFiles) > 0 {
			return NewCUELoader().Load(path)
		}
		return LoadHCLDir(path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read model %s: %w", path, err)
		}
		m, err := ParseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse model %s: %w", path, err)
		}
		m.Source = path
		return m, nil
	case ".cue":
		return NewCUELoader().Load(path)
	case ".hcl":
		return LoadHCLFile(path)
	default:
		return nil, fmt.Errorf("unsupported model format %q", filepath.Ext(path))
	}
}

// ParseYAML decodes a model from YAML (or JSON). Unknown fields are errors.
func ParseYAML(data []byte) (*Model, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Model
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// MarshalYAML encodes a model as YAML.
func MarshalYAML(m *Model) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
