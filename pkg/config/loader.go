// Package config loads desired state documents in YAML, CUE and Starlark
// form and converts them to the engine's model.
//
// YAML is the plain declarative format. CUE adds types, constraints and
// defaults evaluated before the engine sees the document. Starlark is for
// desired states that need real logic, such as generating one resource
// block per port in a list.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openconverge/openconverge/pkg/engine"
)

// Load reads a desired state document from a file, dispatching on the
// extension: .yaml/.yml, .cue, or .star.
func Load(path string) (*engine.DesiredState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".cue":
		return NewCUEParser().Parse(data)
	case ".star":
		return NewStarlarkEvaluator(0).Eval(filepath.Base(path), data)
	default:
		return nil, fmt.Errorf("unsupported desired state format %q (want .yaml, .cue or .star)",
			filepath.Ext(path))
	}
}

// ParseYAML parses a YAML desired state document.
func ParseYAML(data []byte) (*engine.DesiredState, error) {
	var doc Document

	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML desired state: %w", err)
	}

	return doc.ToDesiredState()
}
