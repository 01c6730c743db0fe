package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadPaths compiles operator-supplied .rego files into the engine. Each
// path may be a file or a directory; directories are walked recursively.
// Loaded policies default to error severity, so their deny rules block
// plans unless a rule downgrades its own severity.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	var loaded int

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat policy path %s: %w", path, err)
		}

		if !info.IsDir() {
			if err := e.loadFile(ctx, path); err != nil {
				return err
			}
			loaded++
			continue
		}

		err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(file, ".rego") {
				return nil
			}
			if err := e.loadFile(ctx, file); err != nil {
				return err
			}
			loaded++
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to walk policy directory %s: %w", path, err)
		}
	}

	e.logger.WithField("count", loaded).Info("Operator policies loaded")
	return nil
}

// loadFile compiles a single .rego file, named after its base name.
func (e *Engine) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".rego")
	policy := Policy{
		Name:        name,
		Description: fmt.Sprintf("Operator policy loaded from %s", path),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"operator"},
	}

	if err := e.AddPolicy(ctx, policy); err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", path, err)
	}
	return nil
}
