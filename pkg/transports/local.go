package transports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalRunner executes commands on the host the engine runs on.
type LocalRunner struct{}

// NewLocalRunner creates a runner for the local host.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// Run executes a command locally and captures its output.
func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("command", name).
		Strs("args", args).
		Dur("duration", result.Duration).
		Msg("executed command")

	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	if ctx.Err() != nil {
		return result, fmt.Errorf("command %s cancelled: %w", name, ctx.Err())
	}
	return result, fmt.Errorf("failed to execute %s: %w", name, err)
}

// LookPath resolves a tool on the local PATH.
func (r *LocalRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// ReadFile reads a local file.
func (r *LocalRunner) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile writes a local file, creating parent directories.
func (r *LocalRunner) WriteFile(_ context.Context, path string, data []byte, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", path, err)
	}
	return os.WriteFile(path, data, mode)
}

// Remove deletes a local file. Missing paths are not an error.
func (r *LocalRunner) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists reports whether a local path exists.
func (r *LocalRunner) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
